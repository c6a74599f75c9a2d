package ranking

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DiversitySnapshot counts the recommended pool per author inside a
// rolling window.
type DiversitySnapshot struct {
	PerAuthorCount   map[string]int `json:"per_author_count"`
	TotalRecommended int            `json:"total_recommended"`

	// members maps every counted item id to its author.
	members map[string]string
}

// NewDiversitySnapshot builds a snapshot from recommended items.
func NewDiversitySnapshot(items []ContentItem) DiversitySnapshot {
	snap := DiversitySnapshot{
		PerAuthorCount: make(map[string]int),
		members:        make(map[string]string, len(items)),
	}
	for _, item := range items {
		if _, dup := snap.members[item.ID]; dup {
			continue
		}
		snap.members[item.ID] = item.AuthorID
		snap.PerAuthorCount[item.AuthorID]++
		snap.TotalRecommended++
	}
	return snap
}

// AuthorRatio returns the share of the pool held by authorID, computed as if
// excludeID were not part of the pool.
func (d DiversitySnapshot) AuthorRatio(authorID, excludeID string) float64 {
	count := d.PerAuthorCount[authorID]
	total := d.TotalRecommended
	if author, ok := d.members[excludeID]; ok && excludeID != "" {
		total--
		if author == authorID {
			count--
		}
	}
	if count <= 0 {
		return 0
	}
	return float64(count) / float64(max(total, 1))
}

// DiversityStatsAggregator computes DiversitySnapshots from the repository.
type DiversityStatsAggregator struct {
	repo   ContentRepository
	now    func() time.Time
	logger zerolog.Logger
}

// NewDiversityStatsAggregator creates an aggregator over repo.
func NewDiversityStatsAggregator(repo ContentRepository, logger zerolog.Logger) *DiversityStatsAggregator {
	return &DiversityStatsAggregator{
		repo:   repo,
		now:    time.Now,
		logger: logger.With().Str("component", "diversity").Logger(),
	}
}

// ComputeSnapshot counts auto-recommended items scored within the last
// window, leaving out excludeItemID. Query failures yield an empty snapshot.
func (a *DiversityStatsAggregator) ComputeSnapshot(ctx context.Context, window time.Duration, excludeItemID string) DiversitySnapshot {
	items, err := a.repo.FindCandidates(ctx, ItemFilter{
		Status:              StatusPublished,
		AutoRecommendedOnly: true,
		ScoredAfter:         a.now().Add(-window),
		ExcludeID:           excludeItemID,
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("diversity query failed, using empty snapshot")
		return NewDiversitySnapshot(nil)
	}
	snap := NewDiversitySnapshot(items)
	a.logger.Debug().
		Int("authors", len(snap.PerAuthorCount)).
		Int("total", snap.TotalRecommended).
		Msg("diversity snapshot")
	return snap
}
