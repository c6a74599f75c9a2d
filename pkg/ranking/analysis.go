package ranking

import (
	"context"
	"fmt"
	"math"
	"time"
)

// ItemAnalysis explains how an item scores right now and how that
// compares with what was last persisted.
type ItemAnalysis struct {
	Item      ContentItem    `json:"item"`
	Breakdown ScoreBreakdown `json:"breakdown"`

	Scored            bool    `json:"scored"`
	StoredScore       float64 `json:"stored_score"`
	StoredRecommended bool    `json:"stored_recommended"`
	// ScoreDrift is the recomputed score minus the stored one.
	ScoreDrift float64 `json:"score_drift"`

	MeetsMinInteraction bool `json:"meets_min_interaction"`

	AuthorRecommended int `json:"author_recommended"`
	PoolSize          int `json:"pool_size"`

	Settings   AlgorithmSettings `json:"settings"`
	AnalyzedAt time.Time         `json:"analyzed_at"`
}

// Analyzer produces ItemAnalysis reports. It never writes.
type Analyzer struct {
	repo       ContentRepository
	settings   *SettingsProvider
	aggregator *DiversityStatsAggregator
	now        func() time.Time
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(repo ContentRepository, settings *SettingsProvider, aggregator *DiversityStatsAggregator) *Analyzer {
	return &Analyzer{repo: repo, settings: settings, aggregator: aggregator, now: time.Now}
}

// AnalyzeItem rescores one item against a snapshot that leaves the item
// out, exactly as a batch run would.
func (a *Analyzer) AnalyzeItem(ctx context.Context, id string) (*ItemAnalysis, error) {
	item, err := a.repo.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}

	s, err := a.settings.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", id, err)
	}

	now := a.now()
	snap := a.aggregator.ComputeSnapshot(ctx, s.diversityWindow(), item.ID)
	b := ScoreDetailed(*item, s, now, snap)

	out := &ItemAnalysis{
		Item:                *item,
		Breakdown:           b,
		Scored:              item.ScoreUpdatedAt != nil,
		StoredScore:         item.RecommendScore,
		StoredRecommended:   item.AutoRecommended,
		ScoreDrift:          math.Round((b.Score-item.RecommendScore)*100) / 100,
		MeetsMinInteraction: b.MeetsMinInteraction(s),
		AuthorRecommended:   snap.PerAuthorCount[item.AuthorID],
		PoolSize:            snap.TotalRecommended,
		Settings:            s,
		AnalyzedAt:          now,
	}
	return out, nil
}
