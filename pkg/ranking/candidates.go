package ranking

import (
	"context"
	"fmt"
	"time"
)

// DefaultCandidateLimit bounds how many items one run rescores.
const DefaultCandidateLimit = 1000

// CandidateSelector picks the items a run should (re)score.
type CandidateSelector struct {
	repo  ContentRepository
	limit int
	now   func() time.Time
}

// NewCandidateSelector creates a selector returning at most limit items.
func NewCandidateSelector(repo ContentRepository, limit int) *CandidateSelector {
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}
	return &CandidateSelector{repo: repo, limit: limit, now: time.Now}
}

// Filter builds the repository filter for one selection.
func (c *CandidateSelector) Filter(s AlgorithmSettings, forceAll bool) ItemFilter {
	now := c.now()
	f := ItemFilter{
		Status:         StatusPublished,
		PublishedAfter: now.Add(-s.maxAge()),
		Limit:          c.limit,
	}
	if !forceAll {
		f.NeedsScoring = true
		f.StaleBefore = now.Add(-s.updateInterval())
	}
	return f
}

// SelectCandidates returns distinct published items within the max age,
// newest first. Unless forceAll is set only never-scored, stale or
// modified items are returned.
func (c *CandidateSelector) SelectCandidates(ctx context.Context, s AlgorithmSettings, forceAll bool) ([]ContentItem, error) {
	items, err := c.repo.FindCandidates(ctx, c.Filter(s, forceAll))
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}

	seen := make(map[string]struct{}, len(items))
	out := make([]ContentItem, 0, len(items))
	for _, item := range items {
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		out = append(out, item)
		if len(out) == c.limit {
			break
		}
	}
	return out, nil
}
