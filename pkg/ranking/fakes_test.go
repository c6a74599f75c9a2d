package ranking

import (
	"context"
	"errors"
	"path"
	"sort"
	"sync"
	"time"
)

var errBoom = errors.New("boom")

// fakeRepo is an in-memory ContentRepository that applies ItemFilter the
// way the SQL store does.
type fakeRepo struct {
	mu        sync.Mutex
	items     map[string]*ContentItem
	findHook  func(ItemFilter) error
	updateErr map[string]error
	updates   []string
	feedCalls int
}

func newFakeRepo(items ...ContentItem) *fakeRepo {
	r := &fakeRepo{items: make(map[string]*ContentItem), updateErr: make(map[string]error)}
	for i := range items {
		item := items[i]
		r.items[item.ID] = &item
	}
	return r
}

func (r *fakeRepo) FindCandidates(_ context.Context, f ItemFilter) ([]ContentItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findHook != nil {
		if err := r.findHook(f); err != nil {
			return nil, err
		}
	}

	var out []ContentItem
	for _, it := range r.items {
		if f.Status != "" && it.Status != f.Status {
			continue
		}
		if !f.PublishedAfter.IsZero() && it.PublishedAt.Before(f.PublishedAfter) {
			continue
		}
		if f.NeedsScoring {
			needs := it.ScoreUpdatedAt == nil ||
				it.ScoreUpdatedAt.Before(f.StaleBefore) ||
				it.LastModifiedAt.After(*it.ScoreUpdatedAt)
			if !needs {
				continue
			}
		}
		if f.AutoRecommendedOnly && !it.AutoRecommended {
			continue
		}
		if !f.ScoredAfter.IsZero() && (it.ScoreUpdatedAt == nil || it.ScoreUpdatedAt.Before(f.ScoredAfter)) {
			continue
		}
		if f.ExcludeID != "" && it.ID == f.ExcludeID {
			continue
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.After(out[j].PublishedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *fakeRepo) UpdateScoreFields(_ context.Context, id string, score float64, recommended bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.updateErr[id]; err != nil {
		return err
	}
	it, ok := r.items[id]
	if !ok {
		return ErrItemNotFound
	}
	it.RecommendScore = score
	it.AutoRecommended = recommended
	ts := at
	it.ScoreUpdatedAt = &ts
	r.updates = append(r.updates, id)
	return nil
}

func (r *fakeRepo) CountByFlag(_ context.Context, flag Flag) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.items {
		switch flag {
		case FlagAll:
			n++
		case FlagPublished:
			if it.Status == StatusPublished {
				n++
			}
		case FlagAutoRecommended:
			if it.AutoRecommended {
				n++
			}
		case FlagManuallyRecommended:
			if it.ManuallyRecommended {
				n++
			}
		case FlagNeverScored:
			if it.ScoreUpdatedAt == nil {
				n++
			}
		}
	}
	return n, nil
}

func (r *fakeRepo) GetItem(_ context.Context, id string) (*ContentItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (r *fakeRepo) ListFeed(_ context.Context, offset, limit int) ([]ContentItem, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedCalls++
	var all []ContentItem
	for _, it := range r.items {
		if it.Status == StatusPublished && (it.ManuallyRecommended || it.AutoRecommended) {
			all = append(all, *it)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.ManuallyRecommended != b.ManuallyRecommended {
			return a.ManuallyRecommended
		}
		if a.RecommendScore != b.RecommendScore {
			return a.RecommendScore > b.RecommendScore
		}
		return a.PublishedAt.After(b.PublishedAt)
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	return all[offset:min(offset+limit, total)], total, nil
}

func (r *fakeRepo) ScoreSummary(context.Context) (ScoreSummary, error) {
	return ScoreSummary{}, nil
}

func (r *fakeRepo) item(id string) ContentItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.items[id]
}

func (r *fakeRepo) touch(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[id].LikeCount++
	r.items[id].LastModifiedAt = at
}

// memCache is a map-backed KeyValueCache; TTLs are ignored.
type memCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	getErr error
	setErr error
	gets   int
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.data[key], nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memCache) DeleteByPattern(_ context.Context, pattern string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.data {
		if ok, _ := path.Match(pattern, k); ok {
			delete(c.data, k)
			n++
		}
	}
	return n, nil
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

type fakeSettingsStore struct {
	mu     sync.Mutex
	values map[string]string
	err    error
	calls  int
}

func (s *fakeSettingsStore) GetAll(_ context.Context, prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]string)
	for k, v := range s.values {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
