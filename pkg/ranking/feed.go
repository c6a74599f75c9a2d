package ranking

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/elonfeng/feedrank/internal/metrics"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// FeedCachePattern matches every cached feed page.
const FeedCachePattern = "feed:*"

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	DefaultFeedTTL  = 2 * time.Minute
)

// Pagination describes one page of the feed.
type Pagination struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasMore    bool `json:"has_more"`
}

// FeedPage is a page of recommended items.
type FeedPage struct {
	Items      []ContentItem `json:"items"`
	Pagination Pagination    `json:"pagination"`
}

// FeedService serves the recommendation feed from persisted scores.
type FeedService struct {
	repo   ContentRepository
	cache  KeyValueCache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewFeedService creates a feed service caching pages for ttl.
func NewFeedService(repo ContentRepository, cache KeyValueCache, ttl time.Duration, logger zerolog.Logger) *FeedService {
	if ttl <= 0 {
		ttl = DefaultFeedTTL
	}
	return &FeedService{
		repo:   repo,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "feed").Logger(),
	}
}

// NormalizePage clamps page and pageSize to valid values.
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// maxFeedOffset bounds the row offset so huge page numbers land past the
// end of the feed instead of overflowing.
const maxFeedOffset = math.MaxInt32

func feedOffset(page, pageSize int) int {
	if page-1 > maxFeedOffset/pageSize {
		return maxFeedOffset
	}
	return (page - 1) * pageSize
}

// GetFeed returns published items that are manually or automatically
// recommended: manual picks first, then by score, then newest.
func (f *FeedService) GetFeed(ctx context.Context, page, pageSize int) (*FeedPage, error) {
	page, pageSize = NormalizePage(page, pageSize)
	key := fmt.Sprintf("feed:page:%d:%d", page, pageSize)

	if data, err := f.cache.Get(ctx, key); err != nil {
		f.logger.Warn().Err(err).Str("key", key).Msg("read feed cache")
	} else if data != nil {
		var cached FeedPage
		if err := json.Unmarshal(data, &cached); err == nil {
			metrics.FeedRequests.WithLabelValues("hit").Inc()
			return &cached, nil
		}
	}
	metrics.FeedRequests.WithLabelValues("miss").Inc()

	items, total, err := f.repo.ListFeed(ctx, feedOffset(page, pageSize), pageSize)
	if err != nil {
		return nil, fmt.Errorf("list feed: %w", err)
	}
	if items == nil {
		items = []ContentItem{}
	}

	totalPages := (total + pageSize - 1) / pageSize
	fp := &FeedPage{
		Items: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasMore:    page < totalPages,
		},
	}

	if data, err := json.Marshal(fp); err == nil {
		if err := f.cache.Set(ctx, key, data, f.ttl); err != nil {
			f.logger.Warn().Err(err).Str("key", key).Msg("write feed cache")
		}
	}
	return fp, nil
}

// Invalidate drops every cached feed page.
func (f *FeedService) Invalidate(ctx context.Context) error {
	if _, err := f.cache.DeleteByPattern(ctx, FeedCachePattern); err != nil {
		return fmt.Errorf("invalidate feed cache: %w", err)
	}
	return nil
}
