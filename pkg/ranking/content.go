// Package ranking scores content items, decides which of them are
// algorithmically recommended and serves the resulting feed.
//
// The package talks to the outside world only through the ContentRepository,
// KeyValueCache and SettingsStore interfaces declared here.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the publication state of a content item.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusDeleted   Status = "deleted"
)

// Flag selects a population of items for counting.
type Flag string

const (
	FlagAll                 Flag = "all"
	FlagPublished           Flag = "published"
	FlagAutoRecommended     Flag = "auto_recommended"
	FlagManuallyRecommended Flag = "manually_recommended"
	FlagNeverScored         Flag = "never_scored"
)

var (
	// ErrItemNotFound is returned when a content item does not exist.
	ErrItemNotFound = errors.New("content item not found")
	// ErrMalformedItem marks an item that cannot be scored.
	ErrMalformedItem = errors.New("malformed content item")
)

// ContentItem is the subset of a content record the engine reads and writes.
// RecommendScore, AutoRecommended and ScoreUpdatedAt are owned by the engine;
// every other field belongs to the repository and its collaborators.
type ContentItem struct {
	ID          string    `json:"id" db:"id"`
	AuthorID    string    `json:"author_id" db:"author_id"`
	Title       string    `json:"title" db:"title"`
	URL         string    `json:"url" db:"url"`
	Status      Status    `json:"status" db:"status"`
	PublishedAt time.Time `json:"published_at" db:"published_at"`

	LikeCount     int `json:"like_count" db:"like_count"`
	CommentCount  int `json:"comment_count" db:"comment_count"`
	FavoriteCount int `json:"favorite_count" db:"favorite_count"`
	ViewCount     int `json:"view_count" db:"view_count"`

	HasImages     bool `json:"has_images" db:"has_images"`
	ContentLength int  `json:"content_length" db:"content_length"`
	TopicCount    int  `json:"topic_count" db:"topic_count"`

	RecommendScore      float64    `json:"recommend_score" db:"recommend_score"`
	AutoRecommended     bool       `json:"auto_recommended" db:"auto_recommended"`
	ScoreUpdatedAt      *time.Time `json:"score_updated_at,omitempty" db:"score_updated_at"`
	ManuallyRecommended bool       `json:"manually_recommended" db:"manually_recommended"`
	LastModifiedAt      time.Time  `json:"last_modified_at" db:"last_modified_at"`
}

// Validate reports whether the item carries the fields scoring depends on.
func (c *ContentItem) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: empty id", ErrMalformedItem)
	case c.AuthorID == "":
		return fmt.Errorf("%w: item %s has no author", ErrMalformedItem, c.ID)
	case c.PublishedAt.IsZero():
		return fmt.Errorf("%w: item %s has no publish time", ErrMalformedItem, c.ID)
	}
	return nil
}

// ItemFilter narrows FindCandidates. Zero values disable a condition.
type ItemFilter struct {
	Status         Status
	PublishedAfter time.Time

	// NeedsScoring keeps only items that were never scored, were scored
	// before StaleBefore, or were modified after their last scoring.
	NeedsScoring bool
	StaleBefore  time.Time

	AutoRecommendedOnly bool
	ScoredAfter         time.Time
	ExcludeID           string

	// Limit caps the result; zero means no cap.
	Limit int
}

// ScoreSummary aggregates engine-owned fields across the repository.
type ScoreSummary struct {
	AverageScore float64    `json:"average_score"`
	LastScoredAt *time.Time `json:"last_scored_at,omitempty"`
}

// ContentRepository is the storage the engine reads candidates from and
// writes score fields to.
type ContentRepository interface {
	// FindCandidates returns items matching f, newest published first.
	FindCandidates(ctx context.Context, f ItemFilter) ([]ContentItem, error)
	// UpdateScoreFields persists the engine-owned fields of one item.
	UpdateScoreFields(ctx context.Context, id string, score float64, recommended bool, at time.Time) error
	CountByFlag(ctx context.Context, flag Flag) (int, error)

	GetItem(ctx context.Context, id string) (*ContentItem, error)
	// ListFeed returns one page of recommended items in feed order and
	// the total number of recommended items.
	ListFeed(ctx context.Context, offset, limit int) ([]ContentItem, int, error)
	ScoreSummary(ctx context.Context) (ScoreSummary, error)
}

// KeyValueCache is a byte-oriented cache with TTLs. Get returns nil, nil on
// a miss. Patterns use '*' as a wildcard.
type KeyValueCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPattern(ctx context.Context, pattern string) (int, error)
}

// SettingsStore reads persisted key/value settings.
type SettingsStore interface {
	GetAll(ctx context.Context, prefix string) (map[string]string, error)
}
