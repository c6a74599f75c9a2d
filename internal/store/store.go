package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/elonfeng/feedrank/pkg/ranking"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store is the persistence interface.
type Store interface {
	ranking.ContentRepository
	ranking.SettingsStore

	UpsertItem(ctx context.Context, item *ranking.ContentItem) error
	UpsertItems(ctx context.Context, items []ranking.ContentItem) error
	SetManualRecommendation(ctx context.Context, id string, on bool) error
	PutSettings(ctx context.Context, values map[string]string) error

	Close() error
}

var itemColumns = []string{
	"id", "author_id", "title", "url", "status", "published_at",
	"like_count", "comment_count", "favorite_count", "view_count",
	"has_images", "content_length", "topic_count",
	"recommend_score", "auto_recommended", "score_updated_at",
	"manually_recommended", "last_modified_at",
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// New opens a SQLite database and runs migrations. All timestamps are
// stored in UTC with a fixed text layout so that column comparisons in SQL
// order the same way as the times they encode.
func New(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Keep one connection so ":memory:" databases survive across queries.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := migrateUp(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertItem inserts an item or refreshes its collaborator-owned fields.
// last_modified_at only moves when status or an interaction counter
// changes, which is what marks a scored item dirty. Engine-owned score
// fields are never written here.
func (s *SQLiteStore) UpsertItem(ctx context.Context, item *ranking.ContentItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	modified := item.LastModifiedAt
	if modified.IsZero() {
		modified = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_items (id, author_id, title, url, status, published_at,
			like_count, comment_count, favorite_count, view_count,
			has_images, content_length, topic_count, manually_recommended, last_modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_modified_at = CASE
				WHEN content_items.status != excluded.status
					OR content_items.like_count != excluded.like_count
					OR content_items.comment_count != excluded.comment_count
					OR content_items.favorite_count != excluded.favorite_count
					OR content_items.view_count != excluded.view_count
				THEN excluded.last_modified_at
				ELSE content_items.last_modified_at
			END,
			title = excluded.title,
			url = excluded.url,
			status = excluded.status,
			like_count = excluded.like_count,
			comment_count = excluded.comment_count,
			favorite_count = excluded.favorite_count,
			view_count = excluded.view_count,
			has_images = excluded.has_images,
			content_length = excluded.content_length,
			topic_count = excluded.topic_count
	`, item.ID, item.AuthorID, item.Title, item.URL, string(item.Status), item.PublishedAt.UTC(),
		item.LikeCount, item.CommentCount, item.FavoriteCount, item.ViewCount,
		item.HasImages, item.ContentLength, item.TopicCount, item.ManuallyRecommended, modified.UTC())
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", item.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpsertItems(ctx context.Context, items []ranking.ContentItem) error {
	for i := range items {
		if err := s.UpsertItem(ctx, &items[i]); err != nil {
			return err
		}
	}
	return nil
}

// SetManualRecommendation toggles the editorial flag. It is a curation
// action and does not mark the item dirty.
func (s *SQLiteStore) SetManualRecommendation(ctx context.Context, id string, on bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE content_items SET manually_recommended = ? WHERE id = ?", on, id)
	if err != nil {
		return fmt.Errorf("set manual recommendation %s: %w", id, err)
	}
	return expectOneRow(res, id)
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*ranking.ContentItem, error) {
	query, args, err := sq.Select(itemColumns...).From("content_items").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build item query: %w", err)
	}

	var item ranking.ContentItem
	if err := s.db.GetContext(ctx, &item, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get item %s: %w", id, ranking.ErrItemNotFound)
		}
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return &item, nil
}

func (s *SQLiteStore) FindCandidates(ctx context.Context, f ranking.ItemFilter) ([]ranking.ContentItem, error) {
	q := sq.Select(itemColumns...).From("content_items")

	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if !f.PublishedAfter.IsZero() {
		q = q.Where(sq.GtOrEq{"published_at": f.PublishedAfter.UTC()})
	}
	if f.NeedsScoring {
		q = q.Where(sq.Or{
			sq.Eq{"score_updated_at": nil},
			sq.Lt{"score_updated_at": f.StaleBefore.UTC()},
			sq.Expr("last_modified_at > score_updated_at"),
		})
	}
	if f.AutoRecommendedOnly {
		q = q.Where(sq.Eq{"auto_recommended": true})
	}
	if !f.ScoredAfter.IsZero() {
		q = q.Where(sq.GtOrEq{"score_updated_at": f.ScoredAfter.UTC()})
	}
	if f.ExcludeID != "" {
		q = q.Where(sq.NotEq{"id": f.ExcludeID})
	}

	q = q.OrderBy("published_at DESC", "id DESC")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build candidate query: %w", err)
	}

	var items []ranking.ContentItem
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	return items, nil
}

// UpdateScoreFields writes only engine-owned columns.
func (s *SQLiteStore) UpdateScoreFields(ctx context.Context, id string, score float64, recommended bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_items
		SET recommend_score = ?, auto_recommended = ?, score_updated_at = ?
		WHERE id = ?
	`, score, recommended, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update score %s: %w", id, err)
	}
	return expectOneRow(res, id)
}

func (s *SQLiteStore) CountByFlag(ctx context.Context, flag ranking.Flag) (int, error) {
	q := sq.Select("COUNT(*)").From("content_items")
	switch flag {
	case ranking.FlagAll:
	case ranking.FlagPublished:
		q = q.Where(sq.Eq{"status": string(ranking.StatusPublished)})
	case ranking.FlagAutoRecommended:
		q = q.Where(sq.Eq{"status": string(ranking.StatusPublished), "auto_recommended": true})
	case ranking.FlagManuallyRecommended:
		q = q.Where(sq.Eq{"status": string(ranking.StatusPublished), "manually_recommended": true})
	case ranking.FlagNeverScored:
		q = q.Where(sq.Eq{"status": string(ranking.StatusPublished), "score_updated_at": nil})
	default:
		return 0, fmt.Errorf("unknown count flag %q", flag)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}
	var n int
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count %s: %w", flag, err)
	}
	return n, nil
}

// feedWhere selects published items recommended either way.
var feedWhere = sq.And{
	sq.Eq{"status": string(ranking.StatusPublished)},
	sq.Or{sq.Eq{"auto_recommended": true}, sq.Eq{"manually_recommended": true}},
}

// ListFeed orders manual picks first, then by score, then newest.
func (s *SQLiteStore) ListFeed(ctx context.Context, offset, limit int) ([]ranking.ContentItem, int, error) {
	countQuery, countArgs, err := sq.Select("COUNT(*)").From("content_items").Where(feedWhere).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build feed count: %w", err)
	}
	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("count feed: %w", err)
	}

	if offset < 0 {
		offset = 0
	}
	q := sq.Select(itemColumns...).From("content_items").Where(feedWhere).
		OrderBy("manually_recommended DESC", "recommend_score DESC", "published_at DESC", "id DESC").
		Offset(uint64(offset))
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build feed query: %w", err)
	}

	items := []ranking.ContentItem{}
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list feed: %w", err)
	}
	return items, total, nil
}

// ScoreSummary averages scores over published, scored items. The latest
// score time is read as a plain column so the driver decodes it as a time.
func (s *SQLiteStore) ScoreSummary(ctx context.Context) (ranking.ScoreSummary, error) {
	var out ranking.ScoreSummary

	err := s.db.GetContext(ctx, &out.AverageScore, `
		SELECT COALESCE(AVG(recommend_score), 0) FROM content_items
		WHERE status = ? AND score_updated_at IS NOT NULL
	`, string(ranking.StatusPublished))
	if err != nil {
		return out, fmt.Errorf("average score: %w", err)
	}

	var last time.Time
	err = s.db.GetContext(ctx, &last, `
		SELECT score_updated_at FROM content_items
		WHERE score_updated_at IS NOT NULL
		ORDER BY score_updated_at DESC LIMIT 1
	`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return out, fmt.Errorf("last score time: %w", err)
	default:
		out.LastScoredAt = &last
	}
	return out, nil
}

// GetAll returns every setting whose key starts with prefix.
func (s *SQLiteStore) GetAll(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT key, value FROM settings WHERE substr(key, 1, ?) = ?", len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// PutSettings upserts all values in one transaction.
func (s *SQLiteStore) PutSettings(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	for key, value := range values {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value, now)
		if err != nil {
			return fmt.Errorf("write setting %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settings: %w", err)
	}
	return nil
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("item %s: %w", id, ranking.ErrItemNotFound)
	}
	return nil
}
