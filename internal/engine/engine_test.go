package engine

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/elonfeng/feedrank/internal/kv"
	"github.com/elonfeng/feedrank/internal/scheduler"
	"github.com/elonfeng/feedrank/internal/store"
	"github.com/elonfeng/feedrank/pkg/ranking"
	"github.com/rs/zerolog"
)

type harness struct {
	engine *Engine
	store  *store.SQLiteStore
	cache  *kv.BadgerCache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "feedrank.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cache, err := kv.OpenBadger("", true, "test:")
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	opts := Options{
		Batch:     ranking.BatchOptions{WriteBatchSize: 2, WritePause: -1},
		Scheduler: scheduler.Options{CheckInterval: time.Hour},
	}
	e := New(st, cache, nil, opts, zerolog.Nop())
	t.Cleanup(e.Scheduler().Shutdown)
	return &harness{engine: e, store: st, cache: cache}
}

func (h *harness) seed(t *testing.T) {
	t.Helper()
	now := time.Now().UTC()
	items := []ranking.ContentItem{
		{ID: "alice-1", AuthorID: "alice", Status: ranking.StatusPublished, PublishedAt: now.Add(-2 * time.Hour),
			LikeCount: 10, CommentCount: 5, FavoriteCount: 2},
		{ID: "bob-1", AuthorID: "bob", Status: ranking.StatusPublished, PublishedAt: now.Add(-30 * time.Minute)},
		{ID: "carol-1", AuthorID: "carol", Status: ranking.StatusPublished, PublishedAt: now.Add(-5 * 24 * time.Hour),
			LikeCount: 1},
		{ID: "dave-draft", AuthorID: "dave", Status: ranking.StatusDraft, PublishedAt: now.Add(-time.Hour),
			LikeCount: 50},
	}
	if err := h.store.UpsertItems(context.Background(), items); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func feedIDs(p *ranking.FeedPage) []string {
	out := make([]string, len(p.Items))
	for i, it := range p.Items {
		out[i] = it.ID
	}
	return out
}

func TestRecalculateFeedAndStatistics(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	ctx := context.Background()

	if err := h.store.SetManualRecommendation(ctx, "bob-1", true); err != nil {
		t.Fatal(err)
	}

	res, err := h.engine.TriggerRecalculation(ctx, false)
	if err != nil {
		t.Fatalf("TriggerRecalculation: %v", err)
	}
	if res.Candidates != 3 || res.Processed != 3 || res.Recommended != 1 {
		t.Errorf("first run = %+v", res)
	}

	page, err := h.engine.GetFeed(ctx, 1, 10)
	if err != nil {
		t.Fatalf("GetFeed: %v", err)
	}
	got := feedIDs(page)
	if len(got) != 2 || got[0] != "bob-1" || got[1] != "alice-1" {
		t.Errorf("feed = %v, want [bob-1 alice-1]", got)
	}
	if page.Pagination.Total != 2 || page.Pagination.HasMore {
		t.Errorf("pagination = %+v", page.Pagination)
	}

	// Nothing changed, so nothing is rescored.
	res, err = h.engine.TriggerRecalculation(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Candidates != 0 || res.Processed != 0 {
		t.Errorf("idempotent run = %+v", res)
	}

	stats, err := h.engine.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.TotalItems != 3 || stats.TotalRecommended != 1 || stats.ManuallyRecommended != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.NeverScored != 0 || stats.LastUpdateTime == nil || stats.AvgScore <= 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.MaxAdminRecommended != 5 || stats.ManualOverLimit {
		t.Errorf("manual cap = %d over=%v", stats.MaxAdminRecommended, stats.ManualOverLimit)
	}
}

func TestEditorPickRefreshesCachedFeed(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	ctx := context.Background()

	if _, err := h.engine.TriggerRecalculation(ctx, false); err != nil {
		t.Fatal(err)
	}
	before, err := h.engine.GetFeed(ctx, 1, 10)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.engine.SetEditorPick(ctx, "carol-1", true); err != nil {
		t.Fatalf("SetEditorPick: %v", err)
	}
	after, err := h.engine.GetFeed(ctx, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if after.Pagination.Total != before.Pagination.Total+1 || !slices.Contains(feedIDs(after), "carol-1") {
		t.Errorf("feed after pick = %v", feedIDs(after))
	}

	if err := h.engine.SetEditorPick(ctx, "ghost", true); !errors.Is(err, ranking.ErrItemNotFound) {
		t.Errorf("pick missing item: %v", err)
	}
}

func TestForcedRunAfterSettingsChange(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	ctx := context.Background()

	if _, err := h.engine.TriggerRecalculation(ctx, false); err != nil {
		t.Fatal(err)
	}

	s, err := h.engine.UpdateSettings(ctx, map[string]string{"scoreThreshold": "1", "recommendation.viewWeight": "0.5"})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if s.ScoreThreshold != 1 || s.ViewWeight != 0.5 {
		t.Errorf("settings after update = %+v", s)
	}

	res, err := h.engine.TriggerRecalculation(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Candidates != 3 || res.Recommended != 3 {
		t.Errorf("forced run = %+v", res)
	}
}

func TestUpdateSettingsRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []map[string]string{
		{},
		{"noSuchKey": "1"},
		{"likeWeight": "lots"},
		{"likeWeight": "NaN"},
	}
	for _, values := range cases {
		if _, err := h.engine.UpdateSettings(ctx, values); !errors.Is(err, ErrInvalidSetting) {
			t.Errorf("UpdateSettings(%v) = %v, want ErrInvalidSetting", values, err)
		}
	}

	// A rejected batch writes nothing.
	_, err := h.engine.UpdateSettings(ctx, map[string]string{"likeWeight": "9", "bogus": "1"})
	if !errors.Is(err, ErrInvalidSetting) {
		t.Fatalf("expected ErrInvalidSetting, got %v", err)
	}
	s, err := h.engine.GetSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.LikeWeight != 2 {
		t.Errorf("likeWeight = %v, want default 2", s.LikeWeight)
	}
}

func TestAnalyzeItem(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	ctx := context.Background()

	a, err := h.engine.AnalyzeItem(ctx, "alice-1")
	if err != nil {
		t.Fatalf("AnalyzeItem: %v", err)
	}
	if a.Scored || a.Breakdown.BaseScore != 43 || !a.Breakdown.Recommended {
		t.Errorf("analysis = %+v", a.Breakdown)
	}

	if _, err := h.engine.AnalyzeItem(ctx, "ghost"); !errors.Is(err, ranking.ErrItemNotFound) {
		t.Errorf("expected ErrItemNotFound, got %v", err)
	}
}

func TestAutoUpdateLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.StartAutoUpdate(ctx, "weekly", "1h"); !errors.Is(err, scheduler.ErrInvalidStrategy) {
		t.Errorf("expected ErrInvalidStrategy, got %v", err)
	}

	view, err := h.engine.StartAutoUpdate(ctx, "smart", "hourly")
	if err != nil {
		t.Fatalf("StartAutoUpdate: %v", err)
	}
	if !view.Active || view.TaskID == "" {
		t.Errorf("view = %+v", view)
	}

	raw, err := h.cache.Get(ctx, scheduler.ConfigKey)
	if err != nil || raw == nil {
		t.Fatalf("config not persisted: %v", err)
	}

	status, err := h.engine.GetAutoUpdateStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Strategy != scheduler.StrategySmart || status.Frequency != "hourly" {
		t.Errorf("status = %+v", status)
	}

	if err := h.engine.StopAutoUpdate(ctx); err != nil {
		t.Fatalf("StopAutoUpdate: %v", err)
	}
	if err := h.engine.StopAutoUpdate(ctx); !errors.Is(err, scheduler.ErrNotRunning) {
		t.Errorf("second stop = %v", err)
	}
}
