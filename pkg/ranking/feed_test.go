package ranking

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func feedItems() []ContentItem {
	return []ContentItem{
		{ID: "manual", AuthorID: "a", Status: StatusPublished, PublishedAt: testNow.Add(-5 * time.Hour), ManuallyRecommended: true},
		{ID: "top", AuthorID: "b", Status: StatusPublished, PublishedAt: testNow.Add(-4 * time.Hour), AutoRecommended: true, RecommendScore: 99},
		{ID: "mid", AuthorID: "c", Status: StatusPublished, PublishedAt: testNow.Add(-3 * time.Hour), AutoRecommended: true, RecommendScore: 50},
		{ID: "plain", AuthorID: "d", Status: StatusPublished, PublishedAt: testNow, RecommendScore: 10},
		{ID: "gone", AuthorID: "e", Status: StatusDeleted, PublishedAt: testNow, AutoRecommended: true, RecommendScore: 80},
	}
}

func TestNormalizePage(t *testing.T) {
	tests := []struct{ page, size, wantPage, wantSize int }{
		{0, 0, 1, DefaultPageSize},
		{-3, 10, 1, 10},
		{2, 1000, 2, MaxPageSize},
		{4, 25, 4, 25},
	}
	for _, tt := range tests {
		p, s := NormalizePage(tt.page, tt.size)
		if p != tt.wantPage || s != tt.wantSize {
			t.Errorf("NormalizePage(%d, %d) = %d, %d", tt.page, tt.size, p, s)
		}
	}
}

func TestGetFeedPagination(t *testing.T) {
	repo := newFakeRepo(feedItems()...)
	svc := NewFeedService(repo, newMemCache(), time.Minute, zerolog.Nop())

	page, err := svc.GetFeed(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("GetFeed: %v", err)
	}
	if ids := itemIDs(page.Items); fmt.Sprint(ids) != "[manual top]" {
		t.Errorf("page 1 = %v, want manual pick first", ids)
	}
	want := Pagination{Page: 1, PageSize: 2, Total: 3, TotalPages: 2, HasMore: true}
	if page.Pagination != want {
		t.Errorf("pagination = %+v, want %+v", page.Pagination, want)
	}

	page, err = svc.GetFeed(context.Background(), 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if ids := itemIDs(page.Items); fmt.Sprint(ids) != "[mid]" || page.Pagination.HasMore {
		t.Errorf("page 2 = %v (%+v)", ids, page.Pagination)
	}

	page, _ = svc.GetFeed(context.Background(), 9, 2)
	if page.Items == nil || len(page.Items) != 0 {
		t.Errorf("expected empty non-nil page past the end, got %v", page.Items)
	}
}

func TestGetFeedHugePageIsEmpty(t *testing.T) {
	repo := newFakeRepo(feedItems()...)
	svc := NewFeedService(repo, newMemCache(), time.Minute, zerolog.Nop())

	page, err := svc.GetFeed(context.Background(), math.MaxInt, 2)
	if err != nil {
		t.Fatalf("GetFeed: %v", err)
	}
	if len(page.Items) != 0 {
		t.Errorf("page %d served items %v", page.Pagination.Page, itemIDs(page.Items))
	}
	if page.Pagination.Page != math.MaxInt || page.Pagination.Total != 3 || page.Pagination.HasMore {
		t.Errorf("pagination = %+v", page.Pagination)
	}
}

func TestGetFeedServesFromCache(t *testing.T) {
	repo := newFakeRepo(feedItems()...)
	cache := newMemCache()
	svc := NewFeedService(repo, cache, time.Minute, zerolog.Nop())
	ctx := context.Background()

	first, err := svc.GetFeed(ctx, 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.GetFeed(ctx, 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	if repo.feedCalls != 1 {
		t.Errorf("expected one repository query, got %d", repo.feedCalls)
	}
	if fmt.Sprint(itemIDs(first.Items)) != fmt.Sprint(itemIDs(second.Items)) {
		t.Errorf("cached page differs: %v vs %v", itemIDs(first.Items), itemIDs(second.Items))
	}

	if _, err := cache.DeleteByPattern(ctx, FeedCachePattern); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetFeed(ctx, 1, 20); err != nil {
		t.Fatal(err)
	}
	if repo.feedCalls != 2 {
		t.Errorf("expected a fresh query after invalidation, got %d", repo.feedCalls)
	}
}

func TestGetFeedIgnoresCacheFailures(t *testing.T) {
	repo := newFakeRepo(feedItems()...)
	cache := newMemCache()
	cache.getErr = errBoom
	cache.setErr = errBoom
	svc := NewFeedService(repo, cache, 0, zerolog.Nop())

	page, err := svc.GetFeed(context.Background(), 1, 20)
	if err != nil {
		t.Fatalf("cache failures must not fail the feed: %v", err)
	}
	if page.Pagination.Total != 3 {
		t.Errorf("expected 3 items, got %+v", page.Pagination)
	}
}
