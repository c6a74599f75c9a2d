package ranking

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestCandidateFilter(t *testing.T) {
	sel := NewCandidateSelector(newFakeRepo(), 0)
	sel.now = fixedClock(testNow)
	s := DefaultSettings()
	s.MaxAgeDays = 7
	s.UpdateIntervalHours = 2

	f := sel.Filter(s, false)
	if f.Status != StatusPublished || f.Limit != DefaultCandidateLimit {
		t.Errorf("unexpected base filter: %+v", f)
	}
	if !f.PublishedAfter.Equal(testNow.Add(-7 * 24 * time.Hour)) {
		t.Errorf("PublishedAfter = %v", f.PublishedAfter)
	}
	if !f.NeedsScoring || !f.StaleBefore.Equal(testNow.Add(-2*time.Hour)) {
		t.Errorf("incremental filter must select stale items: %+v", f)
	}

	f = sel.Filter(s, true)
	if f.NeedsScoring || !f.StaleBefore.IsZero() {
		t.Errorf("forced filter must not apply freshness: %+v", f)
	}
}

func TestSelectCandidatesAppliesFreshnessRules(t *testing.T) {
	fresh := testNow.Add(-10 * time.Minute)
	stale := testNow.Add(-3 * time.Hour)
	repo := newFakeRepo(
		ContentItem{ID: "never", AuthorID: "a", Status: StatusPublished, PublishedAt: testNow.Add(-time.Hour)},
		ContentItem{ID: "stale", AuthorID: "a", Status: StatusPublished, PublishedAt: testNow.Add(-2 * time.Hour), ScoreUpdatedAt: &stale, LastModifiedAt: stale},
		ContentItem{ID: "dirty", AuthorID: "a", Status: StatusPublished, PublishedAt: testNow.Add(-3 * time.Hour), ScoreUpdatedAt: &fresh, LastModifiedAt: testNow.Add(-time.Minute)},
		ContentItem{ID: "fresh", AuthorID: "a", Status: StatusPublished, PublishedAt: testNow.Add(-4 * time.Hour), ScoreUpdatedAt: &fresh, LastModifiedAt: fresh},
		ContentItem{ID: "old", AuthorID: "a", Status: StatusPublished, PublishedAt: testNow.Add(-60 * 24 * time.Hour)},
		ContentItem{ID: "draft", AuthorID: "a", Status: StatusDraft, PublishedAt: testNow.Add(-time.Hour)},
	)
	sel := NewCandidateSelector(repo, 10)
	sel.now = fixedClock(testNow)

	got, err := sel.SelectCandidates(context.Background(), DefaultSettings(), false)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if ids := itemIDs(got); fmt.Sprint(ids) != "[never stale dirty]" {
		t.Errorf("incremental candidates = %v, want newest-first [never stale dirty]", ids)
	}

	got, _ = sel.SelectCandidates(context.Background(), DefaultSettings(), true)
	if ids := itemIDs(got); fmt.Sprint(ids) != "[never stale dirty fresh]" {
		t.Errorf("forced candidates = %v", ids)
	}
}

type dupRepo struct {
	*fakeRepo
	items []ContentItem
}

func (d dupRepo) FindCandidates(context.Context, ItemFilter) ([]ContentItem, error) {
	return d.items, nil
}

func TestSelectCandidatesDedupesAndCaps(t *testing.T) {
	var items []ContentItem
	for i := 0; i < 5; i++ {
		items = append(items, ContentItem{ID: fmt.Sprint(i)}, ContentItem{ID: fmt.Sprint(i)})
	}
	sel := NewCandidateSelector(dupRepo{fakeRepo: newFakeRepo(), items: items}, 3)

	got, err := sel.SelectCandidates(context.Background(), DefaultSettings(), true)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if ids := itemIDs(got); fmt.Sprint(ids) != "[0 1 2]" {
		t.Errorf("expected distinct capped ids [0 1 2], got %v", ids)
	}
}

func TestSelectCandidatesPropagatesErrors(t *testing.T) {
	repo := newFakeRepo()
	repo.findHook = func(ItemFilter) error { return errBoom }
	if _, err := NewCandidateSelector(repo, 0).SelectCandidates(context.Background(), DefaultSettings(), false); err == nil {
		t.Fatal("expected error")
	}
}

func itemIDs(items []ContentItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}
