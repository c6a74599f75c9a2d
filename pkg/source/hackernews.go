package source

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/elonfeng/feedrank/pkg/ranking"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const hnBaseURL = "https://hacker-news.firebaseio.com/v0"

// HackerNews imports top stories. Points become likes and the comment
// tree size becomes the comment count, so re-imports keep the counters
// fresh.
type HackerNews struct {
	client  *http.Client
	baseURL string
	limit   int
	filter  *Filter
	logger  zerolog.Logger
}

// NewHackerNews creates a new HN importer.
func NewHackerNews(limit int, filter *Filter, logger zerolog.Logger) *HackerNews {
	if limit <= 0 {
		limit = 100
	}
	return &HackerNews{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: hnBaseURL,
		limit:   limit,
		filter:  filter,
		logger:  logger.With().Str("component", "hackernews").Logger(),
	}
}

func (h *HackerNews) Name() string { return "hackernews" }

func (h *HackerNews) Collect(ctx context.Context) ([]ranking.ContentItem, error) {
	ids, err := h.fetchTopStories(ctx)
	if err != nil {
		return nil, err
	}

	if len(ids) > h.limit {
		ids = ids[:h.limit]
	}

	var (
		mu     sync.Mutex
		items  []ranking.ContentItem
		failed int
		wg     sync.WaitGroup
		sem    = make(chan struct{}, 10) // concurrency limit
	)

	for _, id := range ids {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			story, err := h.fetchItem(ctx, id)
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			if story == nil || !h.filter.Matches(story.Title+" "+story.URL) {
				return
			}

			item := story.toItem()
			mu.Lock()
			items = append(items, item)
			mu.Unlock()
		}(id)
	}

	wg.Wait()
	if failed > 0 {
		h.logger.Warn().Int("failed", failed).Int("kept", len(items)).Msg("some stories could not be fetched")
	}
	return items, nil
}

type hnStory struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Text        string `json:"text"`
	Score       int    `json:"score"`
	By          string `json:"by"`
	Time        int64  `json:"time"`
	Descendants int    `json:"descendants"`
	Type        string `json:"type"`
	Dead        bool   `json:"dead"`
	Deleted     bool   `json:"deleted"`
}

func (s *hnStory) toItem() ranking.ContentItem {
	url := s.URL
	if url == "" {
		url = "https://news.ycombinator.com/item?id=" + strconv.Itoa(s.ID)
	}
	status := ranking.StatusPublished
	if s.Dead || s.Deleted {
		status = ranking.StatusDeleted
	}
	textLen, hasImages := inspectHTML(s.Text)
	if s.Text == "" {
		textLen = utf8.RuneCountInString(s.Title)
	}
	return ranking.ContentItem{
		ID:            "hn:" + strconv.Itoa(s.ID),
		AuthorID:      "hn/" + s.By,
		Title:         s.Title,
		URL:           url,
		Status:        status,
		PublishedAt:   time.Unix(s.Time, 0).UTC(),
		LikeCount:     max(s.Score, 0),
		CommentCount:  max(s.Descendants, 0),
		HasImages:     hasImages,
		ContentLength: textLen,
	}
}

func (h *HackerNews) fetchTopStories(ctx context.Context) ([]int, error) {
	var ids []int
	if err := h.getJSON(ctx, h.baseURL+"/topstories.json", &ids); err != nil {
		return nil, fmt.Errorf("fetch hn top stories: %w", err)
	}
	return ids, nil
}

func (h *HackerNews) fetchItem(ctx context.Context, id int) (*hnStory, error) {
	var story hnStory
	if err := h.getJSON(ctx, fmt.Sprintf("%s/item/%d.json", h.baseURL, id), &story); err != nil {
		return nil, fmt.Errorf("fetch hn item %d: %w", id, err)
	}

	if story.Type != "story" || story.By == "" {
		return nil, nil
	}
	return &story, nil
}

func (h *HackerNews) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "feedrank/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
