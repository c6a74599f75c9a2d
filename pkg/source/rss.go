package source

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/elonfeng/feedrank/pkg/ranking"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
)

// RSSFeed is a named RSS/Atom feed URL.
type RSSFeed struct {
	Name string
	URL  string
}

// RSS imports entries from RSS/Atom feeds as published content items.
type RSS struct {
	client *http.Client
	parser *gofeed.Parser
	feeds  []RSSFeed
	filter *Filter
	maxAge time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewRSS creates a new RSS importer. Entries older than maxAge are dropped;
// zero keeps everything.
func NewRSS(feeds []RSSFeed, filter *Filter, maxAge time.Duration, logger zerolog.Logger) *RSS {
	return &RSS{
		client: &http.Client{Timeout: 30 * time.Second},
		parser: gofeed.NewParser(),
		feeds:  feeds,
		filter: filter,
		maxAge: maxAge,
		now:    time.Now,
		logger: logger.With().Str("component", "rss").Logger(),
	}
}

func (r *RSS) Name() string { return "rss" }

// Collect fetches every feed. A failing feed is logged and skipped.
func (r *RSS) Collect(ctx context.Context) ([]ranking.ContentItem, error) {
	var allItems []ranking.ContentItem

	for _, feed := range r.feeds {
		items, err := r.collectFeed(ctx, feed)
		if err != nil {
			r.logger.Warn().Err(err).Str("feed", feed.Name).Msg("feed skipped")
			continue
		}
		allItems = append(allItems, items...)
	}

	return allItems, nil
}

func (r *RSS) collectFeed(ctx context.Context, feed RSSFeed) ([]ranking.ContentItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create rss request %s: %w", feed.Name, err)
	}
	req.Header.Set("User-Agent", "feedrank/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rss %s: %w", feed.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rss %s status %d", feed.Name, resp.StatusCode)
	}

	parsed, err := r.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse rss %s: %w", feed.Name, err)
	}

	now := r.now().UTC()
	var items []ranking.ContentItem
	for _, entry := range parsed.Items {
		item, ok := r.toItem(feed, entry, now)
		if ok {
			items = append(items, item)
		}
	}

	r.logger.Debug().Str("feed", feed.Name).Int("entries", len(parsed.Items)).Int("kept", len(items)).Msg("feed parsed")
	return items, nil
}

func (r *RSS) toItem(feed RSSFeed, entry *gofeed.Item, now time.Time) (ranking.ContentItem, bool) {
	published := now
	if entry.PublishedParsed != nil {
		published = entry.PublishedParsed.UTC()
	} else if entry.UpdatedParsed != nil {
		published = entry.UpdatedParsed.UTC()
	}
	if r.maxAge > 0 && published.Before(now.Add(-r.maxAge)) {
		return ranking.ContentItem{}, false
	}

	if !r.filter.Matches(entry.Title + " " + entry.Description) {
		return ranking.ContentItem{}, false
	}

	link := entry.Link
	if link == "" && len(entry.Links) > 0 {
		link = entry.Links[0]
	}
	key := entry.GUID
	if key == "" {
		key = link
	}
	if key == "" {
		key = entry.Title
	}

	author := feed.Name
	if entry.Author != nil && entry.Author.Name != "" {
		author = entry.Author.Name
	}

	body := entry.Content
	if body == "" {
		body = entry.Description
	}
	textLen, hasImages := inspectHTML(body)
	if entry.Image != nil && entry.Image.URL != "" {
		hasImages = true
	}
	for _, enc := range entry.Enclosures {
		if strings.HasPrefix(enc.Type, "image/") {
			hasImages = true
		}
	}

	return ranking.ContentItem{
		ID:            stableID("rss", feed.Name+"\x00"+key),
		AuthorID:      feed.Name + "/" + author,
		Title:         entry.Title,
		URL:           link,
		Status:        ranking.StatusPublished,
		PublishedAt:   published,
		CommentCount:  slashComments(entry),
		HasImages:     hasImages,
		ContentLength: textLen,
		TopicCount:    len(entry.Categories),
	}, true
}

// inspectHTML returns the visible text length in runes and whether the
// fragment embeds an image.
func inspectHTML(fragment string) (int, bool) {
	if strings.TrimSpace(fragment) == "" {
		return 0, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return utf8.RuneCountInString(fragment), false
	}
	text := strings.Join(strings.Fields(doc.Text()), " ")
	return utf8.RuneCountInString(text), doc.Find("img").Length() > 0
}

// slashComments reads the slash:comments extension many blog feeds carry.
func slashComments(entry *gofeed.Item) int {
	values := entry.Extensions["slash"]["comments"]
	if len(values) == 0 {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(values[0].Value))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
