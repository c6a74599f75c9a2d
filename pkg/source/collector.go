package source

import (
	"context"
	"time"

	"github.com/elonfeng/feedrank/pkg/ranking"
	"github.com/rs/zerolog"
)

// Summary reports one import pass per source.
type Summary struct {
	Imported map[string]int    `json:"imported"`
	Skipped  map[string]int    `json:"skipped,omitempty"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// Collector runs sources and stores what they return.
type Collector struct {
	sources []Source
	sink    Sink
	logger  zerolog.Logger
}

// NewCollector creates a collector.
func NewCollector(sources []Source, sink Sink, logger zerolog.Logger) *Collector {
	return &Collector{
		sources: sources,
		sink:    sink,
		logger:  logger.With().Str("component", "collector").Logger(),
	}
}

// CollectAll imports from every source. One failing source does not stop
// the others.
func (c *Collector) CollectAll(ctx context.Context) Summary {
	sum := Summary{Imported: make(map[string]int)}
	total := 0
	for _, src := range c.sources {
		items, err := src.Collect(ctx)
		if err == nil {
			var skipped int
			items, skipped = c.validItems(src.Name(), items)
			if skipped > 0 {
				if sum.Skipped == nil {
					sum.Skipped = make(map[string]int)
				}
				sum.Skipped[src.Name()] = skipped
			}
			err = c.sink.UpsertItems(ctx, items)
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("source", src.Name()).Msg("import failed")
			if sum.Errors == nil {
				sum.Errors = make(map[string]string)
			}
			sum.Errors[src.Name()] = err.Error()
			continue
		}
		sum.Imported[src.Name()] = len(items)
		total += len(items)
	}
	c.logger.Info().Int("items", total).Int("sources", len(c.sources)).Msg("import finished")
	return sum
}

// validItems drops malformed items so one bad entry does not fail the
// whole batch.
func (c *Collector) validItems(name string, items []ranking.ContentItem) ([]ranking.ContentItem, int) {
	kept := items[:0:0]
	for i := range items {
		if err := items[i].Validate(); err != nil {
			c.logger.Warn().Err(err).Str("source", name).Str("item_id", items[i].ID).Msg("item skipped")
			continue
		}
		kept = append(kept, items[i])
	}
	return kept, len(items) - len(kept)
}

// Serve imports immediately and then every interval until ctx ends.
func (c *Collector) Serve(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.CollectAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.CollectAll(ctx)
		}
	}
}
