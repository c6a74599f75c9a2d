package ranking

import (
	"context"
	"fmt"
	"time"

	"github.com/elonfeng/feedrank/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	DefaultWriteBatchSize = 100
	DefaultWritePause     = 100 * time.Millisecond
)

// UpdateResult summarises one RunUpdate call.
type UpdateResult struct {
	Force         bool          `json:"force"`
	Candidates    int           `json:"candidates"`
	Processed     int           `json:"processed"`
	Recommended   int           `json:"recommended"`
	Unrecommended int           `json:"unrecommended"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}

// BatchOptions tunes write-back.
type BatchOptions struct {
	WriteBatchSize int
	WritePause     time.Duration
}

// BatchUpdater recomputes scores for candidate items and writes them back
// in sub-batches.
type BatchUpdater struct {
	repo       ContentRepository
	cache      KeyValueCache
	settings   *SettingsProvider
	aggregator *DiversityStatsAggregator
	selector   *CandidateSelector
	batchSize  int
	pause      time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewBatchUpdater wires an updater. Zero options fall back to defaults; a
// negative pause disables the pause between sub-batches.
func NewBatchUpdater(
	repo ContentRepository,
	cache KeyValueCache,
	settings *SettingsProvider,
	aggregator *DiversityStatsAggregator,
	selector *CandidateSelector,
	opts BatchOptions,
	logger zerolog.Logger,
) *BatchUpdater {
	if opts.WriteBatchSize <= 0 {
		opts.WriteBatchSize = DefaultWriteBatchSize
	}
	if opts.WritePause == 0 {
		opts.WritePause = DefaultWritePause
	}
	return &BatchUpdater{
		repo:       repo,
		cache:      cache,
		settings:   settings,
		aggregator: aggregator,
		selector:   selector,
		batchSize:  opts.WriteBatchSize,
		pause:      opts.WritePause,
		now:        time.Now,
		logger:     logger.With().Str("component", "batch").Logger(),
	}
}

type scoredItem struct {
	id          string
	score       float64
	recommended bool
}

// RunUpdate rescores candidates. Only settings and candidate loading errors
// are returned; once scoring starts the result carries partial counts and
// any interruption in Error.
func (u *BatchUpdater) RunUpdate(ctx context.Context, force bool) (UpdateResult, error) {
	began := time.Now()
	now := u.now().UTC()
	res := UpdateResult{Force: force, StartedAt: now}

	settings, err := u.settings.GetSettings(ctx)
	if err != nil {
		metrics.RankingRuns.WithLabelValues("aborted").Inc()
		return res, fmt.Errorf("run update: %w", err)
	}

	snap := u.aggregator.ComputeSnapshot(ctx, settings.diversityWindow(), "")

	candidates, err := u.selector.SelectCandidates(ctx, settings, force)
	if err != nil {
		metrics.RankingRuns.WithLabelValues("aborted").Inc()
		return res, fmt.Errorf("run update: %w", err)
	}
	res.Candidates = len(candidates)

	scored := make([]scoredItem, 0, len(candidates))
	for _, item := range candidates {
		sc, err := scoreOne(item, settings, now, snap)
		if err != nil {
			u.logger.Warn().Err(err).Str("item_id", item.ID).Msg("skipping item")
			res.Skipped++
			continue
		}
		scored = append(scored, sc)
	}

	for start := 0; start < len(scored); start += u.batchSize {
		if start > 0 {
			if err := sleepContext(ctx, u.pause); err != nil {
				res.Error = fmt.Sprintf("interrupted after %d of %d items: %v", start, len(scored), err)
				break
			}
		}
		end := min(start+u.batchSize, len(scored))
		u.writeBatch(ctx, scored[start:end], now, &res)
	}

	if res.Processed > 0 {
		if _, err := u.cache.DeleteByPattern(ctx, FeedCachePattern); err != nil {
			u.logger.Warn().Err(err).Msg("invalidate feed cache")
		}
	}

	res.Duration = time.Since(began)
	u.record(res)

	u.logger.Info().
		Bool("force", force).
		Int("candidates", res.Candidates).
		Int("processed", res.Processed).
		Int("recommended", res.Recommended).
		Int("unrecommended", res.Unrecommended).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Dur("duration", res.Duration).
		Msg("ranking run finished")
	return res, nil
}

func (u *BatchUpdater) writeBatch(ctx context.Context, batch []scoredItem, at time.Time, res *UpdateResult) {
	for _, sc := range batch {
		if err := u.repo.UpdateScoreFields(ctx, sc.id, sc.score, sc.recommended, at); err != nil {
			u.logger.Error().Err(err).Str("item_id", sc.id).Msg("write score")
			res.Failed++
			continue
		}
		res.Processed++
		if sc.recommended {
			res.Recommended++
		} else {
			res.Unrecommended++
		}
	}
}

func (u *BatchUpdater) record(res UpdateResult) {
	outcome := "ok"
	if res.Error != "" {
		outcome = "interrupted"
	}
	metrics.RankingRuns.WithLabelValues(outcome).Inc()
	metrics.RankingRunDuration.Observe(res.Duration.Seconds())
	metrics.RankingItemsScored.WithLabelValues("recommended").Add(float64(res.Recommended))
	metrics.RankingItemsScored.WithLabelValues("unrecommended").Add(float64(res.Unrecommended))
	metrics.RankingItemsScored.WithLabelValues("failed").Add(float64(res.Failed))
	metrics.RankingItemsScored.WithLabelValues("skipped").Add(float64(res.Skipped))
	metrics.RankingLastRun.Set(float64(res.StartedAt.Unix()))
}

func scoreOne(item ContentItem, s AlgorithmSettings, now time.Time, snap DiversitySnapshot) (sc scoredItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: item %s: %v", ErrMalformedItem, item.ID, r)
		}
	}()
	if err := item.Validate(); err != nil {
		return scoredItem{}, err
	}
	score, recommended := Score(item, s, now, snap)
	return scoredItem{id: item.ID, score: score, recommended: recommended}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
