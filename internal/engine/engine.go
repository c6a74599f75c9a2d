// Package engine is the facade the HTTP API and CLI use to drive ranking:
// it owns the batch updater, feed service, analyzer and auto-update
// scheduler and shares one repository and cache between them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/elonfeng/feedrank/internal/config"
	"github.com/elonfeng/feedrank/internal/scheduler"
	"github.com/elonfeng/feedrank/pkg/ranking"
	"github.com/rs/zerolog"
)

// ErrInvalidSetting is returned by UpdateSettings for unknown keys or
// values that are not finite numbers.
var ErrInvalidSetting = errors.New("invalid setting")

// Repository is the storage the engine needs.
type Repository interface {
	ranking.ContentRepository
	ranking.SettingsStore
	PutSettings(ctx context.Context, values map[string]string) error
	SetManualRecommendation(ctx context.Context, id string, on bool) error
}

// Options tunes the engine's components.
type Options struct {
	CandidateLimit   int
	Batch            ranking.BatchOptions
	FeedCacheTTL     time.Duration
	SettingsCacheTTL time.Duration
	Scheduler        scheduler.Options
}

// OptionsFromConfig maps the ranking and scheduler config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CandidateLimit: cfg.Ranking.CandidateLimit,
		Batch: ranking.BatchOptions{
			WriteBatchSize: cfg.Ranking.WriteBatchSize,
			WritePause:     cfg.Ranking.ParseWritePause(),
		},
		FeedCacheTTL:     cfg.Ranking.ParseFeedCacheTTL(),
		SettingsCacheTTL: cfg.Ranking.ParseSettingsCacheTTL(),
		Scheduler: scheduler.Options{
			CheckInterval: cfg.Scheduler.ParseCheckInterval(),
			StateTTL:      cfg.Scheduler.ParseStateTTL(),
		},
	}
}

// Statistics summarises the ranking state of the repository.
type Statistics struct {
	TotalItems          int        `json:"totalItems"`
	TotalRecommended    int        `json:"totalRecommended"`
	ManuallyRecommended int        `json:"manuallyRecommended"`
	MaxAdminRecommended int        `json:"maxAdminRecommended"`
	ManualOverLimit     bool       `json:"manualOverLimit"`
	NeverScored         int        `json:"neverScored"`
	AvgScore            float64    `json:"avgScore"`
	LastUpdateTime      *time.Time `json:"lastUpdateTime,omitempty"`
}

// Engine wires the ranking components together.
type Engine struct {
	repo      Repository
	settings  *ranking.SettingsProvider
	updater   *serialUpdater
	feed      *ranking.FeedService
	analyzer  *ranking.Analyzer
	scheduler *scheduler.Scheduler
	logger    zerolog.Logger
}

// New builds an engine. alerts may be nil.
func New(repo Repository, cache ranking.KeyValueCache, alerts scheduler.Alerter, opts Options, logger zerolog.Logger) *Engine {
	settings := ranking.NewSettingsProvider(repo, cache, opts.SettingsCacheTTL, logger)
	aggregator := ranking.NewDiversityStatsAggregator(repo, logger)
	selector := ranking.NewCandidateSelector(repo, opts.CandidateLimit)
	batch := ranking.NewBatchUpdater(repo, cache, settings, aggregator, selector, opts.Batch, logger)
	updater := newSerialUpdater(batch)

	return &Engine{
		repo:      repo,
		settings:  settings,
		updater:   updater,
		feed:      ranking.NewFeedService(repo, cache, opts.FeedCacheTTL, logger),
		analyzer:  ranking.NewAnalyzer(repo, settings, aggregator),
		scheduler: scheduler.New(updater, cache, alerts, opts.Scheduler, logger),
		logger:    logger.With().Str("component", "engine").Logger(),
	}
}

// Scheduler exposes the auto-update scheduler for supervision.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// GetFeed returns one page of the recommended feed.
func (e *Engine) GetFeed(ctx context.Context, page, pageSize int) (*ranking.FeedPage, error) {
	return e.feed.GetFeed(ctx, page, pageSize)
}

// TriggerRecalculation runs one update synchronously. It waits for any
// run already in progress in this process.
func (e *Engine) TriggerRecalculation(ctx context.Context, force bool) (ranking.UpdateResult, error) {
	e.logger.Info().Bool("force", force).Msg("manual recalculation requested")
	return e.updater.RunUpdate(ctx, force)
}

// AnalyzeItem explains the current score of one item without writing.
func (e *Engine) AnalyzeItem(ctx context.Context, id string) (*ranking.ItemAnalysis, error) {
	return e.analyzer.AnalyzeItem(ctx, id)
}

// SetEditorPick pins or unpins an item in the feed regardless of its score.
func (e *Engine) SetEditorPick(ctx context.Context, id string, on bool) error {
	if err := e.repo.SetManualRecommendation(ctx, id, on); err != nil {
		return err
	}
	if err := e.feed.Invalidate(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("feed cache not invalidated")
	}
	e.logger.Info().Str("item", id).Bool("on", on).Msg("editor pick changed")
	return nil
}

func (e *Engine) StartAutoUpdate(ctx context.Context, strategy, frequency string) (scheduler.View, error) {
	return e.scheduler.Start(ctx, strategy, frequency)
}

func (e *Engine) StopAutoUpdate(ctx context.Context) error {
	return e.scheduler.Stop(ctx)
}

func (e *Engine) GetAutoUpdateStatus(ctx context.Context) (scheduler.View, error) {
	return e.scheduler.Status(ctx)
}

// GetStatistics counts published, recommended and never-scored items and
// reports manual picks against the configured cap.
func (e *Engine) GetStatistics(ctx context.Context) (*Statistics, error) {
	s, err := e.settings.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[ranking.Flag]int, 4)
	for _, flag := range []ranking.Flag{
		ranking.FlagPublished,
		ranking.FlagAutoRecommended,
		ranking.FlagManuallyRecommended,
		ranking.FlagNeverScored,
	} {
		n, err := e.repo.CountByFlag(ctx, flag)
		if err != nil {
			return nil, fmt.Errorf("statistics: %w", err)
		}
		counts[flag] = n
	}

	summary, err := e.repo.ScoreSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}

	return &Statistics{
		TotalItems:          counts[ranking.FlagPublished],
		TotalRecommended:    counts[ranking.FlagAutoRecommended],
		ManuallyRecommended: counts[ranking.FlagManuallyRecommended],
		MaxAdminRecommended: s.MaxAdminRecommended,
		ManualOverLimit:     counts[ranking.FlagManuallyRecommended] > s.MaxAdminRecommended,
		NeverScored:         counts[ranking.FlagNeverScored],
		AvgScore:            math.Round(summary.AverageScore*100) / 100,
		LastUpdateTime:      summary.LastScoredAt,
	}, nil
}

func (e *Engine) GetSettings(ctx context.Context) (ranking.AlgorithmSettings, error) {
	return e.settings.GetSettings(ctx)
}

// UpdateSettings validates and persists values, keyed with or without the
// "recommendation." prefix, then drops the cached settings. Either every
// value is written or none is.
func (e *Engine) UpdateSettings(ctx context.Context, values map[string]string) (ranking.AlgorithmSettings, error) {
	if len(values) == 0 {
		return ranking.AlgorithmSettings{}, fmt.Errorf("%w: no values", ErrInvalidSetting)
	}

	writes := make(map[string]string, len(values))
	for key, raw := range values {
		name := strings.TrimPrefix(key, ranking.SettingsPrefix)
		if !ranking.IsSettingKey(name) {
			return ranking.AlgorithmSettings{}, fmt.Errorf("%w: unknown key %q", ErrInvalidSetting, key)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return ranking.AlgorithmSettings{}, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidSetting, name, raw)
		}
		writes[ranking.SettingsPrefix+name] = strconv.FormatFloat(v, 'f', -1, 64)
	}

	if err := e.repo.PutSettings(ctx, writes); err != nil {
		return ranking.AlgorithmSettings{}, fmt.Errorf("update settings: %w", err)
	}
	if err := e.settings.Invalidate(ctx); err != nil {
		// The cached copy expires on its own TTL.
		e.logger.Warn().Err(err).Msg("settings cache not invalidated")
	}
	e.logger.Info().Int("keys", len(writes)).Msg("settings updated")
	return e.settings.GetSettings(ctx)
}

// serialUpdater lets one run proceed at a time so manual and scheduled
// runs never interleave their writes.
type serialUpdater struct {
	next *ranking.BatchUpdater
	sem  chan struct{}
}

func newSerialUpdater(next *ranking.BatchUpdater) *serialUpdater {
	return &serialUpdater{next: next, sem: make(chan struct{}, 1)}
}

func (u *serialUpdater) RunUpdate(ctx context.Context, force bool) (ranking.UpdateResult, error) {
	select {
	case u.sem <- struct{}{}:
	case <-ctx.Done():
		return ranking.UpdateResult{Force: force}, fmt.Errorf("wait for running update: %w", ctx.Err())
	}
	defer func() { <-u.sem }()
	return u.next.RunUpdate(ctx, force)
}
