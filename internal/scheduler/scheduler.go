// Package scheduler runs ranking updates on a configurable cadence. Its
// config and status live in the key-value cache. The owner of the running
// loop reads the persisted config on every tick, so a Stop or Start issued
// by another process takes effect there; its in-memory copy only fills in
// for state the cache lost.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/elonfeng/feedrank/internal/logging"
	"github.com/elonfeng/feedrank/internal/metrics"
	"github.com/elonfeng/feedrank/pkg/alert"
	"github.com/elonfeng/feedrank/pkg/ranking"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	ConfigKey = "auto_update:config"
	StatusKey = "auto_update:status"
	// StoppedKey marks an explicit Stop so the loop owner can tell it
	// apart from an evicted config.
	StoppedKey = "auto_update:stopped"

	DefaultCheckInterval = time.Minute
	DefaultStateTTL      = 7 * 24 * time.Hour
)

var (
	ErrInvalidStrategy  = errors.New("invalid update strategy")
	ErrInvalidFrequency = errors.New("invalid update frequency")
	ErrNotRunning       = errors.New("auto update is not running")
)

// Strategy selects which items a scheduled run rescores.
type Strategy string

const (
	// StrategyFull rescores every published item within the max age.
	StrategyFull Strategy = "full"
	// StrategyIncremental rescores never-scored, stale and modified items.
	StrategyIncremental Strategy = "incremental"
	// StrategySmart currently behaves like StrategyIncremental.
	StrategySmart Strategy = "smart"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyFull, StrategyIncremental, StrategySmart:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
}

// Force reports whether runs under this strategy ignore freshness.
func (s Strategy) Force() bool { return s == StrategyFull }

var frequencyLabels = map[string]time.Duration{
	"15m":    15 * time.Minute,
	"30m":    30 * time.Minute,
	"1h":     time.Hour,
	"hourly": time.Hour,
	"2h":     2 * time.Hour,
	"6h":     6 * time.Hour,
	"12h":    12 * time.Hour,
	"24h":    24 * time.Hour,
	"daily":  24 * time.Hour,
}

// ParseFrequency accepts a named label or any duration of at least a minute.
func ParseFrequency(label string) (time.Duration, error) {
	if d, ok := frequencyLabels[label]; ok {
		return d, nil
	}
	d, err := time.ParseDuration(label)
	if err != nil || d < time.Minute {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFrequency, label)
	}
	return d, nil
}

// Config is the persisted auto-update configuration.
type Config struct {
	Enabled        bool      `json:"enabled"`
	Strategy       Strategy  `json:"strategy"`
	Frequency      string    `json:"frequency"`
	NextUpdateTime time.Time `json:"nextUpdateTime"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Status is the persisted state of the last scheduled run.
type Status struct {
	Running     bool                  `json:"running"`
	LastRun     *time.Time            `json:"lastRun,omitempty"`
	LastError   string                `json:"lastError,omitempty"`
	LastErrorAt *time.Time            `json:"lastErrorAt,omitempty"`
	TaskID      string                `json:"taskId,omitempty"`
	LastResult  *ranking.UpdateResult `json:"lastResult,omitempty"`
}

// View merges config and status. Active is true only in the process
// that owns the running loop.
type View struct {
	Config
	Status
	Active bool `json:"active"`
}

// Updater runs one ranking pass.
type Updater interface {
	RunUpdate(ctx context.Context, force bool) (ranking.UpdateResult, error)
}

// Alerter delivers run-failure notifications. *alert.Manager satisfies it.
type Alerter interface {
	HasNotifiers() bool
	Broadcast(ctx context.Context, n *alert.Notification) error
}

// Options tunes the scheduler. Zero values fall back to defaults.
type Options struct {
	CheckInterval time.Duration
	StateTTL      time.Duration
}

// Scheduler owns the auto-update loop.
type Scheduler struct {
	updater  Updater
	cache    ranking.KeyValueCache
	alerts   Alerter
	interval time.Duration
	ttl      time.Duration
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string

	// baseCtx bounds scheduled runs; Shutdown cancels it.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	cron       *cron.Cron
	cfg        *Config
	status     Status
	generation uint64

	tickMu sync.Mutex
}

// New creates a stopped scheduler. alerts may be nil.
func New(updater Updater, cache ranking.KeyValueCache, alerts Alerter, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = DefaultStateTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		updater:    updater,
		cache:      cache,
		alerts:     alerts,
		interval:   opts.CheckInterval,
		ttl:        opts.StateTTL,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		now:        time.Now,
		newID:      uuid.NewString,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Start validates the request, persists a fresh config and status, and
// starts the check loop. Starting while running replaces the config and
// begins a new task.
func (s *Scheduler) Start(ctx context.Context, strategy, frequency string) (View, error) {
	strat, err := ParseStrategy(strategy)
	if err != nil {
		return View{}, err
	}
	every, err := ParseFrequency(frequency)
	if err != nil {
		return View{}, err
	}

	now := s.now().UTC()
	s.mu.Lock()
	s.generation++
	s.cfg = &Config{
		Enabled:        true,
		Strategy:       strat,
		Frequency:      frequency,
		NextUpdateTime: now.Add(every),
		UpdatedAt:      now,
	}
	s.status = Status{TaskID: s.newID()}
	if err := s.startLoopLocked(); err != nil {
		s.cfg = nil
		s.mu.Unlock()
		return View{}, err
	}
	view := s.viewLocked()
	s.mu.Unlock()

	s.persist(ctx, view.Config, view.Status)
	s.clearStopped(ctx)
	s.logger.Info().
		Str("task_id", view.TaskID).
		Str("strategy", string(strat)).
		Str("frequency", frequency).
		Time("next_update", view.NextUpdateTime).
		Msg("auto update started")
	return view, nil
}

// Stop halts scheduling and deletes persisted state, leaving a stop
// marker for a loop owned by another process. A run already in flight
// finishes but does not write state afterwards.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.cfg != nil
	s.generation++
	s.cfg = nil
	s.status = Status{}
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	s.mu.Unlock()

	if !wasRunning {
		// Another process may have left state behind.
		stored, err := s.loadConfig(ctx)
		if err != nil {
			return fmt.Errorf("read auto update config: %w", err)
		}
		if stored == nil || !stored.Enabled {
			return ErrNotRunning
		}
	}

	var errs []error
	if err := s.putJSON(ctx, StoppedKey, stopMarker{StoppedAt: s.now().UTC()}); err != nil {
		errs = append(errs, fmt.Errorf("mark stopped: %w", err))
	}
	for _, key := range []string{ConfigKey, StatusKey} {
		if err := s.cache.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	s.logger.Info().Msg("auto update stopped")
	return errors.Join(errs...)
}

// Resume restarts the loop from a persisted, enabled config. It reports
// whether the loop is running afterwards.
func (s *Scheduler) Resume(ctx context.Context) (bool, error) {
	s.mu.Lock()
	running := s.cfg != nil
	s.mu.Unlock()
	if running {
		return true, nil
	}

	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return false, fmt.Errorf("read auto update config: %w", err)
	}
	if cfg == nil || !cfg.Enabled {
		return false, nil
	}
	if _, err := ParseStrategy(string(cfg.Strategy)); err != nil {
		return false, err
	}
	if _, err := ParseFrequency(cfg.Frequency); err != nil {
		return false, err
	}

	status, err := s.loadStatus(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("persisted status unreadable, starting fresh")
	}
	if status == nil {
		status = &Status{}
	}
	// A run that was in flight when the previous owner died never finished.
	status.Running = false
	if status.TaskID == "" {
		status.TaskID = s.newID()
	}

	s.mu.Lock()
	s.generation++
	s.cfg = cfg
	s.status = *status
	if err := s.startLoopLocked(); err != nil {
		s.cfg = nil
		s.mu.Unlock()
		return false, err
	}
	view := s.viewLocked()
	s.mu.Unlock()

	s.persist(ctx, view.Config, view.Status)
	s.clearStopped(ctx)
	s.logger.Info().
		Str("task_id", view.TaskID).
		Str("strategy", string(cfg.Strategy)).
		Time("next_update", cfg.NextUpdateTime).
		Msg("auto update resumed")
	return true, nil
}

// Status returns the merged view. Without a local loop it reports
// whatever another process persisted.
func (s *Scheduler) Status(ctx context.Context) (View, error) {
	s.mu.Lock()
	if s.cfg != nil {
		view := s.viewLocked()
		s.mu.Unlock()
		return view, nil
	}
	s.mu.Unlock()

	var view View
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return view, fmt.Errorf("read auto update config: %w", err)
	}
	if cfg != nil {
		view.Config = *cfg
	}
	status, err := s.loadStatus(ctx)
	if err != nil {
		return view, fmt.Errorf("read auto update status: %w", err)
	}
	if status != nil {
		view.Status = *status
	}
	return view, nil
}

// Tick runs one check: it reconciles with the persisted config and, when
// due, runs an update. Overlapping ticks are skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		metrics.SchedulerTicks.WithLabelValues("skipped").Inc()
		return
	}
	defer s.tickMu.Unlock()

	s.mu.Lock()
	if s.cfg == nil {
		s.mu.Unlock()
		metrics.SchedulerTicks.WithLabelValues("idle").Inc()
		return
	}
	gen := s.generation
	s.mu.Unlock()

	if !s.syncConfig(ctx, gen) {
		metrics.SchedulerTicks.WithLabelValues("idle").Inc()
		return
	}

	s.mu.Lock()
	if s.cfg == nil || s.generation != gen {
		s.mu.Unlock()
		metrics.SchedulerTicks.WithLabelValues("idle").Inc()
		return
	}
	cfg := *s.cfg
	now := s.now().UTC()
	if now.Before(cfg.NextUpdateTime) {
		s.mu.Unlock()
		metrics.SchedulerTicks.WithLabelValues("idle").Inc()
		return
	}
	s.status.Running = true
	view := s.viewLocked()
	s.mu.Unlock()
	s.persist(ctx, view.Config, view.Status)

	log := s.logger.With().Str("task_id", view.TaskID).Str("strategy", string(cfg.Strategy)).Logger()
	log.Info().Msg("scheduled update starting")

	res, runErr := s.updater.RunUpdate(ctx, cfg.Strategy.Force())
	if runErr == nil && res.Error != "" {
		runErr = errors.New(res.Error)
	}
	finished := s.now().UTC()

	s.mu.Lock()
	if s.cfg == nil || s.generation != gen {
		s.mu.Unlock()
		log.Info().Msg("auto update stopped during run, discarding result")
		return
	}
	every, err := ParseFrequency(s.cfg.Frequency)
	if err != nil {
		every = time.Hour
	}
	s.cfg.NextUpdateTime = finished.Add(every)
	s.cfg.UpdatedAt = finished
	s.status.Running = false
	s.status.LastRun = &finished
	s.status.LastResult = &res
	if runErr != nil {
		s.status.LastError = runErr.Error()
		s.status.LastErrorAt = &finished
	} else {
		s.status.LastError = ""
	}
	view = s.viewLocked()
	s.mu.Unlock()
	s.persist(ctx, view.Config, view.Status)

	if runErr != nil {
		metrics.SchedulerTicks.WithLabelValues("failed").Inc()
		log.Error().Err(runErr).Int("processed", res.Processed).Msg("scheduled update failed")
		s.alert(ctx, view, res, runErr)
		return
	}
	metrics.SchedulerTicks.WithLabelValues("ran").Inc()
	log.Info().
		Int("processed", res.Processed).
		Int("recommended", res.Recommended).
		Int("failed", res.Failed).
		Time("next_update", view.NextUpdateTime).
		Msg("scheduled update finished")
}

// Serve runs the scheduler under a supervisor: it optionally resumes a
// persisted config and blocks until ctx ends, then shuts down.
func (s *Scheduler) Serve(ctx context.Context, resume bool) error {
	if resume {
		if ok, err := s.Resume(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("resume auto update")
		} else if !ok {
			s.logger.Debug().Msg("no persisted auto update to resume")
		}
	}
	<-ctx.Done()
	s.Shutdown()
	return ctx.Err()
}

// Shutdown stops the loop, cancels an in-flight run between sub-batches
// and waits for it to return. Persisted state is kept so the next owner
// can resume.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	c := s.cron
	cancel := s.baseCancel
	s.cron = nil
	s.cfg = nil
	s.generation++
	s.mu.Unlock()

	cancel()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (s *Scheduler) startLoopLocked() error {
	if s.cron != nil {
		return nil
	}
	// A Shutdown cancelled the previous context.
	if s.baseCtx.Err() != nil {
		s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	}
	ctx := s.baseCtx
	cl := logging.NewCronLogger(s.logger)
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc("@every "+s.interval.String(), func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("schedule check loop: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

// syncConfig reconciles the local loop with the persisted config. It stops
// the loop when the config was stopped or disabled elsewhere, adopts a
// config another process started, and restores state the cache lost. It
// reports whether the tick should go on.
func (s *Scheduler) syncConfig(ctx context.Context, gen uint64) bool {
	stored, err := s.loadConfig(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read auto update config, keeping local copy")
		s.restore(ctx, gen)
		return true
	}

	if stored == nil {
		var marker stopMarker
		stopped, err := s.getJSON(ctx, StoppedKey, &marker)
		if err != nil {
			s.logger.Warn().Err(err).Msg("read auto update stop marker, keeping local copy")
		}
		if err != nil || !stopped {
			s.restore(ctx, gen)
			return true
		}
		s.stopLocal(gen, "auto update stopped by another process")
		return false
	}

	if !stored.Enabled {
		s.stopLocal(gen, "auto update disabled by another process")
		return false
	}

	s.mu.Lock()
	if s.cfg == nil || s.generation != gen {
		s.mu.Unlock()
		return false
	}
	same := sameConfig(*s.cfg, *stored)
	s.mu.Unlock()
	if same {
		return true
	}

	if _, err := ParseStrategy(string(stored.Strategy)); err != nil {
		s.logger.Warn().Err(err).Msg("ignoring persisted auto update config")
		return true
	}
	if _, err := ParseFrequency(stored.Frequency); err != nil {
		s.logger.Warn().Err(err).Msg("ignoring persisted auto update config")
		return true
	}
	status, err := s.loadStatus(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read auto update status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil || s.generation != gen {
		return false
	}
	s.cfg = stored
	if status != nil && status.TaskID != s.status.TaskID {
		s.status = *status
		s.status.Running = false
	}
	s.logger.Info().
		Str("task_id", s.status.TaskID).
		Str("strategy", string(stored.Strategy)).
		Str("frequency", stored.Frequency).
		Msg("adopted auto update config from another process")
	return true
}

// restore re-persists the in-memory state after the cache lost it.
func (s *Scheduler) restore(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if s.cfg == nil || s.generation != gen {
		s.mu.Unlock()
		return
	}
	view := s.viewLocked()
	s.mu.Unlock()
	s.persist(ctx, view.Config, view.Status)
}

// stopLocal ends this process's loop without touching persisted state.
// It runs inside a cron job, so it does not wait for jobs to drain.
func (s *Scheduler) stopLocal(gen uint64, reason string) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.generation++
	s.cfg = nil
	s.status = Status{}
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	s.logger.Info().Msg(reason)
}

func (s *Scheduler) clearStopped(ctx context.Context) {
	if err := s.cache.Delete(ctx, StoppedKey); err != nil {
		s.logger.Warn().Err(err).Msg("clear auto update stop marker")
	}
}

type stopMarker struct {
	StoppedAt time.Time `json:"stoppedAt"`
}

func sameConfig(a, b Config) bool {
	return a.Enabled == b.Enabled &&
		a.Strategy == b.Strategy &&
		a.Frequency == b.Frequency &&
		a.NextUpdateTime.Equal(b.NextUpdateTime) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func (s *Scheduler) viewLocked() View {
	v := View{Status: s.status, Active: s.cfg != nil}
	if s.cfg != nil {
		v.Config = *s.cfg
	}
	return v
}

func (s *Scheduler) persist(ctx context.Context, cfg Config, status Status) {
	if err := s.putJSON(ctx, ConfigKey, cfg); err != nil {
		s.logger.Warn().Err(err).Msg("persist auto update config")
	}
	if err := s.putJSON(ctx, StatusKey, status); err != nil {
		s.logger.Warn().Err(err).Msg("persist auto update status")
	}
}

func (s *Scheduler) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.cache.Set(ctx, key, data, s.ttl)
}

func (s *Scheduler) loadConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	ok, err := s.getJSON(ctx, ConfigKey, &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

func (s *Scheduler) loadStatus(ctx context.Context) (*Status, error) {
	var st Status
	ok, err := s.getJSON(ctx, StatusKey, &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

func (s *Scheduler) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Scheduler) alert(ctx context.Context, view View, res ranking.UpdateResult, runErr error) {
	if s.alerts == nil || !s.alerts.HasNotifiers() {
		return
	}
	n := &alert.Notification{
		Title:  "Scheduled ranking update failed",
		Body:   runErr.Error(),
		Level:  alert.LevelError,
		TaskID: view.TaskID,
		Fields: []alert.Field{
			{Name: "strategy", Value: string(view.Strategy)},
			{Name: "frequency", Value: view.Frequency},
			{Name: "candidates", Value: strconv.Itoa(res.Candidates)},
			{Name: "processed", Value: strconv.Itoa(res.Processed)},
			{Name: "failed", Value: strconv.Itoa(res.Failed)},
			{Name: "next update", Value: view.NextUpdateTime.Format(time.RFC3339)},
		},
	}
	if err := s.alerts.Broadcast(ctx, n); err != nil {
		s.logger.Warn().Err(err).Msg("send run failure alert")
	}
}
