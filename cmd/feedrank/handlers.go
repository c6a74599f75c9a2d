package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/elonfeng/feedrank/internal/config"
	"github.com/elonfeng/feedrank/internal/engine"
	"github.com/elonfeng/feedrank/internal/kv"
	"github.com/elonfeng/feedrank/internal/logging"
	"github.com/elonfeng/feedrank/internal/store"
	"github.com/elonfeng/feedrank/pkg/alert"
	"github.com/elonfeng/feedrank/pkg/ranking"
	"github.com/elonfeng/feedrank/pkg/server"
	"github.com/elonfeng/feedrank/pkg/source"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// app holds the dependencies shared by every command.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   *store.SQLiteStore
	cache   ranking.KeyValueCache
	engine  *engine.Engine
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

// buildApp opens storage and the cache and wires the engine. daemon
// selects the configured cache strictly; one-shot commands fall back to an
// in-memory cache when the embedded one is held by a running daemon.
func buildApp(ctx context.Context, daemon bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	a := &app{cfg: cfg, logger: logger}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = db
	a.closers = append(a.closers, db.Close)

	backend, closeCache, err := openCache(ctx, cfg, logger, daemon)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeCache)

	a.cache = kv.NewResilient(backend, kv.ResilienceOptions{
		MaxRetries:          uint64(cfg.Cache.Retry.MaxRetries),
		InitialInterval:     cfg.Cache.Retry.ParseInitialInterval(),
		ConsecutiveFailures: cfg.Cache.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Cache.Breaker.ParseOpenTimeout(),
	}, logger)

	a.engine = engine.New(db, a.cache, buildAlertManager(cfg), engine.OptionsFromConfig(cfg), logger)
	return a, nil
}

func openCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger, daemon bool) (ranking.KeyValueCache, func() error, error) {
	if cfg.Cache.Backend == "redis" {
		rc, err := kv.NewRedis(ctx, kv.RedisOptions{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.KeyPrefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open cache: %w", err)
		}
		return rc, rc.Close, nil
	}

	bc, err := kv.OpenBadger(cfg.Cache.Badger.Path, cfg.Cache.Badger.InMemory, cfg.Cache.KeyPrefix)
	if err != nil && !daemon {
		logger.Warn().Err(err).Msg("embedded cache unavailable, using in-memory cache")
		bc, err = kv.OpenBadger("", true, cfg.Cache.KeyPrefix)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open cache: %w", err)
	}
	return bc, bc.Close, nil
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func buildSources(cfg *config.Config, extraFeeds []string, hn bool, hnLimit int, logger zerolog.Logger) []source.Source {
	filter := source.NewFilter(cfg.Feeds.Include, cfg.Feeds.Exclude)

	feeds := make([]source.RSSFeed, 0, len(cfg.Feeds.Feeds)+len(extraFeeds))
	for _, f := range cfg.Feeds.Feeds {
		feeds = append(feeds, source.RSSFeed{Name: f.Name, URL: f.URL})
	}
	for _, u := range extraFeeds {
		feeds = append(feeds, source.RSSFeed{Name: u, URL: u})
	}

	var sources []source.Source
	if len(feeds) > 0 {
		sources = append(sources, source.NewRSS(feeds, filter, cfg.Feeds.ParseMaxAge(), logger))
	}
	if hn {
		sources = append(sources, source.NewHackerNews(hnLimit, filter, logger))
	}
	return sources
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// service adapts a blocking function to suture.Service.
type service struct {
	name string
	run  func(ctx context.Context) error
}

func (s service) Serve(ctx context.Context) error { return s.run(ctx) }
func (s service) String() string                  { return s.name }

func runDaemon(port int) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	sup := suture.New("feedrank", suture.Spec{
		EventHook: logging.SupervisorHook(a.logger),
		Timeout:   15 * time.Second,
	})

	srv := server.New(a.engine, port, a.logger)
	sup.Add(service{name: "http", run: srv.Serve})

	sched := a.engine.Scheduler()
	resume := a.cfg.Scheduler.ResumeOnStart
	sup.Add(service{name: "scheduler", run: func(ctx context.Context) error {
		return sched.Serve(ctx, resume)
	}})

	if interval := a.cfg.Feeds.ParseInterval(); interval > 0 {
		if sources := buildSources(a.cfg, nil, false, 0, a.logger); len(sources) > 0 {
			collector := source.NewCollector(sources, a.store, a.logger)
			sup.Add(service{name: "importer", run: func(ctx context.Context) error {
				return collector.Serve(ctx, interval)
			}})
		}
	}

	a.logger.Info().Int("port", port).Msg("feedrank daemon starting")
	err = sup.Serve(ctx)
	a.logger.Info().Msg("shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runServe(port int) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.engine.Scheduler().Shutdown()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	err = server.New(a.engine, port, a.logger).Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runRecalc(force bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.TriggerRecalculation(ctx, force)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "force\t%v\n", res.Force)
	fmt.Fprintf(w, "candidates\t%d\n", res.Candidates)
	fmt.Fprintf(w, "processed\t%d\n", res.Processed)
	fmt.Fprintf(w, "recommended\t%d\n", res.Recommended)
	fmt.Fprintf(w, "unrecommended\t%d\n", res.Unrecommended)
	fmt.Fprintf(w, "failed\t%d\n", res.Failed)
	fmt.Fprintf(w, "duration\t%s\n", res.Duration.Round(time.Millisecond))
	if res.Error != "" {
		fmt.Fprintf(w, "error\t%s\n", res.Error)
	}
	return w.Flush()
}

func runAnalyze(id string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	an, err := a.engine.AnalyzeItem(ctx, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(an)
	}

	b := an.Breakdown
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "item\t%s (%s)\n", an.Item.ID, an.Item.AuthorID)
	fmt.Fprintf(w, "base\t%.2f\n", b.BaseScore)
	fmt.Fprintf(w, "age\t%.2f days (decay %.4f)\n", b.AgeDays, b.TimeFactor)
	fmt.Fprintf(w, "new post bonus\t%.2f\n", b.NewPostBonus)
	fmt.Fprintf(w, "quality bonus\t%.2f\n", b.QualityBonus)
	fmt.Fprintf(w, "engagement\t%.4f (x%.4f)\n", b.EngagementRatio, b.Multiplier)
	fmt.Fprintf(w, "diversity penalty\t%.2f (%d of %d in window)\n", b.DiversityPenalty, an.AuthorRecommended, an.PoolSize)
	fmt.Fprintf(w, "score\t%.2f (threshold %.2f)\n", b.Score, b.Threshold)
	fmt.Fprintf(w, "recommended\t%v\n", b.Recommended)
	if an.Scored {
		fmt.Fprintf(w, "stored score\t%.2f (drift %+.2f)\n", an.StoredScore, an.ScoreDrift)
	} else {
		fmt.Fprintln(w, "stored score\tnever scored")
	}
	return w.Flush()
}

func runFeed(page, pageSize int) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	fp, err := a.engine.GetFeed(ctx, page, pageSize)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(fp)
	}

	if len(fp.Items) == 0 {
		fmt.Println("feed is empty (try: feedrank import && feedrank recalc)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tPICK\tAUTHOR\tTITLE\tPUBLISHED")
	for _, it := range fp.Items {
		pick := ""
		if it.ManuallyRecommended {
			pick = "*"
		}
		fmt.Fprintf(w, "%.2f\t%s\t%s\t%s\t%s\n",
			it.RecommendScore, pick, it.AuthorID, truncate(it.Title, 60),
			it.PublishedAt.Format(time.RFC3339))
	}
	p := fp.Pagination
	fmt.Fprintf(w, "\npage %d/%d\t(%d items)\n", p.Page, p.TotalPages, p.Total)
	return w.Flush()
}

func runStats() error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.engine.GetStatistics(ctx)
	if err != nil {
		return err
	}
	view, err := a.engine.GetAutoUpdateStatus(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("read auto update status")
	}
	if jsonOutput {
		return printJSON(map[string]any{"statistics": st, "autoUpdate": view})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "published\t%d\n", st.TotalItems)
	fmt.Fprintf(w, "recommended\t%d\n", st.TotalRecommended)
	fmt.Fprintf(w, "editor picks\t%d / %d\n", st.ManuallyRecommended, st.MaxAdminRecommended)
	fmt.Fprintf(w, "never scored\t%d\n", st.NeverScored)
	fmt.Fprintf(w, "average score\t%.2f\n", st.AvgScore)
	if st.LastUpdateTime != nil {
		fmt.Fprintf(w, "last update\t%s\n", st.LastUpdateTime.Format(time.RFC3339))
	}
	if view.Config.Enabled {
		fmt.Fprintf(w, "auto update\t%s every %s\n", view.Config.Strategy, view.Config.Frequency)
	} else {
		fmt.Fprintln(w, "auto update\toff")
	}
	return w.Flush()
}

func runSettingsGet() error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.engine.GetSettings(ctx)
	if err != nil {
		return err
	}
	return printSettings(s)
}

func runSettingsSet(args []string) error {
	values := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("expected key=value, got %q", arg)
		}
		values[strings.TrimSpace(k)] = v
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.engine.UpdateSettings(ctx, values)
	if err != nil {
		return err
	}
	return printSettings(s)
}

func printSettings(s ranking.AlgorithmSettings) error {
	if jsonOutput {
		return printJSON(s)
	}
	m := s.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, m[k])
	}
	return w.Flush()
}

func runImport(extraFeeds []string, hn bool, hnLimit int) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	sources := buildSources(a.cfg, extraFeeds, hn, hnLimit, a.logger)
	if len(sources) == 0 {
		return errors.New("nothing to import: configure feeds, pass feed URLs or use --hn")
	}

	sum := source.NewCollector(sources, a.store, a.logger).CollectAll(ctx)
	if jsonOutput {
		return printJSON(sum)
	}

	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.Name())
	}
	slices.Sort(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tITEMS\tSKIPPED\tERROR")
	for _, n := range names {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", n, sum.Imported[n], sum.Skipped[n], sum.Errors[n])
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(sum.Errors) == len(sources) {
		return errors.New("every source failed")
	}
	return nil
}

func runCurate(id string, on bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.SetEditorPick(ctx, id, on); err != nil {
		return err
	}
	if on {
		fmt.Printf("%s pinned to the feed\n", id)
	} else {
		fmt.Printf("%s unpinned\n", id)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
