package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Ranking   RankingConfig   `yaml:"ranking"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Feeds     FeedsConfig     `yaml:"feeds"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// CacheConfig selects and tunes the key-value cache.
type CacheConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=badger redis"`
	KeyPrefix string        `yaml:"key_prefix"`
	Badger    BadgerConfig  `yaml:"badger"`
	Redis     RedisConfig   `yaml:"redis"`
	Retry     RetryConfig   `yaml:"retry"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

// BadgerConfig for the embedded cache.
type BadgerConfig struct {
	Path     string `yaml:"path" validate:"required_without=InMemory"`
	InMemory bool   `yaml:"in_memory"`
}

// RedisConfig for the shared cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// RetryConfig bounds retries of failed cache calls.
type RetryConfig struct {
	MaxRetries      int    `yaml:"max_retries" validate:"gte=0,lte=10"`
	InitialInterval string `yaml:"initial_interval"`
}

// ParseInitialInterval returns the first retry delay.
func (r RetryConfig) ParseInitialInterval() time.Duration {
	return parseDuration(r.InitialInterval, 50*time.Millisecond)
}

// BreakerConfig tunes the cache circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32 `yaml:"consecutive_failures" validate:"gte=1"`
	OpenTimeout         string `yaml:"open_timeout"`
}

// ParseOpenTimeout returns how long the breaker stays open.
func (b BreakerConfig) ParseOpenTimeout() time.Duration {
	return parseDuration(b.OpenTimeout, 30*time.Second)
}

// RankingConfig tunes batch runs and the feed.
type RankingConfig struct {
	CandidateLimit   int    `yaml:"candidate_limit" validate:"gte=1,lte=10000"`
	WriteBatchSize   int    `yaml:"write_batch_size" validate:"gte=1,lte=1000"`
	WritePause       string `yaml:"write_pause"`
	FeedCacheTTL     string `yaml:"feed_cache_ttl"`
	SettingsCacheTTL string `yaml:"settings_cache_ttl"`
}

// ParseWritePause returns the pause between write sub-batches.
func (r RankingConfig) ParseWritePause() time.Duration {
	return parseDuration(r.WritePause, 100*time.Millisecond)
}

// ParseFeedCacheTTL returns how long feed pages stay cached.
func (r RankingConfig) ParseFeedCacheTTL() time.Duration {
	return parseDuration(r.FeedCacheTTL, 2*time.Minute)
}

// ParseSettingsCacheTTL returns how long algorithm settings stay cached.
func (r RankingConfig) ParseSettingsCacheTTL() time.Duration {
	return parseDuration(r.SettingsCacheTTL, 5*time.Minute)
}

// SchedulerConfig configures the auto-update loop.
type SchedulerConfig struct {
	CheckInterval string `yaml:"check_interval"`
	StateTTL      string `yaml:"state_ttl"`
	ResumeOnStart bool   `yaml:"resume_on_start"`
}

// ParseCheckInterval returns the tick interval.
func (s SchedulerConfig) ParseCheckInterval() time.Duration {
	return parseDuration(s.CheckInterval, time.Minute)
}

// ParseStateTTL returns the TTL of persisted config and status.
func (s SchedulerConfig) ParseStateTTL() time.Duration {
	return parseDuration(s.StateTTL, 7*24*time.Hour)
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gte=1,lte=65535"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error disabled"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url" validate:"required_if=Enabled true"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url" validate:"required_if=Enabled true"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"required_if=Enabled true"`
	Secret  string `yaml:"secret"`
}

// FeedsConfig lists RSS/Atom feeds imported as content items.
type FeedsConfig struct {
	MaxAge string `yaml:"max_age"`
	// Interval between imports in the daemon; empty disables polling.
	Interval string     `yaml:"interval"`
	Include  []string   `yaml:"include"`
	Exclude  []string   `yaml:"exclude"`
	Feeds    []FeedItem `yaml:"feeds" validate:"dive"`
}

// ParseMaxAge returns the oldest entry age the importer keeps.
func (f FeedsConfig) ParseMaxAge() time.Duration {
	return parseDuration(f.MaxAge, 30*24*time.Hour)
}

// ParseInterval returns the polling interval, or zero when disabled.
func (f FeedsConfig) ParseInterval() time.Duration {
	return parseDuration(f.Interval, 0)
}

// FeedItem is a single RSS feed entry.
type FeedItem struct {
	Name string `yaml:"name" validate:"required"`
	URL  string `yaml:"url" validate:"required,url"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./feedrank.db"},
		Cache: CacheConfig{
			Backend:   "badger",
			KeyPrefix: "feedrank:",
			Badger:    BadgerConfig{Path: "./feedrank-cache"},
			Redis:     RedisConfig{Addr: "localhost:6379"},
			Retry:     RetryConfig{MaxRetries: 3, InitialInterval: "50ms"},
			Breaker:   BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: "30s"},
		},
		Ranking: RankingConfig{
			CandidateLimit:   1000,
			WriteBatchSize:   100,
			WritePause:       "100ms",
			FeedCacheTTL:     "2m",
			SettingsCacheTTL: "5m",
		},
		Scheduler: SchedulerConfig{
			CheckInterval: "60s",
			StateTTL:      "168h",
			ResumeOnStart: true,
		},
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Feeds:   FeedsConfig{MaxAge: "720h"},
	}
}

// Load reads configuration from a YAML file, applies env var overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FEEDRANK_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("FEEDRANK_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("FEEDRANK_REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = v
	}
	if v := os.Getenv("FEEDRANK_REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}
	if v := os.Getenv("FEEDRANK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FEEDRANK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FEEDRANK_SLACK_WEBHOOK"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("FEEDRANK_DISCORD_WEBHOOK"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("FEEDRANK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Webhook.URL = v
		cfg.Alerts.Webhook.Enabled = true
	}
	if v := os.Getenv("FEEDRANK_WEBHOOK_SECRET"); v != "" {
		cfg.Alerts.Webhook.Secret = v
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
