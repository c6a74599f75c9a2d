package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Ranking.ParseWritePause() != 100*time.Millisecond {
		t.Errorf("write pause = %v", cfg.Ranking.ParseWritePause())
	}
	if cfg.Scheduler.ParseCheckInterval() != time.Minute {
		t.Errorf("check interval = %v", cfg.Scheduler.ParseCheckInterval())
	}
	if cfg.Scheduler.ParseStateTTL() != 7*24*time.Hour {
		t.Errorf("state ttl = %v", cfg.Scheduler.ParseStateTTL())
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/ranked.db
cache:
  backend: redis
  redis:
    addr: redis:6379
ranking:
  write_batch_size: 50
  feed_cache_ttl: 30s
feeds:
  feeds:
    - name: blog
      url: https://example.com/feed.xml
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/tmp/ranked.db" || cfg.Cache.Backend != "redis" || cfg.Cache.Redis.Addr != "redis:6379" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Ranking.WriteBatchSize != 50 || cfg.Ranking.CandidateLimit != 1000 {
		t.Errorf("unexpected ranking config: %+v", cfg.Ranking)
	}
	if cfg.Ranking.ParseFeedCacheTTL() != 30*time.Second {
		t.Errorf("feed ttl = %v", cfg.Ranking.ParseFeedCacheTTL())
	}
	if len(cfg.Feeds.Feeds) != 1 {
		t.Errorf("expected one feed, got %v", cfg.Feeds.Feeds)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("FEEDRANK_DB_PATH", "/data/env.db")
	t.Setenv("FEEDRANK_PORT", "9090")
	t.Setenv("FEEDRANK_WEBHOOK_URL", "https://hooks.example.com/x")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/data/env.db" || cfg.Server.Port != 9090 {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
	if !cfg.Alerts.Webhook.Enabled {
		t.Error("webhook URL should enable the webhook notifier")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := map[string]string{
		"backend": "cache:\n  backend: memcached\n",
		"batch":   "ranking:\n  write_batch_size: 0\n",
		"port":    "server:\n  port: 70000\n",
		"slack":   "alerts:\n  slack:\n    enabled: true\n",
		"feed":    "feeds:\n  feeds:\n    - name: x\n      url: not a url\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseDurationFallback(t *testing.T) {
	r := RankingConfig{WritePause: "nonsense", SettingsCacheTTL: "-1s"}
	if r.ParseWritePause() != 100*time.Millisecond {
		t.Errorf("bad duration should fall back, got %v", r.ParseWritePause())
	}
	if r.ParseSettingsCacheTTL() != 5*time.Minute {
		t.Errorf("negative duration should fall back, got %v", r.ParseSettingsCacheTTL())
	}
}
