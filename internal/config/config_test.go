package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/elonfeng/bountyradar/internal/store"
	"github.com/elonfeng/bountyradar/pkg/program"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"BOUNTYRADAR_STATE_DIR", "BOUNTYRADAR_STATE_BACKEND", "BOUNTYRADAR_REDIS_URL",
		"GITHUB_TOKEN", "SLACK_WEBHOOK_URL", "DISCORD_WEBHOOK_URL",
		"BOUNTYRADAR_WEBHOOK_URL", "BOUNTYRADAR_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if got := len(cfg.Tracker.Sources()); got != len(program.AllPlatforms()) {
		t.Errorf("default sources = %d, want %d", got, len(program.AllPlatforms()))
	}
	if cfg.State.ParseRetention() != store.DefaultRetention {
		t.Errorf("retention = %s", cfg.State.ParseRetention())
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bountyradar.yaml")
	data := `
state:
  backend: sqlite
  dir: /var/lib/bountyradar
  retention: 168h
upstream:
  backend: feed
tracker:
  workers: 2
  platforms:
    - id: hackerone
      path: data/hackerone_data.json
schedule:
  interval: 30m
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	t.Setenv("BOUNTYRADAR_WEBHOOK_URL", "https://hooks.example.com/x")
	t.Setenv("BOUNTYRADAR_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.State.Backend != "sqlite" || cfg.State.ParseRetention() != 168*time.Hour {
		t.Errorf("state = %+v", cfg.State)
	}
	if got := cfg.State.StoreConfig().SQLitePath; got != "/var/lib/bountyradar/bountyradar.db" {
		t.Errorf("sqlite path = %q", got)
	}
	if cfg.Upstream.Owner != "arkadiyt" || cfg.Upstream.Token != "ghp_test" {
		t.Errorf("upstream = %+v, want defaults kept and token from env", cfg.Upstream)
	}
	if cfg.Tracker.Workers != 2 || len(cfg.Tracker.Platforms) != 1 {
		t.Errorf("tracker = %+v", cfg.Tracker)
	}
	if cfg.Schedule.ParseInterval() != 30*time.Minute {
		t.Errorf("interval = %s", cfg.Schedule.ParseInterval())
	}
	if !cfg.Alerts.Webhook.Enabled || cfg.Alerts.Webhook.URL != "https://hooks.example.com/x" {
		t.Errorf("webhook = %+v", cfg.Alerts.Webhook)
	}
	if cfg.Log.ParseLevel() != slog.LevelWarn {
		t.Errorf("log level = %v, want warn", cfg.Log.ParseLevel())
	}
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) error = nil")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("state: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("Load(bad) error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"state backend", func(c *Config) { c.State.Backend = "etcd" }, `unknown state backend "etcd"`},
		{"redis url", func(c *Config) { c.State.Backend = "redis" }, "redis_url"},
		{"upstream backend", func(c *Config) { c.Upstream.Backend = "svn" }, `unknown upstream backend "svn"`},
		{"git dir", func(c *Config) { c.Upstream.Backend = "git"; c.Upstream.GitDir = "" }, "git_dir"},
		{"repo", func(c *Config) { c.Upstream.Repo = "" }, "upstream.repo"},
		{"platform", func(c *Config) {
			c.Tracker.Platforms = append(c.Tracker.Platforms, PlatformConfig{ID: "openbugbounty", Path: "x.json"})
		}, `unknown platform "openbugbounty"`},
		{"duplicate", func(c *Config) {
			c.Tracker.Platforms = append(c.Tracker.Platforms, c.Tracker.Platforms[0])
		}, "listed twice"},
		{"path", func(c *Config) { c.Tracker.Platforms[0].Path = "" }, "has no path"},
		{"index", func(c *Config) { c.Tracker.IndexPath = "" }, "index_path"},
		{"webhook", func(c *Config) { c.Alerts.Webhook.Enabled = true }, "alerts.webhook.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := Default()
	cfg.State.Retention = "forever"
	cfg.Upstream.Timeout = ""
	cfg.Tracker.SourceTimeout = "-1s"
	cfg.Schedule.Interval = "soon"
	cfg.Log.Level = "loud"

	if cfg.State.ParseRetention() != store.DefaultRetention {
		t.Errorf("retention = %s", cfg.State.ParseRetention())
	}
	if cfg.Upstream.ParseTimeout() != 30*time.Second {
		t.Errorf("timeout = %s", cfg.Upstream.ParseTimeout())
	}
	if cfg.Tracker.ParseSourceTimeout() != 2*time.Minute {
		t.Errorf("source timeout = %s", cfg.Tracker.ParseSourceTimeout())
	}
	if cfg.Schedule.ParseInterval() != 6*time.Hour {
		t.Errorf("interval = %s", cfg.Schedule.ParseInterval())
	}
	if cfg.Log.ParseLevel() != slog.LevelInfo {
		t.Errorf("level = %v", cfg.Log.ParseLevel())
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/.bountyradar"); got != filepath.Join(home, ".bountyradar") {
		t.Errorf("ExpandHome(~/.bountyradar) = %q", got)
	}
	if got := ExpandHome("/abs/~x"); got != "/abs/~x" {
		t.Errorf("ExpandHome(/abs/~x) = %q", got)
	}
	if got := ExpandHome("~user/x"); got != "~user/x" {
		t.Errorf("ExpandHome(~user/x) = %q", got)
	}
}
