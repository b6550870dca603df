package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/elonfeng/bountyradar/internal/store"
	"github.com/elonfeng/bountyradar/pkg/program"
	"github.com/elonfeng/bountyradar/pkg/source"
	"github.com/elonfeng/bountyradar/pkg/tracker"
)

// Config is the root configuration.
type Config struct {
	State    StateConfig    `yaml:"state"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// StateConfig configures where tracker state lives.
type StateConfig struct {
	Backend    string `yaml:"backend"` // "file", "sqlite" or "redis"
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
	RedisURL   string `yaml:"redis_url"`
	Retention  string `yaml:"retention"`
}

// ParseRetention returns the retention window as time.Duration.
func (s StateConfig) ParseRetention() time.Duration {
	d, err := time.ParseDuration(s.Retention)
	if err != nil || d <= 0 {
		return store.DefaultRetention
	}
	return d
}

// StoreConfig returns the store selection with paths expanded.
func (s StateConfig) StoreConfig() store.Config {
	sqlitePath := s.SQLitePath
	if sqlitePath == "" {
		sqlitePath = filepath.Join(s.Dir, "bountyradar.db")
	}
	return store.Config{
		Backend:    store.Backend(s.Backend),
		Dir:        ExpandHome(s.Dir),
		SQLitePath: ExpandHome(sqlitePath),
		RedisURL:   s.RedisURL,
	}
}

// JournalPath is the discovery journal location under the state dir.
func (s StateConfig) JournalPath() string {
	return filepath.Join(ExpandHome(s.Dir), store.JournalFile)
}

// UpstreamConfig configures the content repository client.
type UpstreamConfig struct {
	Backend   string `yaml:"backend"` // "github", "git" or "feed"
	Owner     string `yaml:"owner"`
	Repo      string `yaml:"repo"`
	Branch    string `yaml:"branch"`
	Token     string `yaml:"token"`
	APIURL    string `yaml:"api_url"`
	RawURL    string `yaml:"raw_url"`
	WebURL    string `yaml:"web_url"`
	GitDir    string `yaml:"git_dir"`
	GitRemote string `yaml:"git_remote"`
	Timeout   string `yaml:"timeout"`
	Retries   int    `yaml:"retries"`
}

// ParseTimeout returns the per-request timeout as time.Duration.
func (u UpstreamConfig) ParseTimeout() time.Duration {
	d, err := time.ParseDuration(u.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// TrackerConfig configures the update cycle.
type TrackerConfig struct {
	IndexPath     string           `yaml:"index_path"`
	Workers       int              `yaml:"workers"`
	SourceTimeout string           `yaml:"source_timeout"`
	ScopePreview  int              `yaml:"scope_preview"`
	Platforms     []PlatformConfig `yaml:"platforms"`
}

// PlatformConfig is one tracked per-platform data file.
type PlatformConfig struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
}

// ParseSourceTimeout returns the per-source timeout as time.Duration.
func (t TrackerConfig) ParseSourceTimeout() time.Duration {
	d, err := time.ParseDuration(t.SourceTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

// Sources converts the configured platforms into tracker sources.
func (t TrackerConfig) Sources() []tracker.Source {
	out := make([]tracker.Source, 0, len(t.Platforms))
	for _, p := range t.Platforms {
		out = append(out, tracker.Source{Platform: program.Platform(p.ID), Path: p.Path})
	}
	return out
}

// ScheduleConfig configures the poll interval of the run command.
type ScheduleConfig struct {
	Interval string `yaml:"interval"`
}

// ParseInterval returns the poll interval as time.Duration.
func (s ScheduleConfig) ParseInterval() time.Duration {
	d, err := time.ParseDuration(s.Interval)
	if err != nil || d <= 0 {
		return 6 * time.Hour
	}
	return d
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
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// ParseLevel returns the slog level, defaulting to info.
func (l LogConfig) ParseLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	platforms := make([]PlatformConfig, 0, 5)
	for _, s := range tracker.DefaultSources() {
		platforms = append(platforms, PlatformConfig{ID: string(s.Platform), Path: s.Path})
	}

	return &Config{
		State: StateConfig{
			Backend:   string(store.BackendFile),
			Dir:       "~/.bountyradar",
			Retention: "720h",
		},
		Upstream: UpstreamConfig{
			Backend: string(source.BackendGitHub),
			Owner:   "arkadiyt",
			Repo:    "bounty-targets-data",
			Branch:  "main",
			GitDir:  "~/.bountyradar/upstream.git",
			Timeout: "30s",
			Retries: 3,
		},
		Tracker: TrackerConfig{
			IndexPath:     tracker.DefaultIndexPath,
			Workers:       4,
			SourceTimeout: "2m",
			ScopePreview:  program.DefaultScopePreview,
			Platforms:     platforms,
		},
		Schedule: ScheduleConfig{Interval: "6h"},
		Alerts:   AlertsConfig{},
		Server:   ServerConfig{Port: 8080},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
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
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BOUNTYRADAR_STATE_DIR"); v != "" {
		cfg.State.Dir = v
	}
	if v := os.Getenv("BOUNTYRADAR_STATE_BACKEND"); v != "" {
		cfg.State.Backend = v
	}
	if v := os.Getenv("BOUNTYRADAR_REDIS_URL"); v != "" {
		cfg.State.RedisURL = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.Upstream.Token = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("BOUNTYRADAR_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Webhook.URL = v
		cfg.Alerts.Webhook.Enabled = true
	}
	if v := os.Getenv("BOUNTYRADAR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate reports every problem in the configuration.
func (c *Config) Validate() error {
	var errs []error

	switch store.Backend(c.State.Backend) {
	case store.BackendFile, store.BackendSQLite:
		if c.State.Dir == "" && c.State.SQLitePath == "" {
			errs = append(errs, errors.New("state.dir is empty"))
		}
	case store.BackendRedis:
		if c.State.RedisURL == "" {
			errs = append(errs, errors.New("state.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown state backend %q", c.State.Backend))
	}

	switch source.Backend(c.Upstream.Backend) {
	case source.BackendGitHub, source.BackendFeed:
		if c.Upstream.Owner == "" || c.Upstream.Repo == "" {
			errs = append(errs, errors.New("upstream.owner and upstream.repo are required"))
		}
	case source.BackendGit:
		if c.Upstream.GitDir == "" {
			errs = append(errs, errors.New("upstream.git_dir is required for the git backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown upstream backend %q", c.Upstream.Backend))
	}

	if c.Tracker.IndexPath == "" {
		errs = append(errs, errors.New("tracker.index_path is empty"))
	}
	if len(c.Tracker.Platforms) == 0 {
		errs = append(errs, errors.New("tracker.platforms is empty"))
	}
	seen := make(map[string]bool)
	for _, p := range c.Tracker.Platforms {
		if !program.Platform(p.ID).Valid() {
			errs = append(errs, fmt.Errorf("unknown platform %q", p.ID))
		}
		if p.Path == "" {
			errs = append(errs, fmt.Errorf("platform %q has no path", p.ID))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("platform %q listed twice", p.ID))
		}
		seen[p.ID] = true
	}

	if c.Alerts.Webhook.Enabled && c.Alerts.Webhook.URL == "" {
		errs = append(errs, errors.New("alerts.webhook.url is required when enabled"))
	}

	return errors.Join(errs...)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
