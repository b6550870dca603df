package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/bountyradar/internal/config"
	"github.com/elonfeng/bountyradar/internal/metrics"
	"github.com/elonfeng/bountyradar/internal/scheduler"
	"github.com/elonfeng/bountyradar/internal/store"
	"github.com/elonfeng/bountyradar/pkg/alert"
	"github.com/elonfeng/bountyradar/pkg/program"
	"github.com/elonfeng/bountyradar/pkg/server"
	"github.com/elonfeng/bountyradar/pkg/source"
	"github.com/elonfeng/bountyradar/pkg/tracker"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func buildLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Log.ParseLevel()}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func buildClient(cfg *config.Config) (source.Client, error) {
	u := cfg.Upstream
	switch source.Backend(u.Backend) {
	case source.BackendGitHub:
		return source.NewGitHub(source.GitHubOptions{
			Owner:   u.Owner,
			Repo:    u.Repo,
			Branch:  u.Branch,
			Token:   u.Token,
			APIURL:  u.APIURL,
			RawURL:  u.RawURL,
			Timeout: u.ParseTimeout(),
			Retries: u.Retries,
		}), nil
	case source.BackendFeed:
		return source.NewFeed(source.FeedOptions{
			Owner:   u.Owner,
			Repo:    u.Repo,
			Branch:  u.Branch,
			WebURL:  u.WebURL,
			RawURL:  u.RawURL,
			Timeout: u.ParseTimeout(),
			Retries: u.Retries,
		}), nil
	case source.BackendGit:
		return source.NewGit(source.GitOptions{
			Dir:    config.ExpandHome(u.GitDir),
			Remote: u.GitRemote,
			Branch: u.Branch,
		}), nil
	}
	return nil, fmt.Errorf("unknown upstream backend %q", u.Backend)
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

// platformAliases maps short CLI names to platforms.
var platformAliases = map[string]program.Platform{
	"h1":  program.PlatformHackerOne,
	"bc":  program.PlatformBugcrowd,
	"it":  program.PlatformIntigriti,
	"ywh": program.PlatformYesWeHack,
	"fed": program.PlatformFederacy,
}

// filterSources keeps the configured sources named by names, in configured order.
func filterSources(all []tracker.Source, names []string) ([]tracker.Source, error) {
	if len(names) == 0 {
		return all, nil
	}

	wanted := make(map[program.Platform]bool)
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if p, ok := platformAliases[n]; ok {
			wanted[p] = true
			continue
		}
		wanted[program.Platform(n)] = true
	}

	var out []tracker.Source
	for _, s := range all {
		if wanted[s.Platform] {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no matching platforms for: %s", strings.Join(names, ", "))
	}
	return out, nil
}

// app holds the collaborators shared by every command.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	store   store.Store
	metrics *metrics.Recorder
	tracker *tracker.Tracker
	alerts  *alert.Manager
}

func openApp(platforms []string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := buildLogger(cfg)

	sources, err := filterSources(cfg.Tracker.Sources(), platforms)
	if err != nil {
		return nil, err
	}

	client, err := buildClient(cfg)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.State.StoreConfig(), store.Options{Retention: cfg.State.ParseRetention()})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rec := metrics.New()
	tr := tracker.New(client, st, tracker.Options{
		IndexPath:     cfg.Tracker.IndexPath,
		Sources:       sources,
		Workers:       cfg.Tracker.Workers,
		SourceTimeout: cfg.Tracker.ParseSourceTimeout(),
		ScopePreview:  cfg.Tracker.ScopePreview,
		Logger:        log,
		Metrics:       rec,
		Journal:       store.NewJournal(cfg.State.JournalPath()),
	})

	return &app{
		cfg:     cfg,
		log:     log,
		store:   st,
		metrics: rec,
		tracker: tr,
		alerts:  buildAlertManager(cfg),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func runInit(ctx context.Context) error {
	a, err := openApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintln(os.Stderr, "recording upstream baseline...")
	created, err := a.tracker.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if !created {
		fmt.Println("already initialized; run `bountyradar update` to check for changes")
		return nil
	}
	fmt.Printf("initialized tracking for %d platforms\n", len(a.tracker.Sources()))
	return nil
}

func runUpdate(ctx context.Context, platforms []string, jsonOutput, notify bool) error {
	a, err := openApp(platforms)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintln(os.Stderr, "checking upstream for changes...")
	res, err := a.tracker.Update(ctx)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	if notify {
		if n := alert.FromResult(res); n != nil {
			if !a.alerts.HasNotifiers() {
				fmt.Fprintln(os.Stderr, "no alert destinations configured")
			} else if err := a.alerts.Broadcast(ctx, n); err != nil {
				fmt.Fprintf(os.Stderr, "alert error: %v\n", err)
			}
		}
	}

	if jsonOutput {
		return writeJSON(os.Stdout, res)
	}
	printResult(os.Stdout, res)
	return nil
}

func runShow(ctx context.Context, window time.Duration, jsonOutput bool) error {
	a, err := openApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	changes, err := a.tracker.RecentChanges(ctx, window)
	if err != nil {
		return fmt.Errorf("recent changes: %w", err)
	}

	if jsonOutput {
		return writeJSON(os.Stdout, changes)
	}
	printChanges(os.Stdout, changes, window)
	return nil
}

func runSearch(ctx context.Context, query string, jsonOutput bool) error {
	a, err := openApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	programs, err := a.tracker.Search(ctx, query)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if jsonOutput {
		return writeJSON(os.Stdout, programs)
	}
	if len(programs) == 0 {
		fmt.Printf("no programs match %q\n", query)
		return nil
	}
	return printPrograms(os.Stdout, programs)
}

func runPrograms(ctx context.Context, jsonOutput bool) error {
	a, err := openApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	programs, err := a.tracker.Programs(ctx)
	if err != nil {
		return fmt.Errorf("list programs: %w", err)
	}

	if jsonOutput {
		return writeJSON(os.Stdout, programs)
	}
	if len(programs) == 0 {
		fmt.Println("no programs cached yet (run: bountyradar update)")
		return nil
	}
	return printPrograms(os.Stdout, programs)
}

func runServe(ctx context.Context, port int) error {
	a, err := openApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	srv := server.New(a.tracker, server.Options{
		Port:    port,
		Alerts:  a.alerts,
		Metrics: a.metrics.Handler(),
		Logger:  a.log,
	})
	return srv.ListenAndServe(ctx)
}

func runDaemon(ctx context.Context, port int) error {
	a, err := openApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	sched := scheduler.New(a.tracker, a.alerts, a.cfg.Schedule.ParseInterval(), a.log)
	srv := server.New(a.tracker, server.Options{
		Port:    port,
		Alerts:  a.alerts,
		Metrics: a.metrics.Handler(),
		Logger:  a.log,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})

	err = g.Wait()
	fmt.Fprintln(os.Stderr, "shutting down...")
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
