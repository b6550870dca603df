package scheduler

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/elonfeng/bountyradar/pkg/alert"
	"github.com/elonfeng/bountyradar/pkg/tracker"
)

// DefaultInterval is used when no poll interval is configured.
const DefaultInterval = 6 * time.Hour

// Updater runs one poll cycle.
type Updater interface {
	Update(ctx context.Context) (*tracker.Result, error)
}

// Scheduler runs periodic update cycles and alerts on discoveries.
type Scheduler struct {
	updater  Updater
	alertMgr *alert.Manager
	interval time.Duration
	log      *slog.Logger
}

// New creates a new scheduler.
func New(u Updater, alertMgr *alert.Manager, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		updater:  u,
		alertMgr: alertMgr,
		interval: interval,
		log:      log.With("component", "scheduler"),
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start.
	s.log.Info("initial update")
	s.RunOnce(ctx)

	s.log.Info("running", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one update and broadcasts any discoveries.
// Errors are logged; the next tick retries.
func (s *Scheduler) RunOnce(ctx context.Context) *tracker.Result {
	res, err := s.updater.Update(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("update failed", "err", err)
		}
		return nil
	}

	s.log.Info("update complete",
		"cycle", res.CycleID,
		"added", len(res.Added),
		"upgraded", len(res.Upgraded),
		"scope_expanded", len(res.ScopeExpanded),
		"sources_checked", res.SourcesChecked,
		"failed", len(res.FailedSources),
	)

	n := alert.FromResult(res)
	if n == nil || !s.alertMgr.HasNotifiers() {
		return res
	}
	if err := s.alertMgr.Broadcast(ctx, n); err != nil {
		s.log.Warn("alert failed", "cycle", res.CycleID, "err", err)
		return res
	}
	s.log.Info("alerted", "cycle", res.CycleID, "changes", res.Total())
	return res
}
