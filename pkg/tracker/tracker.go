// Package tracker detects meaningful changes in bug bounty program listings
// with a cheap index gate followed by per-platform analysis.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/bountyradar/internal/metrics"
	"github.com/elonfeng/bountyradar/internal/store"
	"github.com/elonfeng/bountyradar/pkg/program"
	"github.com/elonfeng/bountyradar/pkg/source"
)

// Result summarises one update cycle.
type Result struct {
	Added          []program.Program `json:"added"`
	Upgraded       []program.Program `json:"upgraded"`
	ScopeExpanded  []program.Program `json:"scope_expanded"`
	SourcesChecked int               `json:"sources_checked"`
	FailedSources  []string          `json:"failed_sources"`
	DurationMs     int64             `json:"duration_ms"`
	CycleID        string            `json:"cycle_id"`
}

// Total returns the number of detected changes.
func (r *Result) Total() int {
	return len(r.Added) + len(r.Upgraded) + len(r.ScopeExpanded)
}

func newResult(cycleID string) *Result {
	return &Result{
		Added:         []program.Program{},
		Upgraded:      []program.Program{},
		ScopeExpanded: []program.Program{},
		FailedSources: []string{},
		CycleID:       cycleID,
	}
}

// Tracker runs update cycles against a source client and persists results.
// Update and Initialize are serialized; queries may run concurrently.
type Tracker struct {
	client source.Client
	store  store.Store
	opts   Options
	log    *slog.Logger

	mu sync.Mutex
}

// New creates a tracker.
func New(client source.Client, st store.Store, opts Options) *Tracker {
	opts = opts.withDefaults()
	return &Tracker{
		client: client,
		store:  st,
		opts:   opts,
		log:    opts.Logger,
	}
}

// Sources returns the tracked sources in configured order.
func (t *Tracker) Sources() []Source {
	return append([]Source(nil), t.opts.Sources...)
}

// Initialize records the current upstream revisions as the baseline.
// It reports false if the tracker was already initialized.
func (t *Tracker) Initialize(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.store.LoadState(ctx)
	if err != nil {
		return false, fmt.Errorf("load state: %w", err)
	}
	if st.Initialized {
		return false, nil
	}
	t.sync(ctx, t.log)
	if err := t.initialize(ctx, st, t.opts.Now().UTC(), t.log); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tracker) initialize(ctx context.Context, st store.State, start time.Time, log *slog.Logger) error {
	st = st.Clone()

	paths := map[string]string{store.IndexCursor: t.opts.IndexPath}
	for _, s := range t.opts.Sources {
		paths[s.ID()] = s.Path
	}

	for id, path := range paths {
		cur := store.Cursor{CheckedAt: start}
		rev, err := t.latest(ctx, path)
		switch {
		case err != nil:
			log.Warn("latest revision unavailable", "source", id, "err", err)
		case rev != nil:
			cur.Revision = rev.ID
			cur.RevisionAt = rev.At
		}
		st.Sources[id] = cur
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	st.LastCheck = start
	st.Initialized = true
	if err := t.store.SaveState(ctx, st); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	log.Info("tracker initialized", "sources", len(t.opts.Sources), "last_check", start)
	return nil
}

type gateResult int

const (
	gateUnchanged gateResult = iota
	gateChanged
	gateUnknown
)

// Update runs one detection cycle. An uninitialized tracker is initialized
// instead and an empty result returned.
func (t *Tracker) Update(ctx context.Context) (*Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.opts.Now().UTC()
	res := newResult(uuid.NewString())
	log := t.log.With("cycle_id", res.CycleID)

	res, err := t.update(ctx, start, res, log)
	elapsed := t.opts.Now().Sub(start)
	if err != nil {
		t.opts.Metrics.ObserveCycle(metrics.OutcomeFailed, elapsed)
		return nil, err
	}
	res.DurationMs = elapsed.Milliseconds()
	return res, nil
}

func (t *Tracker) update(ctx context.Context, start time.Time, res *Result, log *slog.Logger) (*Result, error) {
	st, err := t.store.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	t.sync(ctx, log)

	if !st.Initialized {
		log.Info("tracker not initialized, initializing")
		if err := t.initialize(ctx, st, start, log); err != nil {
			return nil, err
		}
		t.opts.Metrics.ObserveCycle(metrics.OutcomeSkipped, t.opts.Now().Sub(start))
		return res, nil
	}

	// Tier 1: one history query on the index file.
	gate, indexRev := t.checkIndex(ctx, st, log)
	lagging := t.lagging(st)

	set := lagging
	if gate == gateChanged {
		set = t.opts.Sources
	}

	next := st.Clone()
	inSet := make(map[string]bool, len(set))
	for _, s := range set {
		inSet[s.ID()] = true
	}

	if len(set) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("update cancelled: %w", err)
		}
		if gate == gateUnknown {
			log.Info("index state unknown, nothing advanced")
			t.opts.Metrics.ObserveCycle(metrics.OutcomeSkipped, t.opts.Now().Sub(start))
			return res, nil
		}
		t.advanceGate(&next, start, nil, inSet)
		if err := t.store.SaveState(ctx, next); err != nil {
			return nil, fmt.Errorf("save state: %w", err)
		}
		log.Info("no upstream changes")
		t.opts.Metrics.ObserveCycle(metrics.OutcomeSkipped, t.opts.Now().Sub(start))
		return res, nil
	}

	// Tier 2: per-source analysis in parallel, merged below by a single writer.
	outcomes := t.analyze(ctx, st, set, log)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("update cancelled: %w", err)
	}

	cache, err := t.store.LoadCache(ctx)
	if err != nil {
		return nil, fmt.Errorf("load program cache: %w", err)
	}

	var changes []program.Change
	fetched := false
	res.SourcesChecked = len(set)
	settled := make(map[program.Platform]bool, len(outcomes))

	for _, o := range outcomes {
		t.opts.Metrics.SourceChecked(o.src.ID(), o.status)

		switch o.status {
		case metrics.StatusFailed:
			res.FailedSources = append(res.FailedSources, o.src.ID())
			settled[o.src.Platform] = true
			continue
		case metrics.StatusFetched:
			fetched = true
			settled[o.src.Platform] = true
			changes = append(changes, classify(cache, o.programs, start, res)...)
		}

		cur := next.Sources[o.src.ID()]
		cur.CheckedAt = start
		if o.revision != nil {
			cur = advanceRevision(cur, *o.revision, log.With("source", o.src.ID()))
		}
		next.Sources[o.src.ID()] = cur
	}

	if gate != gateUnknown {
		t.advanceGate(&next, start, indexRev, inSet)
	}

	if len(changes) > 0 {
		if err := t.store.AppendChangeLog(ctx, changes); err != nil {
			return nil, fmt.Errorf("append change log: %w", err)
		}
	}
	if fetched {
		touchUnfetched(cache, settled, start)
		if err := t.store.SaveCache(ctx, cache); err != nil {
			return nil, fmt.Errorf("save program cache: %w", err)
		}
		t.recordCacheSize(ctx, log)
	}
	if err := t.store.SaveState(ctx, next); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	t.opts.Metrics.ChangesDetected(string(program.ChangeAdded), len(res.Added))
	t.opts.Metrics.ChangesDetected(string(program.ChangeUpgraded), len(res.Upgraded))
	t.opts.Metrics.ChangesDetected(string(program.ChangeScopeExpanded), len(res.ScopeExpanded))

	res.DurationMs = t.opts.Now().Sub(start).Milliseconds()
	cycle := metrics.OutcomeUnchanged
	if res.Total() > 0 {
		cycle = metrics.OutcomeChanged
		t.journal(res, start, log)
	}
	t.opts.Metrics.ObserveCycle(cycle, t.opts.Now().Sub(start))

	log.Info("update complete",
		"added", len(res.Added),
		"upgraded", len(res.Upgraded),
		"scope_expanded", len(res.ScopeExpanded),
		"sources_checked", res.SourcesChecked,
		"failed", len(res.FailedSources),
	)
	return res, nil
}

// checkIndex asks whether the index file moved since the oldest clock in st.
// Errors are logged and reported as gateUnknown.
func (t *Tracker) checkIndex(ctx context.Context, st store.State, log *slog.Logger) (gateResult, *source.Revision) {
	since := st.LastCheck
	for _, s := range t.opts.Sources {
		if cur, ok := st.Cursor(s.ID()); ok && !cur.CheckedAt.IsZero() && cur.CheckedAt.Before(since) {
			since = cur.CheckedAt
		}
	}

	cctx, cancel := context.WithTimeout(ctx, t.opts.SourceTimeout)
	defer cancel()

	revs, err := t.client.ChangesSince(cctx, t.opts.IndexPath, since)
	if err != nil {
		log.Warn("index check failed, treating as unchanged", "path", t.opts.IndexPath, "err", err)
		return gateUnknown, nil
	}
	if len(revs) == 0 {
		return gateUnchanged, nil
	}
	log.Info("index changed", "path", t.opts.IndexPath, "revisions", len(revs), "since", since)
	return gateChanged, &revs[0]
}

// lagging returns sources whose own clock is behind the global one, i.e.
// sources that failed or were added since the last completed check.
func (t *Tracker) lagging(st store.State) []Source {
	var out []Source
	for _, s := range t.opts.Sources {
		cur, ok := st.Cursor(s.ID())
		if !ok || cur.CheckedAt.Before(st.LastCheck) {
			out = append(out, s)
		}
	}
	return out
}

// advanceGate moves the global clock and the clocks of sources outside the
// tier-2 set to start. Analysed sources only move when their analysis succeeds.
func (t *Tracker) advanceGate(st *store.State, start time.Time, indexRev *source.Revision, analysed map[string]bool) {
	idx := st.Sources[store.IndexCursor]
	idx.CheckedAt = start
	if indexRev != nil {
		idx = advanceRevision(idx, *indexRev, t.log)
	}
	st.Sources[store.IndexCursor] = idx

	for _, s := range t.opts.Sources {
		if analysed[s.ID()] {
			continue
		}
		cur := st.Sources[s.ID()]
		if cur.CheckedAt.Before(start) {
			cur.CheckedAt = start
		}
		st.Sources[s.ID()] = cur
	}
	st.LastCheck = start
}

// advanceRevision moves cur to rev unless rev is older than what cur holds.
// Undated revisions cannot be ordered and are accepted.
func advanceRevision(cur store.Cursor, rev source.Revision, log *slog.Logger) store.Cursor {
	if !cur.RevisionAt.IsZero() && !rev.At.IsZero() && rev.At.Before(cur.RevisionAt) {
		log.Warn("ignoring older revision", "have", cur.Revision, "got", rev.ID)
		return cur
	}
	cur.Revision = rev.ID
	cur.RevisionAt = rev.At
	return cur
}

// outcome is the result of analysing one source.
type outcome struct {
	src      Source
	status   string
	revision *source.Revision
	programs []program.Program
}

// analyze runs tier-2 analysis for each source in set with bounded parallelism.
// Outcomes are returned in set order.
func (t *Tracker) analyze(ctx context.Context, st store.State, set []Source, log *slog.Logger) []outcome {
	outcomes := make([]outcome, len(set))

	var g errgroup.Group
	g.SetLimit(t.opts.Workers)
	for i, s := range set {
		since := st.LastCheck
		if cur, ok := st.Cursor(s.ID()); ok && !cur.CheckedAt.IsZero() {
			since = cur.CheckedAt
		}
		g.Go(func() error {
			outcomes[i] = t.analyzeSource(ctx, s, since, log.With("source", s.ID()))
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (t *Tracker) analyzeSource(ctx context.Context, s Source, since time.Time, log *slog.Logger) outcome {
	out := outcome{src: s, status: metrics.StatusFailed}

	ctx, cancel := context.WithTimeout(ctx, t.opts.SourceTimeout)
	defer cancel()

	revs, err := t.client.ChangesSince(ctx, s.Path, since)
	if err != nil {
		log.Warn("change check failed, retrying next cycle", "err", err)
		return out
	}
	if len(revs) == 0 {
		log.Debug("no changes")
		out.status = metrics.StatusUpToDate
		return out
	}

	rev := &revs[0]
	latest, err := t.client.LatestRevision(ctx, s.Path)
	switch {
	case err != nil:
		log.Debug("latest revision unavailable, using newest change", "err", err)
	case latest != nil:
		rev = latest
	}

	content, err := t.client.FetchContent(ctx, s.Path, rev.ID)
	if err != nil {
		log.Warn("fetch failed, retrying next cycle", "revision", rev.ID, "err", err)
		return out
	}

	parsed, err := program.Parse(content, s.Platform, t.opts.ScopePreview)
	if err != nil {
		log.Warn("parse failed, retrying next cycle", "revision", rev.ID, "err", err)
		return out
	}
	for _, skipped := range parsed.Skipped {
		log.Debug("skipped record", "err", skipped)
	}
	if len(parsed.Skipped) > 0 {
		log.Warn("skipped malformed records", "count", len(parsed.Skipped))
	}

	log.Info("fetched", "revision", rev.ID, "commits", len(revs), "programs", len(parsed.Programs))
	out.status = metrics.StatusFetched
	out.revision = rev
	out.programs = parsed.Programs
	return out
}

// classify merges freshly parsed programs into cache and returns the change
// records produced. Upgraded takes precedence over ScopeExpanded.
func classify(cache map[string]program.Program, programs []program.Program, now time.Time, res *Result) []program.Change {
	var changes []program.Change
	for _, p := range programs {
		key := p.Key()
		existing, ok := cache[key]

		var ct program.ChangeType
		switch {
		case !ok:
			ct = program.ChangeAdded
			p.FirstSeenAt = now
		case !existing.OffersBounty && p.OffersBounty:
			ct = program.ChangeUpgraded
			p.FirstSeenAt = existing.FirstSeenAt
		case len(p.Scopes) > len(existing.Scopes):
			ct = program.ChangeScopeExpanded
			p.FirstSeenAt = existing.FirstSeenAt
		default:
			existing.LastSeenAt = now
			cache[key] = existing
			continue
		}

		p.LastSeenAt = now
		p.LastChange = ct
		cache[key] = p
		changes = append(changes, program.NewChange(p, ct, now))

		switch ct {
		case program.ChangeAdded:
			res.Added = append(res.Added, p)
		case program.ChangeUpgraded:
			res.Upgraded = append(res.Upgraded, p)
		case program.ChangeScopeExpanded:
			res.ScopeExpanded = append(res.ScopeExpanded, p)
		}
	}
	return changes
}

// touchUnfetched refreshes LastSeenAt on programs whose platform was neither
// re-parsed nor failed this cycle. Their upstream file has not moved, so they
// are still listed and must not age out of the cache.
func touchUnfetched(cache map[string]program.Program, settled map[program.Platform]bool, now time.Time) {
	for key, p := range cache {
		if settled[p.Platform] || !p.LastSeenAt.Before(now) {
			continue
		}
		p.LastSeenAt = now
		cache[key] = p
	}
}

// recordCacheSize reports the persisted cache size, which excludes entries
// evicted on save.
func (t *Tracker) recordCacheSize(ctx context.Context, log *slog.Logger) {
	if t.opts.Metrics == nil {
		return
	}
	kept, err := t.store.LoadCache(ctx)
	if err != nil {
		log.Warn("reload program cache for metrics failed", "err", err)
		return
	}
	t.opts.Metrics.SetCachedPrograms(len(kept))
}

func (t *Tracker) latest(ctx context.Context, path string) (*source.Revision, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.SourceTimeout)
	defer cancel()
	return t.client.LatestRevision(ctx, path)
}

// sync refreshes clients that mirror the upstream locally. Failures are
// logged; the cycle continues against whatever the mirror already holds.
func (t *Tracker) sync(ctx context.Context, log *slog.Logger) {
	syncer, ok := t.client.(source.Syncer)
	if !ok {
		return
	}
	if err := syncer.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("sync upstream mirror failed", "err", err)
	}
}

func (t *Tracker) journal(res *Result, at time.Time, log *slog.Logger) {
	if t.opts.Journal == nil {
		return
	}
	err := t.opts.Journal.Append(store.JournalEntry{
		Timestamp: at,
		CycleID:   res.CycleID,
		Message:   fmt.Sprintf("Discovered %d changes", res.Total()),
		Data:      res,
	})
	if err != nil {
		log.Warn("write discovery journal failed", "err", err)
	}
}
