package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/elonfeng/bountyradar/internal/store"
	"github.com/elonfeng/bountyradar/pkg/program"
	"github.com/elonfeng/bountyradar/pkg/source"
)

var t0 = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeUpstream is an in-memory repository history keyed by path.
type fakeUpstream struct {
	mu      sync.Mutex
	seq     int
	history map[string][]source.Revision // newest first
	content map[string][]byte            // path@rev

	changesErr map[string]error
	latestErr  map[string]error
	fetchErr   map[string]error
	onFetch    func(path string)

	// staleLatest makes LatestRevision answer with an older revision.
	staleLatest map[string]source.Revision

	calls map[string]int // "method path"
	syncs int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		history:     make(map[string][]source.Revision),
		content:     make(map[string][]byte),
		changesErr:  make(map[string]error),
		latestErr:   make(map[string]error),
		fetchErr:    make(map[string]error),
		staleLatest: make(map[string]source.Revision),
		calls:       make(map[string]int),
	}
}

// commit records a new revision of path at time at and returns its id.
func (f *fakeUpstream) commit(path string, body []byte, at time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("rev%03d", f.seq)
	f.history[path] = append([]source.Revision{{ID: id, At: at}}, f.history[path]...)
	f.content[path+"@"+id] = body
	return id
}

func (f *fakeUpstream) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method+" "+path]
}

func (f *fakeUpstream) setErr(m map[string]error, path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(m, path)
		return
	}
	m[path] = err
}

func (f *fakeUpstream) ChangesSince(ctx context.Context, path string, since time.Time) ([]source.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["changes "+path]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.changesErr[path]; err != nil {
		return nil, err
	}
	out := []source.Revision{}
	for _, r := range f.history[path] {
		if !r.At.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeUpstream) LatestRevision(ctx context.Context, path string) (*source.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["latest "+path]++
	if err := f.latestErr[path]; err != nil {
		return nil, err
	}
	if r, ok := f.staleLatest[path]; ok {
		return &r, nil
	}
	if len(f.history[path]) == 0 {
		return nil, nil
	}
	r := f.history[path][0]
	return &r, nil
}

func (f *fakeUpstream) FetchContent(ctx context.Context, path, revision string) ([]byte, error) {
	f.mu.Lock()
	f.calls["fetch "+path]++
	hook := f.onFetch
	err := f.fetchErr[path]
	body, ok := f.content[path+"@"+revision]
	f.mu.Unlock()

	if hook != nil {
		hook(path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no content for %s@%s", path, revision)
	}
	return body, nil
}

func (f *fakeUpstream) Sync(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return nil
}

type entry struct {
	handle string
	bounty bool
	scopes []string
}

// payload renders entries in the platform's upstream record format.
func payload(t *testing.T, platform program.Platform, entries ...entry) []byte {
	t.Helper()
	records := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		amount := 0
		if e.bounty {
			amount = 500
		}
		rec := map[string]any{"name": e.handle, "domains": e.scopes}
		switch platform {
		case program.PlatformHackerOne:
			rec["handle"] = e.handle
			rec["url"] = "https://hackerone.com/" + e.handle
			rec["offers_bounties"] = e.bounty
		case program.PlatformBugcrowd:
			rec["url"] = "https://bugcrowd.com/" + e.handle
			rec["max_payout"] = amount
		case program.PlatformIntigriti:
			rec["id"] = e.handle
			rec["max_bounty"] = map[string]any{"value": amount, "currency": "EUR"}
		case program.PlatformYesWeHack:
			rec["id"] = e.handle
			rec["max_bounty"] = amount
		case program.PlatformFederacy:
			rec["url"] = "https://www.federacy.com/" + e.handle
			rec["offers_awards"] = e.bounty
		}
		records = append(records, rec)
	}
	data, err := json.Marshal(records)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

type harness struct {
	t       *testing.T
	clock   *clock
	up      *fakeUpstream
	store   *store.FileStore
	tracker *Tracker
	sources []Source
}

func newHarness(t *testing.T, sources []Source) *harness {
	t.Helper()
	c := &clock{now: t0}
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "state"), store.Options{Now: c.Now})
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	up := newFakeUpstream()
	tr := New(up, st, Options{Sources: sources, Now: c.Now, Workers: 2, SourceTimeout: 5 * time.Second})
	return &harness{t: t, clock: c, up: up, store: st, tracker: tr, sources: sources}
}

// publish commits each platform payload plus the index at the current time.
func (h *harness) publish(payloads map[program.Platform][]entry) {
	h.t.Helper()
	now := h.clock.Now()
	for _, s := range h.sources {
		entries, ok := payloads[s.Platform]
		if !ok {
			continue
		}
		h.up.commit(s.Path, payload(h.t, s.Platform, entries...), now)
	}
	h.up.commit(DefaultIndexPath, []byte("example.com\n"), now)
}

func (h *harness) init() {
	h.t.Helper()
	if _, err := h.tracker.Initialize(context.Background()); err != nil {
		h.t.Fatalf("Initialize() error = %v", err)
	}
}

func (h *harness) update() *Result {
	h.t.Helper()
	res, err := h.tracker.Update(context.Background())
	if err != nil {
		h.t.Fatalf("Update() error = %v", err)
	}
	return res
}

func (h *harness) state() store.State {
	h.t.Helper()
	st, err := h.store.LoadState(context.Background())
	if err != nil {
		h.t.Fatalf("LoadState() error = %v", err)
	}
	return st
}

func (h *harness) cache() map[string]program.Program {
	h.t.Helper()
	c, err := h.store.LoadCache(context.Background())
	if err != nil {
		h.t.Fatalf("LoadCache() error = %v", err)
	}
	return c
}

// failingStore wraps a Store and fails selected operations.
type failingStore struct {
	store.Store
	saveStateErr error
}

func (s *failingStore) SaveState(ctx context.Context, st store.State) error {
	if s.saveStateErr != nil {
		return s.saveStateErr
	}
	return s.Store.SaveState(ctx, st)
}

var errBoom = errors.New("boom")

func hackerOneOnly() []Source {
	return []Source{{Platform: program.PlatformHackerOne, Path: "data/hackerone_data.json"}}
}
