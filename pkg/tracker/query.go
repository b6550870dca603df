package tracker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/elonfeng/bountyradar/internal/store"
	"github.com/elonfeng/bountyradar/pkg/program"
)

// Status is a read-only snapshot of tracker state.
type Status struct {
	Initialized    bool                    `json:"initialized"`
	LastCheck      time.Time               `json:"last_check"`
	Sources        map[string]store.Cursor `json:"tracked_sources"`
	CachedPrograms int                     `json:"cached_programs"`
	ChangeRecords  int                     `json:"change_records"`
}

// RecentChanges returns change records detected within window, newest first.
// A non-positive window returns the whole retained log.
func (t *Tracker) RecentChanges(ctx context.Context, window time.Duration) ([]program.Change, error) {
	changes, err := t.store.LoadChangeLog(ctx)
	if err != nil {
		return nil, fmt.Errorf("load change log: %w", err)
	}

	out := make([]program.Change, 0, len(changes))
	cutoff := t.opts.Now().Add(-window)
	for _, c := range changes {
		if window > 0 && c.DetectedAt.Before(cutoff) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out, nil
}

// Search returns cached programs whose name, platform or handle contains
// query, case-insensitively, sorted by key.
func (t *Tracker) Search(ctx context.Context, query string) ([]program.Program, error) {
	cache, err := t.store.LoadCache(ctx)
	if err != nil {
		return nil, fmt.Errorf("load program cache: %w", err)
	}

	q := strings.ToLower(strings.TrimSpace(query))
	out := []program.Program{}
	for _, p := range cache {
		if strings.Contains(strings.ToLower(p.Name), q) ||
			strings.Contains(strings.ToLower(string(p.Platform)), q) ||
			strings.Contains(strings.ToLower(p.Handle), q) {
			out = append(out, p)
		}
	}
	sortPrograms(out)
	return out, nil
}

// Programs returns every cached program sorted by key.
func (t *Tracker) Programs(ctx context.Context) ([]program.Program, error) {
	cache, err := t.store.LoadCache(ctx)
	if err != nil {
		return nil, fmt.Errorf("load program cache: %w", err)
	}
	out := make([]program.Program, 0, len(cache))
	for _, p := range cache {
		out = append(out, p)
	}
	sortPrograms(out)
	return out, nil
}

// Status reports the persisted state and document sizes.
func (t *Tracker) Status(ctx context.Context) (*Status, error) {
	st, err := t.store.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	cache, err := t.store.LoadCache(ctx)
	if err != nil {
		return nil, fmt.Errorf("load program cache: %w", err)
	}
	changes, err := t.store.LoadChangeLog(ctx)
	if err != nil {
		return nil, fmt.Errorf("load change log: %w", err)
	}
	return &Status{
		Initialized:    st.Initialized,
		LastCheck:      st.LastCheck,
		Sources:        st.Sources,
		CachedPrograms: len(cache),
		ChangeRecords:  len(changes),
	}, nil
}

func sortPrograms(ps []program.Program) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Key() < ps[j].Key() })
}
