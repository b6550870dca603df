package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/elonfeng/bountyradar/pkg/program"
)

// SchemaVersion is the current layout of persisted state.
const SchemaVersion = 1

// IndexCursor is the reserved cursor key for the upstream index file.
const IndexCursor = "_index"

// DefaultRetention is how long programs and change records are kept.
const DefaultRetention = 30 * 24 * time.Hour

// ErrCorrupt is returned when a persisted document exists but cannot be decoded.
var ErrCorrupt = errors.New("corrupt state")

// Cursor records how far one upstream path has been consumed.
type Cursor struct {
	Revision   string    `json:"revision"`
	RevisionAt time.Time `json:"revision_at"`
	CheckedAt  time.Time `json:"checked_at"`
}

// State is the tracker's durable bookkeeping.
type State struct {
	SchemaVersion int               `json:"schema_version"`
	LastCheck     time.Time         `json:"last_check"`
	Sources       map[string]Cursor `json:"tracked_sources"`
	Initialized   bool              `json:"initialized"`
}

// Cursor returns the cursor for id and whether one exists.
func (s State) Cursor(id string) (Cursor, bool) {
	c, ok := s.Sources[id]
	return c, ok
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.Sources = make(map[string]Cursor, len(s.Sources))
	for k, v := range s.Sources {
		out.Sources[k] = v
	}
	return out
}

// Store persists tracker state, the program cache and the change log.
// A missing document loads as its zero value; an unreadable one returns ErrCorrupt.
type Store interface {
	LoadState(ctx context.Context) (State, error)
	SaveState(ctx context.Context, st State) error

	LoadCache(ctx context.Context) (map[string]program.Program, error)
	SaveCache(ctx context.Context, cache map[string]program.Program) error

	LoadChangeLog(ctx context.Context) ([]program.Change, error)
	AppendChangeLog(ctx context.Context, changes []program.Change) error

	Close() error
}

// Options holds settings shared by all backends.
type Options struct {
	Retention time.Duration
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) cutoff() time.Time {
	return o.Now().Add(-o.Retention)
}

// Backend names a Store implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
)

// AllBackends returns all known store backends.
func AllBackends() []Backend {
	return []Backend{BackendFile, BackendSQLite, BackendRedis}
}

// newState returns an empty, uninitialized state.
func newState() State {
	return State{SchemaVersion: SchemaVersion, Sources: make(map[string]Cursor)}
}

// normalizeState fills in fields older documents may lack.
func normalizeState(st State) State {
	if st.Sources == nil {
		st.Sources = make(map[string]Cursor)
	}
	if st.SchemaVersion == 0 {
		st.SchemaVersion = SchemaVersion
	}
	return st
}

func checkSchema(st State) error {
	if st.SchemaVersion > SchemaVersion {
		return fmt.Errorf("%w: schema version %d is newer than supported %d", ErrCorrupt, st.SchemaVersion, SchemaVersion)
	}
	return nil
}

// evictPrograms drops programs not seen since cutoff and returns the rest sorted by key.
func evictPrograms(cache map[string]program.Program, cutoff time.Time) []program.Program {
	kept := make([]program.Program, 0, len(cache))
	for _, p := range cache {
		if p.LastSeenAt.Before(cutoff) {
			continue
		}
		kept = append(kept, p)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Key() < kept[j].Key() })
	return kept
}

// evictChanges drops change records detected before cutoff, preserving order.
func evictChanges(changes []program.Change, cutoff time.Time) []program.Change {
	kept := make([]program.Change, 0, len(changes))
	for _, c := range changes {
		if c.DetectedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

func indexPrograms(list []program.Program) map[string]program.Program {
	cache := make(map[string]program.Program, len(list))
	for _, p := range list {
		cache[p.Key()] = p
	}
	return cache
}
