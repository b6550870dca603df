package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/elonfeng/bountyradar/pkg/program"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// sqlTime is fixed-width so stored instants compare correctly as text.
const sqlTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sqlx.DB
	opts Options
}

// NewSQLiteStore opens a SQLite database and runs migrations.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, opts: opts.withDefaults()}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type stateRow struct {
	SchemaVersion int    `db:"schema_version"`
	LastCheck     string `db:"last_check"`
	Initialized   bool   `db:"initialized"`
}

type cursorRow struct {
	SourceID   string `db:"source_id"`
	Revision   string `db:"revision"`
	RevisionAt string `db:"revision_at"`
	CheckedAt  string `db:"checked_at"`
}

type programRow struct {
	Key          string `db:"key"`
	Name         string `db:"name"`
	Platform     string `db:"platform"`
	Handle       string `db:"handle"`
	URL          string `db:"url"`
	OffersBounty bool   `db:"offers_bounty"`
	Scopes       string `db:"scopes"`
	MaxSeverity  string `db:"max_severity"`
	FirstSeenAt  string `db:"first_seen_at"`
	LastSeenAt   string `db:"last_seen_at"`
	LastChange   string `db:"last_change"`
}

func (s *SQLiteStore) LoadState(ctx context.Context) (State, error) {
	var row stateRow
	err := s.db.GetContext(ctx, &row, "SELECT schema_version, last_check, initialized FROM tracker_state WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return newState(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load state: %w", err)
	}

	st := State{SchemaVersion: row.SchemaVersion, Initialized: row.Initialized, Sources: make(map[string]Cursor)}
	if err := checkSchema(st); err != nil {
		return State{}, err
	}
	if st.LastCheck, err = parseSQLTime(row.LastCheck); err != nil {
		return State{}, err
	}

	var cursors []cursorRow
	if err := s.db.SelectContext(ctx, &cursors, "SELECT * FROM source_cursors"); err != nil {
		return State{}, fmt.Errorf("load cursors: %w", err)
	}
	for _, c := range cursors {
		cur := Cursor{Revision: c.Revision}
		if cur.RevisionAt, err = parseSQLTime(c.RevisionAt); err != nil {
			return State{}, err
		}
		if cur.CheckedAt, err = parseSQLTime(c.CheckedAt); err != nil {
			return State{}, err
		}
		st.Sources[c.SourceID] = cur
	}
	return normalizeState(st), nil
}

func (s *SQLiteStore) SaveState(ctx context.Context, st State) error {
	st = normalizeState(st)
	return s.inTx(ctx, "save state", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tracker_state (id, schema_version, last_check, initialized)
			VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				schema_version = excluded.schema_version,
				last_check = excluded.last_check,
				initialized = excluded.initialized
		`, st.SchemaVersion, formatSQLTime(st.LastCheck), st.Initialized)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM source_cursors"); err != nil {
			return err
		}
		for id, c := range st.Sources {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO source_cursors (source_id, revision, revision_at, checked_at)
				VALUES (?, ?, ?, ?)
			`, id, c.Revision, formatSQLTime(c.RevisionAt), formatSQLTime(c.CheckedAt))
			if err != nil {
				return fmt.Errorf("cursor %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadCache(ctx context.Context) (map[string]program.Program, error) {
	var rows []programRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM programs ORDER BY key"); err != nil {
		return nil, fmt.Errorf("load programs: %w", err)
	}

	cache := make(map[string]program.Program, len(rows))
	for _, r := range rows {
		p, err := r.program()
		if err != nil {
			return nil, err
		}
		cache[r.Key] = p
	}
	return cache, nil
}

func (s *SQLiteStore) SaveCache(ctx context.Context, cache map[string]program.Program) error {
	kept := evictPrograms(cache, s.opts.cutoff())
	return s.inTx(ctx, "save program cache", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM programs"); err != nil {
			return err
		}
		for _, p := range kept {
			scopes, err := json.Marshal(nonNil(p.Scopes))
			if err != nil {
				return fmt.Errorf("marshal scopes %s: %w", p.Key(), err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO programs (key, name, platform, handle, url, offers_bounty, scopes, max_severity, first_seen_at, last_seen_at, last_change)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, p.Key(), p.Name, p.Platform, p.Handle, p.URL, p.OffersBounty, string(scopes),
				p.MaxSeverity, formatSQLTime(p.FirstSeenAt), formatSQLTime(p.LastSeenAt), p.LastChange)
			if err != nil {
				return fmt.Errorf("insert program %s: %w", p.Key(), err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadChangeLog(ctx context.Context) ([]program.Change, error) {
	var snapshots []string
	if err := s.db.SelectContext(ctx, &snapshots, "SELECT snapshot FROM changes ORDER BY id"); err != nil {
		return nil, fmt.Errorf("load change log: %w", err)
	}

	changes := make([]program.Change, 0, len(snapshots))
	for i, raw := range snapshots {
		var c program.Change
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("%w: change log row %d: %v", ErrCorrupt, i, err)
		}
		changes = append(changes, c)
	}
	return changes, nil
}

func (s *SQLiteStore) AppendChangeLog(ctx context.Context, changes []program.Change) error {
	return s.inTx(ctx, "append change log", func(tx *sqlx.Tx) error {
		for _, c := range changes {
			snap, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("marshal change %s: %w", c.Key(), err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO changes (key, change_type, detected_at, snapshot)
				VALUES (?, ?, ?, ?)
			`, c.Key(), c.Type, formatSQLTime(c.DetectedAt), string(snap))
			if err != nil {
				return fmt.Errorf("insert change %s: %w", c.Key(), err)
			}
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM changes WHERE detected_at < ?", formatSQLTime(s.opts.cutoff()))
		return err
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func (r programRow) program() (program.Program, error) {
	p := program.Program{
		Name:         r.Name,
		Platform:     program.Platform(r.Platform),
		Handle:       r.Handle,
		URL:          r.URL,
		OffersBounty: r.OffersBounty,
		MaxSeverity:  program.Severity(r.MaxSeverity),
		LastChange:   program.ChangeType(r.LastChange),
	}
	if err := json.Unmarshal([]byte(r.Scopes), &p.Scopes); err != nil {
		return program.Program{}, fmt.Errorf("%w: scopes of %s: %v", ErrCorrupt, r.Key, err)
	}
	var err error
	if p.FirstSeenAt, err = parseSQLTime(r.FirstSeenAt); err != nil {
		return program.Program{}, err
	}
	if p.LastSeenAt, err = parseSQLTime(r.LastSeenAt); err != nil {
		return program.Program{}, err
	}
	return p, nil
}

func formatSQLTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(sqlTime)
}

func parseSQLTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(sqlTime, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrCorrupt, s, err)
	}
	return t, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
