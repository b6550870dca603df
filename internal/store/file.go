package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/elonfeng/bountyradar/pkg/program"
)

// File layout relative to the state root.
const (
	stateFile     = "state.json"
	cacheFile     = "cache/programs_metadata.json"
	changeLogFile = "cache/recent_changes.json"
	JournalFile   = "logs/discovery.jsonl"
)

// FileStore keeps each document as a JSON file under a root directory.
// Every write goes to a temp file that is synced and renamed into place.
type FileStore struct {
	root string
	opts Options
}

// NewFileStore creates a file-backed store rooted at dir. The directory is
// created on first write.
func NewFileStore(dir string, opts Options) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("state dir is required")
	}
	return &FileStore{root: dir, opts: opts.withDefaults()}, nil
}

// Root returns the state directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

func (s *FileStore) LoadState(ctx context.Context) (State, error) {
	var st State
	found, err := readJSON(s.path(stateFile), &st)
	if err != nil {
		return State{}, err
	}
	if !found {
		return newState(), nil
	}
	if err := checkSchema(st); err != nil {
		return State{}, err
	}
	return normalizeState(st), nil
}

func (s *FileStore) SaveState(ctx context.Context, st State) error {
	st = normalizeState(st)
	if err := writeJSON(s.path(stateFile), st); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *FileStore) LoadCache(ctx context.Context) (map[string]program.Program, error) {
	var list []program.Program
	if _, err := readJSON(s.path(cacheFile), &list); err != nil {
		return nil, err
	}
	return indexPrograms(list), nil
}

func (s *FileStore) SaveCache(ctx context.Context, cache map[string]program.Program) error {
	kept := evictPrograms(cache, s.opts.cutoff())
	if err := writeJSON(s.path(cacheFile), kept); err != nil {
		return fmt.Errorf("save program cache: %w", err)
	}
	return nil
}

func (s *FileStore) LoadChangeLog(ctx context.Context) ([]program.Change, error) {
	var changes []program.Change
	if _, err := readJSON(s.path(changeLogFile), &changes); err != nil {
		return nil, err
	}
	if changes == nil {
		changes = []program.Change{}
	}
	return changes, nil
}

func (s *FileStore) AppendChangeLog(ctx context.Context, changes []program.Change) error {
	existing, err := s.LoadChangeLog(ctx)
	if err != nil {
		return err
	}
	kept := evictChanges(append(existing, changes...), s.opts.cutoff())
	if err := writeJSON(s.path(changeLogFile), kept); err != nil {
		return fmt.Errorf("save change log: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// readJSON decodes path into dst. It reports false without error when the file
// does not exist, and wraps ErrCorrupt when it exists but does not decode.
func readJSON(path string, dst any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(dst); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrCorrupt, path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return false, fmt.Errorf("%w: %s has trailing content", ErrCorrupt, path)
	}
	return true, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, append(data, '\n'), 0o644)
}

// writeFileAtomic replaces path with data so that readers see either the old
// or the new content, never a partial write.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
