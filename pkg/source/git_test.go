package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type testRepo struct {
	t    *testing.T
	dir  string
	repo *git.Repository
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit() error = %v", err)
	}
	// Point HEAD at main regardless of the host's init.defaultBranch.
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))
	if err := repo.Storer.SetReference(head); err != nil {
		t.Fatalf("set HEAD: %v", err)
	}
	return &testRepo{t: t, dir: dir, repo: repo}
}

func (r *testRepo) commit(path, content string, at time.Time) string {
	r.t.Helper()
	full := filepath.Join(r.dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		r.t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		r.t.Fatalf("write file: %v", err)
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		r.t.Fatalf("Worktree() error = %v", err)
	}
	if _, err := wt.Add(path); err != nil {
		r.t.Fatalf("Add(%s) error = %v", path, err)
	}
	sig := &object.Signature{Name: "bot", Email: "bot@example.com", When: at}
	hash, err := wt.Commit("update "+path, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		r.t.Fatalf("Commit() error = %v", err)
	}
	return hash.String()
}

func TestGitChangesSince(t *testing.T) {
	r := newTestRepo(t)
	t0 := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

	first := r.commit("data/hackerone_data.json", `[]`, t0)
	r.commit("domains.txt", "a.example.com\n", t0.Add(time.Hour))
	third := r.commit("data/hackerone_data.json", `[{"handle":"x"}]`, t0.Add(2*time.Hour))

	g := NewGit(GitOptions{Dir: r.dir, Branch: "main"})
	if err := g.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	revs, err := g.ChangesSince(context.Background(), "data/hackerone_data.json", time.Time{})
	if err != nil {
		t.Fatalf("ChangesSince() error = %v", err)
	}
	if len(revs) != 2 {
		t.Fatalf("expected 2 revisions touching the file, got %d", len(revs))
	}
	if revs[0].ID != third || revs[1].ID != first {
		t.Errorf("unexpected order %+v", revs)
	}

	revs, err = g.ChangesSince(context.Background(), "data/hackerone_data.json", t0.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("ChangesSince() error = %v", err)
	}
	if len(revs) != 1 || revs[0].ID != third {
		t.Fatalf("expected only the newest revision, got %+v", revs)
	}
	if !revs[0].At.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("unexpected commit time %s", revs[0].At)
	}

	revs, err = g.ChangesSince(context.Background(), "domains.txt", t0.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("ChangesSince() error = %v", err)
	}
	if revs == nil || len(revs) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", revs)
	}
}

func TestGitLatestRevisionAndFetch(t *testing.T) {
	r := newTestRepo(t)
	t0 := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

	old := r.commit("data/bugcrowd_data.json", `["old"]`, t0)
	latest := r.commit("data/bugcrowd_data.json", `["new"]`, t0.Add(time.Hour))

	g := NewGit(GitOptions{Dir: r.dir})

	rev, err := g.LatestRevision(context.Background(), "data/bugcrowd_data.json")
	if err != nil {
		t.Fatalf("LatestRevision() error = %v", err)
	}
	if rev == nil || rev.ID != latest {
		t.Fatalf("unexpected revision %+v", rev)
	}

	body, err := g.FetchContent(context.Background(), "data/bugcrowd_data.json", old)
	if err != nil {
		t.Fatalf("FetchContent(old) error = %v", err)
	}
	if string(body) != `["old"]` {
		t.Errorf("unexpected content at %s: %q", old, body)
	}

	body, err = g.FetchContent(context.Background(), "data/bugcrowd_data.json", "")
	if err != nil {
		t.Fatalf("FetchContent(head) error = %v", err)
	}
	if string(body) != `["new"]` {
		t.Errorf("unexpected head content %q", body)
	}

	if _, err := g.FetchContent(context.Background(), "data/missing.json", ""); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestGitLatestRevisionUntouchedPath(t *testing.T) {
	r := newTestRepo(t)
	r.commit("domains.txt", "a.example.com\n", time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC))

	g := NewGit(GitOptions{Dir: r.dir})
	rev, err := g.LatestRevision(context.Background(), "data/yeswehack_data.json")
	if err != nil {
		t.Fatalf("LatestRevision() error = %v", err)
	}
	if rev != nil {
		t.Fatalf("expected nil revision, got %+v", rev)
	}
}

func TestGitSyncClonesAndFetches(t *testing.T) {
	upstream := newTestRepo(t)
	t0 := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	upstream.commit("domains.txt", "a.example.com\n", t0)

	mirror := filepath.Join(t.TempDir(), "mirror")
	g := NewGit(GitOptions{Dir: mirror, Remote: upstream.dir, Branch: "main"})
	if err := g.Sync(context.Background()); err != nil {
		t.Fatalf("initial Sync() error = %v", err)
	}
	if _, err := os.Stat(mirror); err != nil {
		t.Fatalf("mirror not created: %v", err)
	}

	next := upstream.commit("domains.txt", "a.example.com\nb.example.com\n", t0.Add(time.Hour))
	if err := g.Sync(context.Background()); err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}

	rev, err := g.LatestRevision(context.Background(), "domains.txt")
	if err != nil {
		t.Fatalf("LatestRevision() error = %v", err)
	}
	if rev == nil || rev.ID != next {
		t.Fatalf("expected mirror at %s, got %+v", next, rev)
	}

	// Nothing new upstream.
	if err := g.Sync(context.Background()); err != nil {
		t.Fatalf("up-to-date Sync() error = %v", err)
	}
}

func TestGitOpenMissingRepo(t *testing.T) {
	g := NewGit(GitOptions{Dir: filepath.Join(t.TempDir(), "nope")})
	if _, err := g.ChangesSince(context.Background(), "domains.txt", time.Time{}); err == nil {
		t.Fatal("expected error opening missing repository")
	}
}
