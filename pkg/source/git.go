package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GitOptions configures the git mirror backend.
type GitOptions struct {
	Dir    string // local repository path
	Remote string // clone/fetch URL; empty uses Dir as-is
	Branch string
}

// Git reads history from a local git repository, optionally mirrored from a remote.
type Git struct {
	opts GitOptions
	mu   sync.Mutex
	repo *git.Repository
}

// NewGit creates a new git-backed client. The repository is opened lazily.
func NewGit(opts GitOptions) *Git {
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	return &Git{opts: opts}
}

// Sync clones the remote on first use and fetches the tracked branch afterwards.
// Without a remote it only opens the local repository.
func (g *Git) Sync(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.opts.Remote == "" {
		_, err := g.openLocked()
		return err
	}

	branchRef := plumbing.NewBranchReferenceName(g.opts.Branch)
	if _, err := os.Stat(g.opts.Dir); errors.Is(err, os.ErrNotExist) {
		repo, err := git.PlainCloneContext(ctx, g.opts.Dir, true, &git.CloneOptions{
			URL:           g.opts.Remote,
			ReferenceName: branchRef,
			SingleBranch:  true,
			Tags:          git.NoTags,
		})
		if err != nil {
			return fmt.Errorf("clone %s: %w", g.opts.Remote, err)
		}
		g.repo = repo
		return nil
	} else if err != nil {
		return fmt.Errorf("stat mirror dir: %w", err)
	}

	repo, err := g.openLocked()
	if err != nil {
		return err
	}
	spec := config.RefSpec(fmt.Sprintf("+%s:%s", branchRef, branchRef))
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []config.RefSpec{spec},
		Force:      true,
		Tags:       git.NoTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch %s: %w", g.opts.Remote, err)
	}
	return nil
}

func (g *Git) ChangesSince(ctx context.Context, path string, since time.Time) ([]Revision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	opts := &git.LogOptions{FileName: &path}
	if !since.IsZero() {
		opts.Since = &since
	}

	var revs []Revision
	err := g.walk(opts, func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		revs = append(revs, toRevision(c))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("log %s: %w", path, err)
	}
	if revs == nil {
		revs = []Revision{}
	}
	return revs, nil
}

func (g *Git) LatestRevision(ctx context.Context, path string) (*Revision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var latest *Revision
	err := g.walk(&git.LogOptions{FileName: &path}, func(c *object.Commit) error {
		rev := toRevision(c)
		latest = &rev
		return io.EOF
	})
	if err != nil {
		return nil, fmt.Errorf("latest commit for %s: %w", path, err)
	}
	return latest, nil
}

func (g *Git) FetchContent(ctx context.Context, path, revision string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	repo, err := g.openLocked()
	if err != nil {
		return nil, err
	}

	var hash plumbing.Hash
	if revision == "" {
		hash, err = g.head(repo)
	} else {
		hash, err = resolveHash(repo, revision)
	}
	if err != nil {
		return nil, err
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commit.File(path)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit %s: %w", path, hash, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s reader: %w", path, err)
	}
	defer reader.Close()

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s bytes: %w", path, err)
	}
	return body, nil
}

// walk iterates the branch log with opts starting at the branch head.
// fn may return io.EOF to stop early.
func (g *Git) walk(opts *git.LogOptions, fn func(*object.Commit) error) error {
	repo, err := g.openLocked()
	if err != nil {
		return err
	}
	head, err := g.head(repo)
	if err != nil {
		return err
	}
	opts.From = head

	iter, err := repo.Log(opts)
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(fn)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (g *Git) openLocked() (*git.Repository, error) {
	if g.repo != nil {
		return g.repo, nil
	}
	repo, err := git.PlainOpen(g.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("open repo %s: %w", g.opts.Dir, err)
	}
	g.repo = repo
	return repo, nil
}

func (g *Git) head(repo *git.Repository) (plumbing.Hash, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(g.opts.Branch), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve branch %s: %w", g.opts.Branch, err)
	}
	return ref.Hash(), nil
}

func resolveHash(repo *git.Repository, rev string) (plumbing.Hash, error) {
	if len(rev) == 40 {
		return plumbing.NewHash(rev), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve revision %s: %w", rev, err)
	}
	return *resolved, nil
}

func toRevision(c *object.Commit) Revision {
	return Revision{ID: c.Hash.String(), At: c.Committer.When.UTC()}
}
