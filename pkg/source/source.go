package source

import (
	"context"
	"time"
)

// Revision is an opaque marker of how far a path's history has been consumed.
type Revision struct {
	ID string    `json:"id"`
	At time.Time `json:"at"`
}

// Client is the read API over the upstream content repository.
// Implementations know nothing about program semantics.
type Client interface {
	// ChangesSince lists revisions touching path at or after since, newest first.
	// An empty slice means nothing changed. Errors mean "unknown".
	ChangesSince(ctx context.Context, path string, since time.Time) ([]Revision, error)

	// LatestRevision returns the newest revision touching path, or nil if there is none.
	LatestRevision(ctx context.Context, path string) (*Revision, error)

	// FetchContent returns the raw bytes of path at revision ("" = branch head).
	FetchContent(ctx context.Context, path, revision string) ([]byte, error)
}

// Syncer is implemented by clients that keep a local copy of the upstream
// and need to refresh it before a poll cycle.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Backend names a Client implementation.
type Backend string

const (
	BackendGitHub Backend = "github"
	BackendGit    Backend = "git"
	BackendFeed   Backend = "feed"
)

// AllBackends returns all known client backends.
func AllBackends() []Backend {
	return []Backend{BackendGitHub, BackendGit, BackendFeed}
}
