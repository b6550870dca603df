package source

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// FeedOptions configures the commit-feed backend.
type FeedOptions struct {
	Owner   string
	Repo    string
	Branch  string
	WebURL  string // default https://github.com
	RawURL  string // default https://raw.githubusercontent.com
	Timeout time.Duration
	Retries int
}

// Feed reads per-path history from GitHub's public commit Atom feeds.
// It needs no API token and is not subject to the REST rate limit, but each
// feed only lists the most recent commits.
type Feed struct {
	fetch *fetcher
	opts  FeedOptions
}

// NewFeed creates a new commit-feed client.
func NewFeed(opts FeedOptions) *Feed {
	if opts.WebURL == "" {
		opts.WebURL = "https://github.com"
	}
	if opts.RawURL == "" {
		opts.RawURL = "https://raw.githubusercontent.com"
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	opts.WebURL = strings.TrimRight(opts.WebURL, "/")
	opts.RawURL = strings.TrimRight(opts.RawURL, "/")

	return &Feed{
		fetch: newFetcher(opts.Timeout, opts.Retries, ""),
		opts:  opts,
	}
}

func (f *Feed) ChangesSince(ctx context.Context, path string, since time.Time) ([]Revision, error) {
	revs, err := f.entries(ctx, path)
	if err != nil {
		return nil, err
	}

	out := make([]Revision, 0, len(revs))
	for _, r := range revs {
		if r.At.Before(since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *Feed) LatestRevision(ctx context.Context, path string) (*Revision, error) {
	revs, err := f.entries(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, nil
	}
	return &revs[0], nil
}

func (f *Feed) FetchContent(ctx context.Context, path, revision string) ([]byte, error) {
	ref := revision
	if ref == "" {
		ref = f.opts.Branch
	}
	rawURL := fmt.Sprintf("%s/%s/%s/%s/%s", f.opts.RawURL, f.opts.Owner, f.opts.Repo, ref, strings.TrimLeft(path, "/"))

	body, err := f.fetch.get(ctx, rawURL, "")
	if err != nil {
		return nil, fmt.Errorf("fetch %s@%s: %w", path, ref, err)
	}
	return body, nil
}

// entries returns the commits listed in the path's feed, newest first.
func (f *Feed) entries(ctx context.Context, path string) ([]Revision, error) {
	feedURL := fmt.Sprintf("%s/%s/%s/commits/%s/%s.atom", f.opts.WebURL, f.opts.Owner, f.opts.Repo, f.opts.Branch, strings.TrimLeft(path, "/"))

	body, err := f.fetch.get(ctx, feedURL, "application/atom+xml")
	if err != nil {
		return nil, fmt.Errorf("fetch commit feed %s: %w", path, err)
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse commit feed %s: %w", path, err)
	}

	var revs []Revision
	for _, entry := range parsed.Items {
		sha := lastSegment(entry.GUID)
		if sha == "" {
			sha = lastSegment(entry.Link)
		}
		if sha == "" {
			continue
		}

		var at time.Time
		if entry.UpdatedParsed != nil {
			at = entry.UpdatedParsed.UTC()
		} else if entry.PublishedParsed != nil {
			at = entry.PublishedParsed.UTC()
		}
		revs = append(revs, Revision{ID: sha, At: at})
	}
	return revs, nil
}

// lastSegment returns what follows the final "/" of s.
func lastSegment(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return ""
}
