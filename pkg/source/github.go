package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// GitHubOptions configures the GitHub REST backend.
type GitHubOptions struct {
	Owner   string
	Repo    string
	Branch  string
	Token   string
	APIURL  string // default https://api.github.com
	RawURL  string // default https://raw.githubusercontent.com
	Timeout time.Duration
	Retries int
}

// GitHub reads repository history through the GitHub commits API and raw content host.
type GitHub struct {
	fetch *fetcher
	opts  GitHubOptions
}

// NewGitHub creates a new GitHub REST client.
func NewGitHub(opts GitHubOptions) *GitHub {
	if opts.APIURL == "" {
		opts.APIURL = "https://api.github.com"
	}
	if opts.RawURL == "" {
		opts.RawURL = "https://raw.githubusercontent.com"
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	opts.APIURL = strings.TrimRight(opts.APIURL, "/")
	opts.RawURL = strings.TrimRight(opts.RawURL, "/")

	return &GitHub{
		fetch: newFetcher(opts.Timeout, opts.Retries, opts.Token),
		opts:  opts,
	}
}

func (g *GitHub) ChangesSince(ctx context.Context, path string, since time.Time) ([]Revision, error) {
	params := url.Values{}
	params.Set("path", path)
	params.Set("sha", g.opts.Branch)
	params.Set("per_page", "100")
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339))
	}

	commits, err := g.listCommits(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("list commits for %s: %w", path, err)
	}
	return commits, nil
}

func (g *GitHub) LatestRevision(ctx context.Context, path string) (*Revision, error) {
	params := url.Values{}
	params.Set("path", path)
	params.Set("sha", g.opts.Branch)
	params.Set("per_page", "1")

	commits, err := g.listCommits(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("latest commit for %s: %w", path, err)
	}
	if len(commits) == 0 {
		return nil, nil
	}
	return &commits[0], nil
}

func (g *GitHub) FetchContent(ctx context.Context, path, revision string) ([]byte, error) {
	ref := revision
	if ref == "" {
		ref = g.opts.Branch
	}
	rawURL := fmt.Sprintf("%s/%s/%s/%s/%s", g.opts.RawURL, g.opts.Owner, g.opts.Repo, ref, strings.TrimLeft(path, "/"))

	body, err := g.fetch.get(ctx, rawURL, "")
	if err != nil {
		return nil, fmt.Errorf("fetch %s@%s: %w", path, ref, err)
	}
	return body, nil
}

func (g *GitHub) listCommits(ctx context.Context, params url.Values) ([]Revision, error) {
	reqURL := fmt.Sprintf("%s/repos/%s/%s/commits?%s", g.opts.APIURL, g.opts.Owner, g.opts.Repo, params.Encode())

	body, err := g.fetch.get(ctx, reqURL, "application/vnd.github+json")
	if err != nil {
		return nil, err
	}

	var commits []ghCommit
	if err := json.Unmarshal(body, &commits); err != nil {
		return nil, fmt.Errorf("decode github commits: %w", err)
	}

	revs := make([]Revision, 0, len(commits))
	for _, c := range commits {
		at := c.Commit.Committer.Date
		if at.IsZero() {
			at = c.Commit.Author.Date
		}
		revs = append(revs, Revision{ID: c.SHA, At: at.UTC()})
	}
	return revs, nil
}

type ghCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Author    ghSignature `json:"author"`
		Committer ghSignature `json:"committer"`
		Message   string      `json:"message"`
	} `json:"commit"`
}

type ghSignature struct {
	Name string    `json:"name"`
	Date time.Time `json:"date"`
}
