package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const commitFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xml:lang="en-US">
  <id>tag:github.com,2008:/arkadiyt/bounty-targets-data/commits/main</id>
  <title>Recent Commits to bounty-targets-data:main</title>
  <updated>2026-10-03T10:00:00Z</updated>
  <entry>
    <id>tag:github.com,2008:Grit::Commit/3333333333333333333333333333333333333333</id>
    <link type="text/html" rel="alternate" href="https://github.com/arkadiyt/bounty-targets-data/commit/3333333333333333333333333333333333333333"/>
    <title>Update data</title>
    <updated>2026-10-03T10:00:00Z</updated>
  </entry>
  <entry>
    <id>tag:github.com,2008:Grit::Commit/2222222222222222222222222222222222222222</id>
    <link type="text/html" rel="alternate" href="https://github.com/arkadiyt/bounty-targets-data/commit/2222222222222222222222222222222222222222"/>
    <title>Update data</title>
    <updated>2026-10-02T10:00:00Z</updated>
  </entry>
  <entry>
    <id>tag:github.com,2008:Grit::Commit/1111111111111111111111111111111111111111</id>
    <link type="text/html" rel="alternate" href="https://github.com/arkadiyt/bounty-targets-data/commit/1111111111111111111111111111111111111111"/>
    <title>Update data</title>
    <updated>2026-09-30T10:00:00Z</updated>
  </entry>
</feed>`

func newTestFeed(t *testing.T, handler http.HandlerFunc) *Feed {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f := NewFeed(FeedOptions{
		Owner:  "arkadiyt",
		Repo:   "bounty-targets-data",
		WebURL: srv.URL,
		RawURL: srv.URL + "/raw",
	})
	f.fetch.initial = time.Millisecond
	return f
}

func feedHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/arkadiyt/bounty-targets-data/commits/main/domains.txt.atom" {
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Write([]byte(commitFeed))
	}
}

func TestFeedChangesSince(t *testing.T) {
	f := newTestFeed(t, feedHandler(t))

	since := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	revs, err := f.ChangesSince(context.Background(), "domains.txt", since)
	if err != nil {
		t.Fatalf("ChangesSince() error = %v", err)
	}
	if len(revs) != 2 {
		t.Fatalf("expected 2 revisions after %s, got %d", since, len(revs))
	}
	if revs[0].ID != "3333333333333333333333333333333333333333" {
		t.Errorf("unexpected newest sha %q", revs[0].ID)
	}
	if !revs[1].At.Equal(time.Date(2026, 10, 2, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected time %s", revs[1].At)
	}
}

func TestFeedChangesSinceNothingNew(t *testing.T) {
	f := newTestFeed(t, feedHandler(t))

	revs, err := f.ChangesSince(context.Background(), "domains.txt", time.Date(2026, 10, 4, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ChangesSince() error = %v", err)
	}
	if len(revs) != 0 {
		t.Fatalf("expected no revisions, got %d", len(revs))
	}
}

func TestFeedLatestRevision(t *testing.T) {
	f := newTestFeed(t, feedHandler(t))

	rev, err := f.LatestRevision(context.Background(), "domains.txt")
	if err != nil {
		t.Fatalf("LatestRevision() error = %v", err)
	}
	if rev == nil || rev.ID != "3333333333333333333333333333333333333333" {
		t.Fatalf("unexpected revision %+v", rev)
	}
}

func TestFeedMalformed(t *testing.T) {
	f := newTestFeed(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>rate limited</html"))
	})

	if _, err := f.ChangesSince(context.Background(), "domains.txt", time.Time{}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLastSegment(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"tag:github.com,2008:Grit::Commit/abc", "abc"},
		{"https://github.com/o/r/commit/def/", "def"},
		{"no-slash", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := lastSegment(tt.in); got != tt.want {
			t.Errorf("lastSegment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
