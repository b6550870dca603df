package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/elonfeng/bountyradar/internal/metrics"
	"github.com/elonfeng/bountyradar/pkg/alert"
	"github.com/elonfeng/bountyradar/pkg/program"
	"github.com/elonfeng/bountyradar/pkg/tracker"
)

type stubTracker struct {
	updateErr error
	window    time.Duration
	query     string
	updates   int
}

func (s *stubTracker) Update(ctx context.Context) (*tracker.Result, error) {
	s.updates++
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return &tracker.Result{
		Added:          []program.Program{{Name: "Acme", Platform: program.PlatformBugcrowd, Handle: "acme"}},
		Upgraded:       []program.Program{},
		ScopeExpanded:  []program.Program{},
		SourcesChecked: 5,
		FailedSources:  []string{},
		CycleID:        "c1",
	}, nil
}

func (s *stubTracker) RecentChanges(ctx context.Context, window time.Duration) ([]program.Change, error) {
	s.window = window
	return []program.Change{{Type: program.ChangeAdded}}, nil
}

func (s *stubTracker) Search(ctx context.Context, query string) ([]program.Program, error) {
	s.query = query
	return []program.Program{{Handle: "acme"}}, nil
}

func (s *stubTracker) Programs(ctx context.Context) ([]program.Program, error) {
	return []program.Program{{Handle: "acme"}, {Handle: "globex"}}, nil
}

func (s *stubTracker) Status(ctx context.Context) (*tracker.Status, error) {
	return &tracker.Status{Initialized: true, CachedPrograms: 2}, nil
}

type countingNotifier struct{ sent int }

func (c *countingNotifier) Name() string { return "count" }

func (c *countingNotifier) Send(ctx context.Context, n *alert.Notification) error {
	c.sent++
	return nil
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s %s: %v", method, target, err)
		}
	}
	return rec, body
}

func TestHealthAndStatus(t *testing.T) {
	h := New(&stubTracker{}, Options{}).Handler()

	rec, body := do(t, h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("/health = %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodGet, "/api/v1/status")
	if rec.Code != http.StatusOK || body["initialized"] != true || body["cached_programs"] != float64(2) {
		t.Errorf("/api/v1/status = %d %v", rec.Code, body)
	}
}

func TestUpdate(t *testing.T) {
	st := &stubTracker{}
	n := &countingNotifier{}
	h := New(st, Options{Alerts: alert.NewManager([]alert.Notifier{n})}).Handler()

	rec, _ := do(t, h, http.MethodGet, "/api/v1/update")
	if rec.Code != http.StatusMethodNotAllowed || st.updates != 0 {
		t.Errorf("GET /api/v1/update = %d, updates = %d", rec.Code, st.updates)
	}

	rec, body := do(t, h, http.MethodPost, "/api/v1/update")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/v1/update = %d", rec.Code)
	}
	res, _ := body["result"].(map[string]any)
	if res["cycle_id"] != "c1" || res["sources_checked"] != float64(5) {
		t.Errorf("result = %v", res)
	}
	if n.sent != 1 {
		t.Errorf("notifications = %d, want 1", n.sent)
	}

	st.updateErr = errors.New("corrupt state")
	rec, body = do(t, h, http.MethodPost, "/api/v1/update")
	if rec.Code != http.StatusInternalServerError || body["error"] != "corrupt state" {
		t.Errorf("failing update = %d %v", rec.Code, body)
	}
}

func TestChanges(t *testing.T) {
	st := &stubTracker{}
	h := New(st, Options{}).Handler()

	rec, body := do(t, h, http.MethodGet, "/api/v1/changes")
	if rec.Code != http.StatusOK || st.window != 24*time.Hour || body["count"] != float64(1) {
		t.Errorf("default window = %d %s %v", rec.Code, st.window, body)
	}

	do(t, h, http.MethodGet, "/api/v1/changes?hours=168")
	if st.window != 168*time.Hour {
		t.Errorf("window = %s, want 168h", st.window)
	}

	for _, bad := range []string{"abc", "0", "-3"} {
		rec, _ := do(t, h, http.MethodGet, "/api/v1/changes?hours="+bad)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("hours=%s = %d, want 400", bad, rec.Code)
		}
	}
}

func TestPrograms(t *testing.T) {
	st := &stubTracker{}
	h := New(st, Options{}).Handler()

	_, body := do(t, h, http.MethodGet, "/api/v1/programs")
	if body["count"] != float64(2) {
		t.Errorf("list count = %v", body["count"])
	}

	_, body = do(t, h, http.MethodGet, "/api/v1/programs?q=acme")
	if body["count"] != float64(1) || st.query != "acme" {
		t.Errorf("search = %v, query %q", body, st.query)
	}
}

func TestMetricsRoute(t *testing.T) {
	h := New(&stubTracker{}, Options{}).Handler()
	if rec, _ := do(t, h, http.MethodGet, "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("/metrics without recorder = %d, want 404", rec.Code)
	}

	m := metrics.New()
	m.SetCachedPrograms(7)
	h = New(&stubTracker{}, Options{Metrics: m.Handler()}).Handler()
	rec, _ := do(t, h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "bountyradar_cached_programs 7") {
		t.Errorf("/metrics = %d\n%s", rec.Code, rec.Body.String())
	}
}
