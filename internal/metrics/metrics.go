// Package metrics exposes Prometheus instrumentation for poll cycles.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the tracker's collectors. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	cycleDur      prometheus.Summary
	cyclesTotal   *prometheus.CounterVec
	sourceChecks  *prometheus.CounterVec
	changesTotal  *prometheus.CounterVec
	lastSuccessTS prometheus.Gauge
	cachedProgs   prometheus.Gauge
}

// New creates a Recorder backed by its own registry.
func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.cycleDur = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "bountyradar",
		Name:      "cycle_duration_seconds",
		Help:      "Time spent in one update cycle",
	})
	r.cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyradar",
		Name:      "cycles_total",
		Help:      "Update cycles by outcome",
	}, []string{"outcome"})
	r.sourceChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyradar",
		Name:      "source_checks_total",
		Help:      "Per-source tier-2 checks by status",
	}, []string{"source", "status"})
	r.changesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyradar",
		Name:      "changes_total",
		Help:      "Detected program changes by type",
	}, []string{"type"})
	r.lastSuccessTS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountyradar",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last completed update cycle",
	})
	r.cachedProgs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountyradar",
		Name:      "cached_programs",
		Help:      "Programs held in the metadata cache",
	})

	r.registry.MustRegister(
		r.cycleDur, r.cyclesTotal, r.sourceChecks,
		r.changesTotal, r.lastSuccessTS, r.cachedProgs,
	)
	return r
}

// Cycle outcomes.
const (
	OutcomeChanged   = "changed"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Source check statuses.
const (
	StatusUpToDate = "up_to_date"
	StatusFetched  = "fetched"
	StatusFailed   = "failed"
)

// ObserveCycle records one finished cycle.
func (r *Recorder) ObserveCycle(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.cycleDur.Observe(d.Seconds())
	r.cyclesTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeFailed {
		r.lastSuccessTS.Set(float64(time.Now().Unix()))
	}
}

// SourceChecked records the tier-2 result for one source.
func (r *Recorder) SourceChecked(source, status string) {
	if r == nil {
		return
	}
	r.sourceChecks.WithLabelValues(source, status).Inc()
}

// ChangesDetected adds n changes of the given type.
func (r *Recorder) ChangesDetected(changeType string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.changesTotal.WithLabelValues(changeType).Add(float64(n))
}

// SetCachedPrograms records the cache size after a save.
func (r *Recorder) SetCachedPrograms(n int) {
	if r == nil {
		return
	}
	r.cachedProgs.Set(float64(n))
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
