package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of one engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	DecisionsStoredTotal  prometheus.Counter
	DecisionsRemovedTotal prometheus.Counter
	CommitFailuresTotal   prometheus.Counter
	CacheLookupsTotal     *prometheus.CounterVec
	RemediationsTotal     *prometheus.CounterVec
	UpstreamQueriesTotal  *prometheus.CounterVec
	RefreshDuration       prometheus.Histogram
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		DecisionsStoredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "remedy",
			Subsystem: "cache",
			Name:      "decisions_stored_total",
			Help:      "Decisions written to the cache by committed batches",
		}),
		DecisionsRemovedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "remedy",
			Subsystem: "cache",
			Name:      "decisions_removed_total",
			Help:      "Decisions removed from the cache by committed batches",
		}),
		CommitFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "remedy",
			Subsystem: "cache",
			Name:      "commit_failures_total",
			Help:      "Deferred write flushes rejected by the backend",
		}),
		CacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedy",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by scope and outcome",
		}, []string{"scope", "result"}),
		RemediationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedy",
			Subsystem: "engine",
			Name:      "remediations_total",
			Help:      "Remediations returned for IP lookups",
		}, []string{"remediation"}),
		UpstreamQueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedy",
			Subsystem: "engine",
			Name:      "upstream_queries_total",
			Help:      "Calls made to the upstream decision source",
		}, []string{"kind", "result"}),
		RefreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "remedy",
			Subsystem: "engine",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of stream refresh cycles",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) DecisionsStored(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DecisionsStoredTotal.Add(float64(n))
}

func (m *Metrics) DecisionsRemoved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DecisionsRemovedTotal.Add(float64(n))
}

func (m *Metrics) CommitFailed() {
	if m == nil {
		return
	}
	m.CommitFailuresTotal.Inc()
}

func (m *Metrics) CacheLookup(scope string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) Remediation(remediation string) {
	if m == nil {
		return
	}
	m.RemediationsTotal.WithLabelValues(remediation).Inc()
}

func (m *Metrics) UpstreamQuery(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.UpstreamQueriesTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveRefresh(seconds float64) {
	if m == nil {
		return
	}
	m.RefreshDuration.Observe(seconds)
}
