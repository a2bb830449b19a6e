package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters and histograms for the rules engine
// and the weather ingestion path.
type Metrics struct {
	RuleRuns       *prometheus.CounterVec // labels: mode={dry_run,commit}, status={completed,failed}
	RulesEvaluated prometheus.Counter
	RuleMatches    prometheus.Counter
	IssuesCreated  prometheus.Counter
	DedupeHits     prometheus.Counter
	RunDuration    *prometheus.HistogramVec // labels: mode={dry_run,commit}

	// Weather provider metrics.
	ProviderRequests    *prometheus.CounterVec // labels: outcome={success,error,rate_limited}
	ProviderDuration    prometheus.Histogram
	ProviderCache       *prometheus.CounterVec // labels: result={hit,miss}
	BatchesCaptured     prometheus.Counter
	DaysMissingInWindow prometheus.Counter

	// HTTP chassis metrics.
	HTTPRequests *prometheus.CounterVec   // labels: method, route, status
	HTTPDuration *prometheus.HistogramVec // labels: method, route
}

// RecordRequest records one served HTTP request. The route label should be
// the chi route pattern, not the raw URL path, to keep cardinality bounded.
func (m *Metrics) RecordRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// NewMetrics creates and registers all engine metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RuleRuns,
		m.RulesEvaluated,
		m.RuleMatches,
		m.IssuesCreated,
		m.DedupeHits,
		m.RunDuration,
		m.ProviderRequests,
		m.ProviderDuration,
		m.ProviderCache,
		m.BatchesCaptured,
		m.DaysMissingInWindow,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RuleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildflow",
			Name:      "rule_runs_total",
			Help:      "Rule evaluation runs by mode and terminal status.",
		}, []string{"mode", "status"}),
		RulesEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildflow",
			Name:      "rules_evaluated_total",
			Help:      "Total rules checked across all runs.",
		}),
		RuleMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildflow",
			Name:      "rule_matches_total",
			Help:      "Total rule matches across all runs.",
		}),
		IssuesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildflow",
			Name:      "issues_created_total",
			Help:      "Issues persisted by commit-mode runs.",
		}),
		DedupeHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildflow",
			Name:      "dedupe_hits_total",
			Help:      "Planned issues skipped because a recent duplicate exists.",
		}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "buildflow",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a full rules run, data load included.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"mode"}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildflow",
			Name:      "weather_provider_requests_total",
			Help:      "Upstream weather API requests by outcome.",
		}, []string{"outcome"}),
		ProviderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "buildflow",
			Name:      "weather_provider_duration_seconds",
			Help:      "Upstream weather API request duration.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		ProviderCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildflow",
			Name:      "weather_cache_total",
			Help:      "Forecast cache lookups by result.",
		}, []string{"result"}),
		BatchesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildflow",
			Name:      "weather_batches_captured_total",
			Help:      "Forecast batches persisted from the provider.",
		}),
		DaysMissingInWindow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildflow",
			Name:      "window_days_missing_total",
			Help:      "Evaluation-window days with no stored observation.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildflow",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "buildflow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by method and route pattern.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
	}
}
