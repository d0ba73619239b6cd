// Package metrics exposes Prometheus collectors for ingestion runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion metrics
	PairsTotal     *prometheus.CounterVec
	UpsertsTotal   *prometheus.CounterVec
	RejectedTotal  *prometheus.CounterVec
	RunsTotal      *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	LastSuccessful prometheus.Gauge

	// Scraper metrics
	FetchFailures *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec

	// API metrics
	RequestsTotal *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ratewatch"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PairsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "pairs_total",
			Help:      "City/commodity pairs processed by terminal state",
		}, []string{"commodity", "state"}),
		UpsertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "upserts_total",
			Help:      "Records written to the price store by outcome",
		}, []string{"commodity", "outcome"}),
		RejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "rejected_observations_total",
			Help:      "Scraped observations dropped during normalization",
		}, []string{"commodity"}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "runs_total",
			Help:      "Ingestion runs by status",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "run_duration_seconds",
			Help:      "Wall time of an ingestion run",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		LastSuccessful: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run without failed pairs",
		}),

		FetchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scraper",
			Name:      "fetch_failures_total",
			Help:      "Live fetches that fell back to the degraded provider",
		}, []string{"source"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scraper",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of a single source fetch",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Query API requests by route and status code",
		}, []string{"route", "code"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Pair counts a pair reaching its terminal state.
func (m *Metrics) Pair(commodity, state string) {
	if m == nil {
		return
	}
	m.PairsTotal.WithLabelValues(commodity, state).Inc()
}

// Upsert counts one store write.
func (m *Metrics) Upsert(commodity, outcome string) {
	if m == nil {
		return
	}
	m.UpsertsTotal.WithLabelValues(commodity, outcome).Inc()
}

// Rejected counts dropped observations.
func (m *Metrics) Rejected(commodity string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RejectedTotal.WithLabelValues(commodity).Add(float64(n))
}

// Fetch records the latency of a fetch and whether it failed.
func (m *Metrics) Fetch(source string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	if err != nil {
		m.FetchFailures.WithLabelValues(source).Inc()
	}
}

// Run records a finished run.
func (m *Metrics) Run(status string, finished time.Time, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
	if status == "success" {
		m.LastSuccessful.Set(float64(finished.Unix()))
	}
}

// Request counts one API response.
func (m *Metrics) Request(route, code string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, code).Inc()
}
