package fetch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the watcher.
type Metrics struct {
	Registry      *prometheus.Registry
	FetchesTotal  *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	RetriesTotal  prometheus.Counter
	ErrorsTotal   *prometheus.CounterVec
	VerdictsTotal *prometheus.CounterVec
	ChangesTotal  prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockwatch_fetches_total",
			Help: "Total fetch attempts by strategy and outcome.",
		},
		[]string{"strategy", "status"},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stockwatch_fetch_duration_seconds",
			Help:    "Latency of product fetch calls, retries included.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stockwatch_fetch_retries_total",
			Help: "Total fetch retry attempts after a block or transport fault.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockwatch_fetch_errors_total",
			Help: "Total fetch failures by type.",
		},
		[]string{"error_type"},
	)
	verdicts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockwatch_verdicts_total",
			Help: "Total parsed availability verdicts by outcome.",
		},
		[]string{"verdict"},
	)
	changes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stockwatch_changes_total",
			Help: "Total availability change events emitted.",
		},
	)

	registry.MustRegister(fetches, fetchDuration, retries, errorsTotal, verdicts, changes)

	return &Metrics{
		Registry:      registry,
		FetchesTotal:  fetches,
		FetchDuration: fetchDuration,
		RetriesTotal:  retries,
		ErrorsTotal:   errorsTotal,
		VerdictsTotal: verdicts,
		ChangesTotal:  changes,
	}
}

// IncFetch increments the fetch counter for a strategy and outcome.
func (m *Metrics) IncFetch(strategy, status string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(strategy, status).Inc()
}

// ObserveDuration records one fetch call's latency.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(d.Seconds())
}

// IncRetries increments the retry counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the error counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncVerdict increments the verdict counter.
func (m *Metrics) IncVerdict(verdict string) {
	if m == nil {
		return
	}
	m.VerdictsTotal.WithLabelValues(verdict).Inc()
}

// IncChanges increments the change-event counter.
func (m *Metrics) IncChanges() {
	if m == nil {
		return
	}
	m.ChangesTotal.Inc()
}
