// Package metrics exports engine counters and latencies in Prometheus format.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relevance"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	embedRequests *prometheus.CounterVec
	embedLatency  *prometheus.HistogramVec
	embedCache    *prometheus.CounterVec

	retrieveLatency *prometheus.HistogramVec
	usageUpdates    *prometheus.CounterVec

	classifications *prometheus.CounterVec
	outcomes        *prometheus.CounterVec

	contextMerges *prometheus.CounterVec
	compacted     prometheus.Counter

	httpLatency *prometheus.HistogramVec
}

var latencyBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.embedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "requests_total",
			Help:      "Embedding gateway calls by content kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	m.embedLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "latency_seconds",
			Help:      "Embedding gateway latency including retries",
			Buckets:   latencyBuckets,
		},
		[]string{"kind"},
	)
	m.embedCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "cache_total",
			Help:      "Embedding cache lookups by result",
		},
		[]string{"result"},
	)
	m.retrieveLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ranker",
			Name:      "retrieve_seconds",
			Help:      "Retrieve latency by outcome",
			Buckets:   latencyBuckets,
		},
		[]string{"outcome"},
	)
	m.usageUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relevance",
			Name:      "updates_total",
			Help:      "Relevance compare-and-swap attempts by outcome",
		},
		[]string{"outcome"},
	)
	m.classifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spam",
			Name:      "classifications_total",
			Help:      "Spam classifications by result",
		},
		[]string{"result"},
	)
	m.outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spam",
			Name:      "outcomes_total",
			Help:      "Reported classification outcomes",
		},
		[]string{"correct"},
	)
	m.contextMerges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "merges_total",
			Help:      "Conversation context merges by result",
		},
		[]string{"result"},
	)
	m.compacted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relevance",
			Name:      "compacted_total",
			Help:      "Records whose idle decay was persisted by the compactor",
		},
	)
	m.httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_seconds",
			Help:      "HTTP request latency by route and status",
			Buckets:   latencyBuckets,
		},
		[]string{"method", "route", "status"},
	)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.embedRequests,
		m.embedLatency,
		m.embedCache,
		m.retrieveLatency,
		m.usageUpdates,
		m.classifications,
		m.outcomes,
		m.contextMerges,
		m.compacted,
		m.httpLatency,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveEmbed(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.embedRequests.WithLabelValues(kind, outcome).Inc()
	m.embedLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) EmbedCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.embedCache.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRetrieve(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.retrieveLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) UsageUpdate(outcome string) {
	if m == nil {
		return
	}
	m.usageUpdates.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Classification(result string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(result).Inc()
}

func (m *Metrics) Outcome(correct bool) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(strconv.FormatBool(correct)).Inc()
}

func (m *Metrics) ContextMerge(result string) {
	if m == nil {
		return
	}
	m.contextMerges.WithLabelValues(result).Inc()
}

func (m *Metrics) Compacted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.compacted.Add(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpLatency.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
