// Package observability exposes Prometheus instruments for the conversation
// core and the HTTP surface.
package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/pixella/internal/apperr"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionEvents     *prometheus.CounterVec
	Turns             *prometheus.CounterVec
	RetrievedChunks   prometheus.Histogram
	RetrievalLatency  prometheus.Histogram
	IngestedChunks    prometheus.Counter
	IngestFailures    prometheus.Counter
	GenerationLatency prometheus.Histogram
	ProviderErrors    *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
}

// NewMetrics registers the instruments on a fresh registry together with
// the Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns appended to sessions by role.",
		}, []string{"role"}),
		RetrievedChunks: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieved_chunks",
			Help:      "Chunks surfaced per retrieval after the similarity floor.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16},
		}),
		RetrievalLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_latency_ms",
			Help:      "Latency of query embedding plus index search in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		IngestedChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_chunks_total",
			Help:      "Document chunks committed to the vector index.",
		}),
		IngestFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_failures_total",
			Help:      "Document imports that did not index every chunk.",
		}),
		GenerationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_ms",
			Help:      "Latency of reply generation in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream provider errors by service and kind.",
		}, []string{"service", "kind"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Turn(role string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(role).Inc()
}

func (m *Metrics) ObserveRetrieval(results int, d time.Duration) {
	if m == nil {
		return
	}
	m.RetrievedChunks.Observe(float64(results))
	m.RetrievalLatency.Observe(float64(d.Milliseconds()))
}

// ObserveIngest records the committed chunk count and, when err is set, a
// failed import.
func (m *Metrics) ObserveIngest(indexed int, err error) {
	if m == nil {
		return
	}
	m.IngestedChunks.Add(float64(indexed))
	if err != nil {
		m.IngestFailures.Inc()
	}
}

func (m *Metrics) ObserveGeneration(d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationLatency.Observe(float64(d.Milliseconds()))
}

// ProviderError counts err when it is an upstream failure.
func (m *Metrics) ProviderError(err error) {
	if m == nil {
		return
	}
	var ue *apperr.UpstreamError
	if errors.As(err, &ue) {
		m.ProviderErrors.WithLabelValues(ue.Service, string(ue.Kind)).Inc()
	}
}

func (m *Metrics) WSMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
