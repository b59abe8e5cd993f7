package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-voicerag/pkg/gateway/search"
)

const DefaultNamespace = "voicerag"

// Session end statuses.
const (
	StatusOK            = "ok"
	StatusProtocolError = "protocol_error"
	StatusError         = "error"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Tool and search metrics
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec
	SearchDuration   *prometheus.HistogramVec

	GroundingSourcesTotal prometheus.Counter
	GroundingReportsTotal *prometheus.CounterVec

	ProtocolErrorsTotal *prometheus.CounterVec
	RejectionsTotal     *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of relay sessions currently open",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of relay sessions by end status",
		}, []string{"status"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Relay session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of model tool calls by tool and outcome",
		}, []string{"tool", "outcome"}),
		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"tool"}),
		SearchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Knowledge-base search duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"outcome"}),
		GroundingSourcesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grounding_sources_total",
			Help:      "Total number of sources cited in grounding reports",
		}),
		GroundingReportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grounding_reports_total",
			Help:      "Total number of grounding reports sent, split by whether any source was cited",
		}, []string{"cited"}),
		ProtocolErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of protocol errors by direction",
		}, []string{"direction"}),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_rejections_total",
			Help:      "Total number of refused realtime handshakes by reason",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.SearchDuration,
		m.GroundingSourcesTotal,
		m.GroundingReportsTotal,
		m.ProtocolErrorsTotal,
		m.RejectionsTotal,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveToolCall implements tools.Observer.
func (m *Metrics) ObserveToolCall(tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// ObserveProtocolError implements session.Observer.
func (m *Metrics) ObserveProtocolError(direction string) {
	if m == nil {
		return
	}
	m.ProtocolErrorsTotal.WithLabelValues(direction).Inc()
}

// ObserveGroundingReport implements session.Observer.
func (m *Metrics) ObserveGroundingReport(sources int) {
	if m == nil {
		return
	}
	cited := "false"
	if sources > 0 {
		cited = "true"
		m.GroundingSourcesTotal.Add(float64(sources))
	}
	m.GroundingReportsTotal.WithLabelValues(cited).Inc()
}

func (m *Metrics) ObserveSearch(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SearchDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// InstrumentSearcher wraps next so every call lands in search_duration_seconds.
func (m *Metrics) InstrumentSearcher(next search.Searcher) search.Searcher {
	if m == nil || next == nil {
		return next
	}
	return &timedSearcher{next: next, metrics: m}
}

type timedSearcher struct {
	next    search.Searcher
	metrics *Metrics
}

func (s *timedSearcher) Search(ctx context.Context, query string, topK int) ([]search.Result, error) {
	start := time.Now()
	results, err := s.next.Search(ctx, query, topK)
	s.metrics.ObserveSearch(SearchOutcome(err), time.Since(start))
	return results, err
}

// SearchOutcome maps a search error to its metric label.
func SearchOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	var se *search.Error
	if errors.As(err, &se) && se.Kind != "" {
		return string(se.Kind)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return string(search.KindCanceled)
	}
	return "error"
}
