// Package metrics exposes gateway and live session metrics in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Sessions
	SessionsActive      prometheus.Gauge
	SessionsTotal       *prometheus.CounterVec
	SessionDuration     prometheus.Histogram
	NegotiationsTotal   *prometheus.CounterVec
	DegradationsTotal   *prometheus.CounterVec
	LiveFrameBytes      *prometheus.CounterVec
	TurnSignalsTotal    *prometheus.CounterVec
	BargeInsTotal       prometheus.Counter
	StageSeconds        *prometheus.HistogramVec
	StreamErrorsTotal   *prometheus.CounterVec
	AnomaliesTotal      *prometheus.CounterVec
	BackendReachable    *prometheus.GaugeVec
	BackendProbeLatency *prometheus.HistogramVec

	RateLimitHits *prometheus.CounterVec
}

// New creates a Metrics instance with every collector registered on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vani"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"path", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"path"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions_active",
			Help:      "Number of active live sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_sessions_total",
			Help:      "Total number of live sessions by end reason",
		}, []string{"reason"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "live_session_duration_seconds",
			Help:      "Live session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		NegotiationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Negotiation attempts by result",
		}, []string{"result"}),
		DegradationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degradations_total",
			Help:      "Capabilities downgraded at negotiation",
		}, []string{"capability", "reason"}),
		LiveFrameBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_frame_bytes_total",
			Help:      "WebSocket frame bytes carried by live sessions",
		}, []string{"direction", "frame"}),
		TurnSignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_signals_total",
			Help:      "Turn signals emitted by state",
		}, []string{"state"}),
		BargeInsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Synthesis turns cancelled by caller speech",
		}),
		StageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_seconds",
			Help:      "Backend and action latency per pipeline stage",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		StreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Stream errors sent to callers",
		}, []string{"kind", "fatal"}),
		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Recovered anomalies by kind",
		}, []string{"kind"}),
		BackendReachable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_reachable",
			Help:      "1 when the last health probe of the backend succeeded",
		}, []string{"backend"}),
		BackendProbeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_probe_duration_seconds",
			Help:      "Backend health probe duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 3},
		}, []string{"backend"}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit hits",
		}, []string{"limit_type"}),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.NegotiationsTotal,
		m.DegradationsTotal,
		m.LiveFrameBytes,
		m.TurnSignalsTotal,
		m.BargeInsTotal,
		m.StageSeconds,
		m.StreamErrorsTotal,
		m.AnomaliesTotal,
		m.BackendReachable,
		m.BackendProbeLatency,
		m.RateLimitHits,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry to tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

func (m *Metrics) RecordRequest(path string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordNegotiation records a negotiation outcome and its downgrades.
func (m *Metrics) RecordNegotiation(result string, degraded []types.DegradedCapability) {
	m.NegotiationsTotal.WithLabelValues(result).Inc()
	for _, d := range degraded {
		m.DegradationsTotal.WithLabelValues(d.Capability, d.Reason).Inc()
	}
}

func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd(reason string, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordLiveFrame counts one frame; frame is "binary" or "text".
func (m *Metrics) RecordLiveFrame(direction, frame string, bytes int) {
	m.LiveFrameBytes.WithLabelValues(direction, frame).Add(float64(bytes))
}

func (m *Metrics) RecordRateLimitHit(limitType string) {
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}

// RecordProbe is shaped for registry.ProberConfig.OnResult.
func (m *Metrics) RecordProbe(id string, reachable bool, latency time.Duration) {
	v := 0.0
	if reachable {
		v = 1
	}
	m.BackendReachable.WithLabelValues(id).Set(v)
	m.BackendProbeLatency.WithLabelValues(id).Observe(latency.Seconds())
}

// The methods below satisfy the live session observer.

func (m *Metrics) TurnSignal(state string) {
	m.TurnSignalsTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) StreamError(kind core.ErrorKind, fatal bool) {
	m.StreamErrorsTotal.WithLabelValues(string(kind), strconv.FormatBool(fatal)).Inc()
}

func (m *Metrics) BargeIn() {
	m.BargeInsTotal.Inc()
}

func (m *Metrics) StageLatency(stage types.Stage, d time.Duration) {
	m.StageSeconds.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// Anomalies counts anomalies on their way to next.
func (m *Metrics) Anomalies(next core.AnomalySink) core.AnomalySink {
	if next == nil {
		next = core.DiscardAnomalies{}
	}
	return anomalyCounter{m: m, next: next}
}

type anomalyCounter struct {
	m    *Metrics
	next core.AnomalySink
}

func (c anomalyCounter) Record(a types.Anomaly) {
	c.m.AnomaliesTotal.WithLabelValues(a.Kind).Inc()
	c.next.Record(a)
}
