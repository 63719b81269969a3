package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/livepush/pkg/protocol"
)

// MetricsConfig configures the bridge's Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "livepush").
	Namespace string

	// Subsystem is the metrics subsystem (default: "bridge").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for fetch latency.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the bridge's Prometheus metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the fetch latency histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegisterer sets the Prometheus registry the metrics are registered with.
func WithRegisterer(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "livepush",
		Subsystem: "bridge",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics records
// nothing, so the server can run without a registry.
type Metrics struct {
	connections   *prometheus.GaugeVec
	accepted      prometheus.Counter
	frames        *prometheus.CounterVec
	bytesIn       prometheus.Counter
	bytesOut      prometheus.Counter
	fetchDuration *prometheus.HistogramVec
	broadcasts    *prometheus.CounterVec
	protocolErrs  *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

// NewMetrics creates and registers the bridge metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections",
			Help:        "Number of open connections by classification",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_accepted_total",
			Help:        "Total number of accepted connections",
			ConstLabels: config.ConstLabels,
		}),

		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_total",
			Help:        "Total number of frames by direction and type",
			ConstLabels: config.ConstLabels,
		}, []string{"direction", "type"}),

		bytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "received_bytes_total",
			Help:        "Total bytes read from connections",
			ConstLabels: config.ConstLabels,
		}),

		bytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sent_bytes_total",
			Help:        "Total bytes written to connections",
			ConstLabels: config.ConstLabels,
		}),

		fetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "fetch_duration_seconds",
			Help:        "Code provider fetch duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"result"}),

		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "broadcasts_total",
			Help:        "Total number of broadcasts by command type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		protocolErrs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "protocol_errors_total",
			Help:        "Total number of dropped frames and protocol violations",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "http_requests_total",
			Help:        "Total number of HTTP fallback requests by status code",
			ConstLabels: config.ConstLabels,
		}, []string{"status"}),
	}
}

func (m *Metrics) connOpened(kind connKind) {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.connections.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) connReclassified(from, to connKind) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(from.String()).Dec()
	m.connections.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) connClosed(kind connKind) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(kind.String()).Dec()
}

func (m *Metrics) frameIn(mt protocol.MessageType) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("in", mt.String()).Inc()
}

func (m *Metrics) keepAlive(kind protocol.FrameKind) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("in", kind.String()).Inc()
}

func (m *Metrics) frameOut(mt protocol.MessageType) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("out", mt.String()).Inc()
}

func (m *Metrics) received(n int) {
	if m == nil {
		return
	}
	m.bytesIn.Add(float64(n))
}

func (m *Metrics) sent(n int) {
	if m == nil {
		return
	}
	m.bytesOut.Add(float64(n))
}

func (m *Metrics) fetched(start time.Time, result string) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

func (m *Metrics) broadcast(mt protocol.MessageType) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(mt.String()).Inc()
}

func (m *Metrics) protocolError(reason string) {
	if m == nil {
		return
	}
	m.protocolErrs.WithLabelValues(reason).Inc()
}

func (m *Metrics) httpRequest(status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(httpStatusLabel(status)).Inc()
}
