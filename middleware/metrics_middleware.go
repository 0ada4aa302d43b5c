package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"vrpc/message"
	"vrpc/rpc"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "vrpc").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for durations.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

type MetricsOption func(*MetricsConfig)

func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry. Tests pass a private
// prometheus.NewRegistry() so collectors do not clash.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "vrpc",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors for served requests and for calls made
// through a Correlator. It implements rpc.Observer.
//
// Metrics collected:
//   - vrpc_requests_total: served requests by etype and status
//   - vrpc_request_duration_seconds: handler duration by etype
//   - vrpc_pending_calls: outstanding outgoing calls
//   - vrpc_calls_total: finished outgoing calls by method and outcome
//   - vrpc_call_duration_seconds: outgoing call latency by method
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pendingCalls    prometheus.Gauge
	callsTotal      *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
}

func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of RPC requests served",
			ConstLabels: config.ConstLabels,
		}, []string{"etype", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "RPC handler duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"etype"}),

		pendingCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "pending_calls",
			Help:        "Number of outgoing RPC calls awaiting a response",
			ConstLabels: config.ConstLabels,
		}),

		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "calls_total",
			Help:        "Total number of outgoing RPC calls by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"method", "outcome"}),

		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "call_duration_seconds",
			Help:        "Outgoing RPC call latency in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"method"}),
	}
}

// MetricsMiddleware counts and times every request passing through.
func MetricsMiddleware(m *Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
			start := time.Now()
			resp := next(ctx, req)
			status := "ok"
			if !resp.Succeeded() {
				status = "error"
			}
			m.requestsTotal.WithLabelValues(req.EType, status).Inc()
			m.requestDuration.WithLabelValues(req.EType).Observe(time.Since(start).Seconds())
			return resp
		}
	}
}

func (m *Metrics) PendingChanged(n int) {
	m.pendingCalls.Set(float64(n))
}

func (m *Metrics) CallFinished(method string, state rpc.State, elapsed time.Duration) {
	m.callsTotal.WithLabelValues(method, state.String()).Inc()
	m.callDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
