package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"wsrpc/message"
	"wsrpc/rpc"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "wsrpc").
	Namespace string
	// Buckets are the histogram buckets for call duration (default: prometheus.DefBuckets).
	Buckets []float64
	// Registry is the registerer metrics are created in (default: prometheus.DefaultRegisterer).
	Registry prometheus.Registerer
}

type MetricsOption func(*MetricsConfig)

func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// Metrics holds the collectors of one MetricsMiddleware.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
}

// NewMetrics creates and registers the RPC collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := MetricsConfig{
		Namespace: "wsrpc",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Total number of inbound RPC calls.",
		}, []string{"contract", "method", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Inbound RPC call duration in seconds.",
			Buckets:   config.Buckets,
		}, []string{"contract", "method"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: "rpc",
			Name:      "calls_in_flight",
			Help:      "Inbound RPC calls currently being handled.",
		}),
	}
}

// Middleware records every call in m.
func (m *Metrics) Middleware() Middleware {
	return func(next rpc.HandlerFunc) rpc.HandlerFunc {
		return func(ctx context.Context, req *rpc.Request) *message.Message {
			m.inflight.Inc()
			defer m.inflight.Dec()

			start := time.Now()
			reply := next(ctx, req)
			status := "ok"
			if reply != nil && reply.Type == message.TypeError {
				status = "error"
			}
			m.calls.WithLabelValues(req.Call.Contract, req.Call.Method, status).Inc()
			m.duration.WithLabelValues(req.Call.Contract, req.Call.Method).Observe(time.Since(start).Seconds())
			return reply
		}
	}
}

// MetricsMiddleware creates collectors with opts and returns their middleware.
func MetricsMiddleware(opts ...MetricsOption) Middleware {
	return NewMetrics(opts...).Middleware()
}
