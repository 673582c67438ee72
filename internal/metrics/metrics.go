// Package metrics owns the waycast Prometheus registry: request and
// pipeline collectors, HTTP middleware, and the scrape handler. Nothing
// registers on the global registry; the gateway injects *Metrics
// wherever observation happens.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "waycast"

// LatencyBuckets spans cached-fast responses through long generations.
var LatencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300,
}

// FirstByteBuckets is tighter; first tokens arrive in seconds, not
// minutes.
var FirstByteBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20, 30,
}

// Metrics holds every waycast collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestOutcomes  *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	timeToFirstByte  *prometheus.HistogramVec
	tokensTotal      *prometheus.CounterVec
	estimatedUsage   *prometheus.CounterVec
	creditsDebited   *prometheus.CounterVec
	creditRejections *prometheus.CounterVec
	rateLimitDenials *prometheus.CounterVec
	authFailures     *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	probeHealth      *prometheus.GaugeVec
	probeLatency     *prometheus.GaugeVec
	httpDuration     *prometheus.HistogramVec
	httpInFlight     *prometheus.GaugeVec
	dbPoolSize       *prometheus.GaugeVec
}

// New builds the registry with all collectors plus the standard Go and
// process collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Data-plane requests by operation, public model alias, provider kind, and status code",
			},
			[]string{"op", "model", "provider", "status_code"},
		),
		requestOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_outcomes_total",
				Help:      "Terminal outcomes (completed, partial, failed, cancelled) by operation and model",
			},
			[]string{"op", "model", "outcome"},
		),
		requestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "End-to-end request latency",
				Buckets:   LatencyBuckets,
			},
			[]string{"op", "model", "provider"},
		),
		timeToFirstByte: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "time_to_first_byte_seconds",
				Help:      "Upstream time to first byte",
				Buckets:   FirstByteBuckets,
			},
			[]string{"model", "provider"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens relayed, split by direction (input, output)",
			},
			[]string{"model", "provider", "type"},
		),
		estimatedUsage: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "estimated_usage_total",
				Help:      "Requests whose usage was estimated because the upstream reported none",
			},
			[]string{"model"},
		),
		creditsDebited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_debited_total",
				Help:      "Credits debited from user balances",
			},
			[]string{"model"},
		),
		creditRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credit_rejections_total",
				Help:      "Requests rejected because the balance was exhausted",
			},
			[]string{"model"},
		),
		rateLimitDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_denials_total",
				Help:      "Requests denied by the per-subject token bucket",
			},
			[]string{"model"},
		),
		authFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Credential resolution failures by reason",
			},
			[]string{"reason"},
		),
		upstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Upstream failures by provider kind and error kind",
			},
			[]string{"provider", "kind"},
		),
		probeHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "probe_health",
				Help:      "Last probe result per deployment alias (1 healthy, 0 failing)",
			},
			[]string{"alias"},
		),
		probeLatency: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "probe_latency_seconds",
				Help:      "Latency of the last probe per deployment alias",
			},
			[]string{"alias"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration by route",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"method", "route", "status_code"},
		),
		httpInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "HTTP requests currently being served",
			},
			[]string{"route"},
		),
		dbPoolSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connection_pool_size",
				Help:      "Database connection pool size (active, idle, max)",
			},
			[]string{"pool_type"},
		),
	}
}

// Registry exposes the underlying registry for extra registrations.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the scrape endpoint for this registry only.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterAuditDropped exports the audit recorder's drop counter as
// waycast_audit_dropped_total without coupling the audit package to
// prometheus.
func (m *Metrics) RegisterAuditDropped(dropped func() uint64) error {
	cf := prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit records dropped because the handoff buffer was full",
		},
		func() float64 { return float64(dropped()) },
	)
	if err := m.registry.Register(cf); err != nil {
		return fmt.Errorf("register audit drop counter: %w", err)
	}
	return nil
}
