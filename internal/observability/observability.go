package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/seasbee/go-logx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/dlmonitor/dlcache")

// Config controls which signals are emitted.
type Config struct {
	EnableMetrics  bool   `yaml:"enable_metrics" json:"enable_metrics"`
	EnableTracing  bool   `yaml:"enable_tracing" json:"enable_tracing"`
	EnableLogging  bool   `yaml:"enable_logging" json:"enable_logging"`
	RedactKeys     bool   `yaml:"redact_keys" json:"redact_keys"`
	ServiceName    string `yaml:"service_name" json:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version" json:"service_version"`
	Environment    string `yaml:"environment" json:"environment"`
}

// DefaultConfig enables metrics and logging; tracing is opt-in.
func DefaultConfig() Config {
	return Config{
		EnableMetrics:  true,
		EnableTracing:  false,
		EnableLogging:  true,
		RedactKeys:     false,
		ServiceName:    "dlcache",
		ServiceVersion: "1.0.0",
		Environment:    "development",
	}
}

// Metrics holds all Prometheus collectors.
type Metrics struct {
	StoreOperations     *prometheus.CounterVec
	StoreDuration       *prometheus.HistogramVec
	CacheLookups        *prometheus.CounterVec
	InvalidatedKeys     *prometheus.CounterVec
	SessionOperations   *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	ProducerInvocations *prometheus.CounterVec
}

// Manager provides tracing, metrics, and logging for every component.
// A nil *Manager is valid and records nothing.
type Manager struct {
	config   Config
	registry *prometheus.Registry
	metrics  *Metrics
}

// New creates a manager with its own Prometheus registry.
func New(config Config) *Manager {
	m := &Manager{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	if config.EnableMetrics {
		m.metrics = createMetrics(m.registry)
	}
	return m
}

func createMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StoreOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlcache_store_operations_total",
				Help: "Total number of key-value store operations",
			},
			[]string{"operation", "status"},
		),
		StoreDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dlcache_store_operation_duration_seconds",
				Help:    "Key-value store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlcache_cache_lookups_total",
				Help: "Cache facade lookups by namespace and result",
			},
			[]string{"namespace", "result"},
		),
		InvalidatedKeys: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlcache_invalidated_keys_total",
				Help: "Keys removed by invalidation, by kind",
			},
			[]string{"kind"},
		),
		SessionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlcache_session_operations_total",
				Help: "Session manager operations by result",
			},
			[]string{"operation", "status"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dlcache_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		ProducerInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlcache_producer_invocations_total",
				Help: "Cache misses that invoked the producer, by outcome",
			},
			[]string{"namespace", "status"},
		),
	}
}

// Config returns the configuration the manager was built with.
func (m *Manager) Config() Config {
	if m == nil {
		return Config{}
	}
	return m.config
}

// Registry exposes the collectors, mainly for tests.
func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the manager's registry in the Prometheus text format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TraceOperation creates a span for a component operation.
func (m *Manager) TraceOperation(ctx context.Context, component, operation, key string) (context.Context, trace.Span) {
	if m == nil || !m.config.EnableTracing {
		return ctx, trace.SpanFromContext(ctx)
	}

	attrs := []attribute.KeyValue{
		attribute.String("dlcache.component", component),
		attribute.String("dlcache.operation", operation),
		attribute.String("service.name", m.config.ServiceName),
		attribute.String("deployment.environment", m.config.Environment),
	}
	if key != "" && !m.config.RedactKeys {
		attrs = append(attrs, attribute.String("dlcache.key", key))
	}

	return tracer.Start(ctx, fmt.Sprintf("%s.%s", component, operation), trace.WithAttributes(attrs...))
}

// RecordStoreOperation records one key-value round trip.
func (m *Manager) RecordStoreOperation(operation, status string, duration time.Duration) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.StoreOperations.WithLabelValues(operation, status).Inc()
	m.metrics.StoreDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCacheLookup records a facade lookup result: hit, miss, negative_hit or error.
func (m *Manager) RecordCacheLookup(namespace, result string) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.CacheLookups.WithLabelValues(namespace, result).Inc()
}

// RecordProducer records a producer invocation on a cache miss.
func (m *Manager) RecordProducer(namespace, status string) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.ProducerInvocations.WithLabelValues(namespace, status).Inc()
}

// RecordInvalidation records the number of keys removed.
func (m *Manager) RecordInvalidation(kind string, deleted int) {
	if m == nil || m.metrics == nil || deleted <= 0 {
		return
	}
	m.metrics.InvalidatedKeys.WithLabelValues(kind).Add(float64(deleted))
}

// RecordSessionOperation records a session manager call.
func (m *Manager) RecordSessionOperation(operation, status string) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.SessionOperations.WithLabelValues(operation, status).Inc()
}

// RecordCircuitBreakerState records the breaker state as a gauge.
func (m *Manager) RecordCircuitBreakerState(name string, state int) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// KeyField is the log field for a store key, redacted when configured.
func (m *Manager) KeyField(key string) logx.Field {
	if m != nil && m.config.RedactKeys {
		return logx.String("key", "[REDACTED]")
	}
	return logx.String("key", key)
}

// LogOperation logs an operation outcome with structured fields.
func (m *Manager) LogOperation(level, component, operation, key string, duration time.Duration, err error) {
	if m != nil && !m.config.EnableLogging {
		return
	}

	fields := []logx.Field{
		logx.String("component", component),
		logx.String("operation", operation),
		logx.Int("duration_ms", int(duration.Milliseconds())),
	}
	if key != "" || (m != nil && m.config.RedactKeys) {
		fields = append(fields, m.KeyField(key))
	}
	if err != nil {
		fields = append(fields, logx.ErrorField(err))
	}

	switch level {
	case "debug":
		logx.Debug("Operation completed", fields...)
	case "warn":
		logx.Warn("Operation warning", fields...)
	case "error":
		logx.Error("Operation failed", fields...)
	default:
		logx.Info("Operation completed", fields...)
	}
}
