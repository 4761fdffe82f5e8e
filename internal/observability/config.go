package observability

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName identifies the service when no name is configured.
const DefaultServiceName = "formula-service"

// DefaultExpressionLimit is the longest step expression, in runes, attached to step spans.
const DefaultExpressionLimit = 200

// Config is the observability setup shared by the engine, the HTTP
// middleware and the run store callbacks. A nil *Config records nothing.
type Config struct {
	// TracerProvider receives spans. Nil disables tracing.
	TracerProvider trace.TracerProvider
	// MeterProvider receives metrics. Nil disables metrics.
	MeterProvider metric.MeterProvider

	ServiceName    string
	ServiceVersion string

	// EnableDetailedDBTracing traces individual run store queries.
	EnableDetailedDBTracing bool
	// EnableServerTiming adds the Server-Timing HTTP response header.
	EnableServerTiming bool

	// ExpressionLimit caps the step expression text recorded on step spans.
	// Formulas can embed customer data; a negative limit keeps expressions
	// off spans entirely.
	ExpressionLimit int

	tracer  *Tracer
	metrics *Metrics
}

// Option configures a Config.
type Option func(*Config)

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) {
		c.TracerProvider = tp
	}
}

// WithMeterProvider sets the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) {
		c.MeterProvider = mp
	}
}

// WithService names the service on spans. An empty name keeps the default.
func WithService(name, version string) Option {
	return func(c *Config) {
		if name != "" {
			c.ServiceName = name
		}
		c.ServiceVersion = version
	}
}

// WithDetailedDBTracing enables spans for run store queries.
func WithDetailedDBTracing() Option {
	return func(c *Config) {
		c.EnableDetailedDBTracing = true
	}
}

// WithServerTiming enables the Server-Timing HTTP response header.
func WithServerTiming() Option {
	return func(c *Config) {
		c.EnableServerTiming = true
	}
}

// WithExpressionLimit sets ExpressionLimit. Zero keeps the default.
func WithExpressionLimit(runes int) Option {
	return func(c *Config) {
		if runes != 0 {
			c.ExpressionLimit = runes
		}
	}
}

// NewConfig applies opts and builds the tracer and metric instruments.
// Missing providers fall back to no-op implementations.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		ServiceName:     DefaultServiceName,
		ExpressionLimit: DefaultExpressionLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if c.TracerProvider != nil {
		c.tracer = NewTracer(c.TracerProvider, c.ServiceName)
	} else {
		c.tracer = NewNoopTracer()
	}
	c.tracer.expressionLimit = c.ExpressionLimit

	if c.MeterProvider != nil {
		c.metrics = NewMetrics(c.MeterProvider)
	} else {
		c.metrics = NewNoopMetrics()
	}
	return c
}

// Tracer returns the configured tracer, or a no-op tracer.
func (c *Config) Tracer() *Tracer {
	if c == nil || c.tracer == nil {
		return NewNoopTracer()
	}
	return c.tracer
}

// Metrics returns the configured metrics, or no-op metrics.
func (c *Config) Metrics() *Metrics {
	if c == nil || c.metrics == nil {
		return NewNoopMetrics()
	}
	return c.metrics
}

// Enabled reports whether spans or metrics leave the process.
func (c *Config) Enabled() bool {
	return c != nil && (c.TracerProvider != nil || c.MeterProvider != nil)
}

// ServerTimingEnabled reports whether the Server-Timing header is written.
func (c *Config) ServerTimingEnabled() bool {
	return c != nil && c.EnableServerTiming
}
