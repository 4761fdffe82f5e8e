package observability

import (
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// NewNoopTracer returns a tracer whose spans are discarded.
func NewNoopTracer() *Tracer {
	return &Tracer{
		tracer:          tracenoop.NewTracerProvider().Tracer(""),
		expressionLimit: DefaultExpressionLimit,
	}
}

// NewNoopMetrics returns instruments backed by the no-op meter provider.
func NewNoopMetrics() *Metrics {
	return NewMetrics(noop.NewMeterProvider())
}
