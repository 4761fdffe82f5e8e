// Package observability provides OpenTelemetry-based instrumentation for the formula service.
//
// It supports distributed tracing, metrics collection, and enhanced structured logging.
//
// All observability features are opt-in. When not configured, no-op implementations
// are used with zero performance overhead.
package observability

import "go.opentelemetry.io/otel/attribute"

// Instrumentation identity constants
const (
	// TracerName is the instrumentation name for tracing.
	TracerName = "github.com/nlstn/go-formula"
	// MeterName is the instrumentation name for metrics.
	MeterName = "github.com/nlstn/go-formula"
)

// Formula semantic attribute keys following OpenTelemetry conventions.
const (
	AttrOperation     = "formula.operation"
	AttrFormulaLength = "formula.length"
	AttrCacheHit      = "formula.cache_hit"
	AttrResultType    = "formula.result_type"

	// Step attributes
	AttrStepCount = "formula.step.count"
	AttrStepIndex = "formula.step.index"
	AttrStepExpr  = "formula.step.expression"

	// Remote run attributes
	AttrRunID     = "formula.run.id"
	AttrRunStatus = "formula.run.status"
	AttrSObject   = "formula.run.sobject"

	// Error attributes
	AttrErrorKind = "formula.error.kind"
)

// Operation types for the formula.operation attribute.
const (
	OpParse     = "parse"
	OpAnalyze   = "analyze"
	OpEvaluate  = "evaluate"
	OpStep      = "step"
	OpRemoteRun = "remote_run"
	OpGetRun    = "get_run"
)

// Log field keys for structured logging with trace context.
const (
	LogFieldOperation = "formula.operation"
	LogFieldRunID     = "run_id"
	LogFieldTraceID   = "trace_id"
	LogFieldSpanID    = "span_id"
	LogFieldDuration  = "duration_ms"
	LogFieldStepCount = "step_count"
	LogFieldError     = "error"
)

// OperationAttr creates an attribute for the operation type.
func OperationAttr(op string) attribute.KeyValue {
	return attribute.String(AttrOperation, op)
}

// FormulaLengthAttr creates an attribute for the formula length in characters.
func FormulaLengthAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrFormulaLength, n)
}

// CacheHitAttr creates an attribute recording whether a parse was served from cache.
func CacheHitAttr(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrCacheHit, hit)
}

// ResultTypeAttr creates an attribute for an inferred result type.
func ResultTypeAttr(t string) attribute.KeyValue {
	return attribute.String(AttrResultType, t)
}

// StepCountAttr creates an attribute for the number of extracted steps.
func StepCountAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrStepCount, n)
}

// StepIndexAttr creates an attribute for a 1-based step index.
func StepIndexAttr(i int) attribute.KeyValue {
	return attribute.Int(AttrStepIndex, i)
}

// RunIDAttr creates an attribute for the remote run ID.
func RunIDAttr(id string) attribute.KeyValue {
	return attribute.String(AttrRunID, id)
}

// ErrorKindAttr creates an attribute for the error kind.
func ErrorKindAttr(kind string) attribute.KeyValue {
	return attribute.String(AttrErrorKind, kind)
}
