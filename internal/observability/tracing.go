package observability

import (
	"context"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanParse     = "formula.parse"
	SpanEvaluate  = "formula.evaluate"
	SpanStep      = "formula.step"
	SpanRemoteRun = "formula.remote_run"
	SpanRequest   = "formula.request"
)

// Tracer wraps an OpenTelemetry tracer with formula-specific span creation methods.
type Tracer struct {
	tracer          trace.Tracer
	serviceName     string
	expressionLimit int
}

// NewTracer creates a new Tracer using the given TracerProvider.
func NewTracer(tp trace.TracerProvider, serviceName string) *Tracer {
	return &Tracer{
		tracer:          tp.Tracer(TracerName),
		serviceName:     serviceName,
		expressionLimit: DefaultExpressionLimit,
	}
}

// StartSpan starts an arbitrary span.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartParse starts a span for parsing a formula of the given length.
func (t *Tracer) StartParse(ctx context.Context, length int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanParse, trace.WithAttributes(
		OperationAttr(OpParse),
		FormulaLengthAttr(length),
	))
}

// StartEvaluate starts a span for evaluating a whole formula.
func (t *Tracer) StartEvaluate(ctx context.Context, stepCount int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanEvaluate, trace.WithAttributes(
		OperationAttr(OpEvaluate),
		StepCountAttr(stepCount),
	))
}

// StartStep starts a span for evaluating one calculation step.
// The expression is recorded up to the tracer's expression limit.
func (t *Tracer) StartStep(ctx context.Context, index int, expression string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{OperationAttr(OpStep), StepIndexAttr(index)}
	if text, ok := t.clipExpression(expression); ok {
		attrs = append(attrs, attribute.String(AttrStepExpr, text))
	}
	return t.tracer.Start(ctx, SpanStep, trace.WithAttributes(attrs...))
}

func (t *Tracer) clipExpression(expression string) (string, bool) {
	if t.expressionLimit < 0 {
		return "", false
	}
	if t.expressionLimit == 0 || utf8.RuneCountInString(expression) <= t.expressionLimit {
		return expression, true
	}
	runes := []rune(expression)
	return string(runes[:t.expressionLimit]) + "…", true
}

// StartRemoteRun starts a span for executing steps against the remote tooling API.
func (t *Tracer) StartRemoteRun(ctx context.Context, runID string, stepCount int, sobject string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanRemoteRun, trace.WithAttributes(
		OperationAttr(OpRemoteRun),
		RunIDAttr(runID),
		StepCountAttr(stepCount),
		attribute.String(AttrSObject, sobject),
	))
}

// StartRequest starts a server span for r. Only the path is recorded; query
// strings can carry page tokens.
func (t *Tracer) StartRequest(ctx context.Context, r *http.Request) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanRequest,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		),
	)
}

// SetHTTPStatus records the response status on the span in ctx. Statuses of
// 500 and above mark the span as failed.
func (t *Tracer) SetHTTPStatus(ctx context.Context, statusCode int) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int("http.response.status_code", statusCode))
	if statusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(statusCode))
	}
}

// StartDBQuery starts a client span for one run store statement.
func (t *Tracer) StartDBQuery(ctx context.Context, operation string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "db.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.operation.name", operation)),
	)
}

// RecordError marks span as failed with err. A nil err is ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// LoggerWithTrace adds the trace and span IDs of ctx to logger.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		slog.String(LogFieldTraceID, sc.TraceID().String()),
		slog.String(LogFieldSpanID, sc.SpanID().String()),
	)
}
