package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestNewTracer(t *testing.T) {
	tracer := NewTracer(tracenoop.NewTracerProvider(), "test-service")
	if tracer == nil {
		t.Fatal("NewTracer returned nil")
	}
	if tracer.serviceName != "test-service" {
		t.Errorf("expected service name 'test-service', got '%s'", tracer.serviceName)
	}
}

func TestTracer_FormulaSpans(t *testing.T) {
	tracer := NewTracer(tracenoop.NewTracerProvider(), "test")
	ctx := context.Background()

	starts := map[string]func() (context.Context, trace.Span){
		"parse":      func() (context.Context, trace.Span) { return tracer.StartParse(ctx, 17) },
		"evaluate":   func() (context.Context, trace.Span) { return tracer.StartEvaluate(ctx, 3) },
		"step":       func() (context.Context, trace.Span) { return tracer.StartStep(ctx, 1, "a + b") },
		"remote run": func() (context.Context, trace.Span) { return tracer.StartRemoteRun(ctx, "run-1", 3, "Account") },
		"db query":   func() (context.Context, trace.Span) { return tracer.StartDBQuery(ctx, "SELECT") },
		"custom":     func() (context.Context, trace.Span) { return tracer.StartSpan(ctx, "custom", OperationAttr(OpGetRun)) },
	}
	for name, start := range starts {
		t.Run(name, func(t *testing.T) {
			spanCtx, span := start()
			if spanCtx == nil {
				t.Fatal("expected non-nil context")
			}
			if span == nil {
				t.Fatal("expected non-nil span")
			}
			span.End()
		})
	}
}

func TestTracer_StartRequest(t *testing.T) {
	tracer := NewNoopTracer()
	r := httptest.NewRequest(http.MethodPost, "/evaluate", nil)

	ctx, span := tracer.StartRequest(context.Background(), r)
	defer span.End()

	tracer.SetHTTPStatus(ctx, http.StatusOK)
	tracer.SetHTTPStatus(ctx, http.StatusBadRequest)
}

func TestTracer_RecordError(t *testing.T) {
	tracer := NewNoopTracer()
	_, span := tracer.StartParse(context.Background(), 3)
	defer span.End()

	tracer.RecordError(span, nil)
	tracer.RecordError(span, errors.New("boom"))
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	// A background context carries no span, so the logger is returned as is.
	if got := LoggerWithTrace(context.Background(), logger); got != logger {
		t.Error("expected the same logger without a valid span")
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1, 2, 3},
		SpanID:  trace.SpanID{4, 5, 6},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	LoggerWithTrace(ctx, logger).Info("evaluated")

	out := buf.String()
	if !strings.Contains(out, LogFieldTraceID+"="+sc.TraceID().String()) {
		t.Errorf("expected trace id in log output, got %q", out)
	}
	if !strings.Contains(out, LogFieldSpanID+"="+sc.SpanID().String()) {
		t.Errorf("expected span id in log output, got %q", out)
	}
}

func TestNoopTracer_AllOperations(t *testing.T) {
	tracer := NewNoopTracer()
	ctx := context.Background()

	ctx, span := tracer.StartEvaluate(ctx, 2)
	stepCtx, step := tracer.StartStep(ctx, 1, "FLOOR(x)")
	tracer.RecordError(step, errors.New("step failed"))
	step.End()
	tracer.SetHTTPStatus(stepCtx, http.StatusInternalServerError)
	span.End()
}

func TestTracer_ClipExpression(t *testing.T) {
	tests := []struct {
		name   string
		limit  int
		input  string
		want   string
		wantOK bool
	}{
		{"unlimited", 0, "a + b", "a + b", true},
		{"within limit", 5, "a + b", "a + b", true},
		{"truncated", 3, "a + b", "a +…", true},
		{"counts runes", 2, "äöü", "äö…", true},
		{"omitted", -1, "a + b", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer := NewNoopTracer()
			tracer.expressionLimit = tt.limit
			got, ok := tracer.clipExpression(tt.input)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("clipExpression(%q) = %q, %v; want %q, %v", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestNewConfig_ExpressionLimit(t *testing.T) {
	if got := NewConfig(WithExpressionLimit(0)).Tracer().expressionLimit; got != DefaultExpressionLimit {
		t.Errorf("expected default limit, got %d", got)
	}
	if got := NewConfig(WithExpressionLimit(-1)).Tracer().expressionLimit; got != -1 {
		t.Errorf("expected limit -1, got %d", got)
	}
}
