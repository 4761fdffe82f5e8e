package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric instrument names.
const (
	MetricParseDuration    = "formula.parse.duration"
	MetricEvaluateDuration = "formula.evaluate.duration"
	MetricStepCount        = "formula.step.count"
	MetricErrorCount       = "formula.error.count"
	MetricCacheHitCount    = "formula.cache.hit.count"
	MetricDBQueryDuration  = "formula.db.query.duration"
	MetricRequestDuration  = "formula.request.duration"
)

// Metrics holds the formula-specific metric instruments.
type Metrics struct {
	parseDuration    metric.Float64Histogram
	evaluateDuration metric.Float64Histogram
	stepCount        metric.Int64Histogram
	errorCount       metric.Int64Counter
	cacheHitCount    metric.Int64Counter
	dbQueryDuration  metric.Float64Histogram
	requestDuration  metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with the given MeterProvider.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	meter := mp.Meter(MeterName)
	m := &Metrics{}

	// Note: errors from meter instrument creation only occur with invalid
	// parameters. Fall back to an undescribed instrument of the same name.
	var err error

	m.parseDuration, err = meter.Float64Histogram(
		MetricParseDuration,
		metric.WithDescription("Duration of formula parsing in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.parseDuration, _ = meter.Float64Histogram(MetricParseDuration)
	}

	m.evaluateDuration, err = meter.Float64Histogram(
		MetricEvaluateDuration,
		metric.WithDescription("Duration of formula evaluation in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.evaluateDuration, _ = meter.Float64Histogram(MetricEvaluateDuration)
	}

	m.stepCount, err = meter.Int64Histogram(
		MetricStepCount,
		metric.WithDescription("Number of calculation steps extracted from a formula"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		m.stepCount, _ = meter.Int64Histogram(MetricStepCount)
	}

	m.errorCount, err = meter.Int64Counter(
		MetricErrorCount,
		metric.WithDescription("Total number of formula errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.errorCount, _ = meter.Int64Counter(MetricErrorCount)
	}

	m.cacheHitCount, err = meter.Int64Counter(
		MetricCacheHitCount,
		metric.WithDescription("Number of parses served from the parse cache"),
		metric.WithUnit("{parse}"),
	)
	if err != nil {
		m.cacheHitCount, _ = meter.Int64Counter(MetricCacheHitCount)
	}

	m.dbQueryDuration, err = meter.Float64Histogram(
		MetricDBQueryDuration,
		metric.WithDescription("Duration of run store queries in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.dbQueryDuration, _ = meter.Float64Histogram(MetricDBQueryDuration)
	}

	m.requestDuration, err = meter.Float64Histogram(
		MetricRequestDuration,
		metric.WithDescription("Duration of HTTP requests in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.requestDuration, _ = meter.Float64Histogram(MetricRequestDuration)
	}

	return m
}

// RecordParse records a parse and whether it was served from cache.
func (m *Metrics) RecordParse(ctx context.Context, duration time.Duration, cacheHit bool) {
	m.parseDuration.Record(ctx, float64(duration.Microseconds())/1000, metric.WithAttributes(CacheHitAttr(cacheHit)))
	if cacheHit {
		m.cacheHitCount.Add(ctx, 1)
	}
}

// RecordEvaluate records the evaluation of a formula or one of its steps.
func (m *Metrics) RecordEvaluate(ctx context.Context, operation string, duration time.Duration) {
	m.evaluateDuration.Record(ctx, float64(duration.Microseconds())/1000, metric.WithAttributes(OperationAttr(operation)))
}

// RecordStepCount records the number of steps extracted from a formula.
func (m *Metrics) RecordStepCount(ctx context.Context, count int) {
	m.stepCount.Record(ctx, int64(count))
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError(ctx context.Context, operation, errorKind string) {
	attrs := metric.WithAttributes(
		OperationAttr(operation),
		ErrorKindAttr(errorKind),
	)
	m.errorCount.Add(ctx, 1, attrs)
}

// RecordDBQuery records metrics for a database query.
func (m *Metrics) RecordDBQuery(ctx context.Context, operation string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("db.operation.name", operation))
	m.dbQueryDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordRequest records metrics for a completed HTTP request.
func (m *Metrics) RecordRequest(ctx context.Context, route string, statusCode int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.Int("http.response.status_code", statusCode),
	)
	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}
