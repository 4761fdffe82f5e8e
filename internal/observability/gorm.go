package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	gormSpanKey             = "formula:gorm:span"
	gormStartTimeKey        = "formula:gorm:start"
	gormTimingStartKey      = "formula:gorm:timing_start"
	gormTracingCallbackName = "formula"
	gormTimingCallbacksName = "formula_server_timing"
)

type gormHook struct {
	spanName  string
	operation string
	register  func(db *gorm.DB, name string, before, after func(*gorm.DB)) error
}

func gormHooks() []gormHook {
	return []gormHook{
		{"db.query", "SELECT", func(db *gorm.DB, name string, before, after func(*gorm.DB)) error {
			if err := db.Callback().Query().Before("gorm:query").Register(name+":before_query", before); err != nil {
				return err
			}
			return db.Callback().Query().After("gorm:query").Register(name+":after_query", after)
		}},
		{"db.create", "INSERT", func(db *gorm.DB, name string, before, after func(*gorm.DB)) error {
			if err := db.Callback().Create().Before("gorm:create").Register(name+":before_create", before); err != nil {
				return err
			}
			return db.Callback().Create().After("gorm:create").Register(name+":after_create", after)
		}},
		{"db.update", "UPDATE", func(db *gorm.DB, name string, before, after func(*gorm.DB)) error {
			if err := db.Callback().Update().Before("gorm:update").Register(name+":before_update", before); err != nil {
				return err
			}
			return db.Callback().Update().After("gorm:update").Register(name+":after_update", after)
		}},
		{"db.delete", "DELETE", func(db *gorm.DB, name string, before, after func(*gorm.DB)) error {
			if err := db.Callback().Delete().Before("gorm:delete").Register(name+":before_delete", before); err != nil {
				return err
			}
			return db.Callback().Delete().After("gorm:delete").Register(name+":after_delete", after)
		}},
		{"db.row", "ROW", func(db *gorm.DB, name string, before, after func(*gorm.DB)) error {
			if err := db.Callback().Row().Before("gorm:row").Register(name+":before_row", before); err != nil {
				return err
			}
			return db.Callback().Row().After("gorm:row").Register(name+":after_row", after)
		}},
		{"db.raw", "RAW", func(db *gorm.DB, name string, before, after func(*gorm.DB)) error {
			if err := db.Callback().Raw().Before("gorm:raw").Register(name+":before_raw", before); err != nil {
				return err
			}
			return db.Callback().Raw().After("gorm:raw").Register(name+":after_raw", after)
		}},
	}
}

// RegisterGORMCallbacks registers GORM callbacks that trace run store queries.
// This should be called after GORM is initialized and observability is configured.
func RegisterGORMCallbacks(db *gorm.DB, cfg *Config) error {
	if cfg == nil || cfg.TracerProvider == nil || !cfg.EnableDetailedDBTracing {
		return nil
	}

	tracer := cfg.Tracer()
	for _, h := range gormHooks() {
		spanName, operation := h.spanName, h.operation
		before := func(db *gorm.DB) { startSpan(db, tracer, spanName) }
		after := func(db *gorm.DB) { endSpan(db, tracer, cfg, operation) }
		if err := h.register(db, gormTracingCallbackName, before, after); err != nil {
			return err
		}
	}
	return nil
}

// RegisterServerTimingCallbacks registers GORM callbacks for server timing metrics.
// These callbacks track database operation duration and add it to the request's
// database time accumulator, which is reported as the "db" Server-Timing metric.
// This is independent of the tracing callbacks and can be enabled without OpenTelemetry.
func RegisterServerTimingCallbacks(db *gorm.DB) error {
	for _, h := range gormHooks() {
		if err := h.register(db, gormTimingCallbacksName, beforeTiming, afterTiming); err != nil {
			return err
		}
	}
	return nil
}

func beforeTiming(db *gorm.DB) {
	db.InstanceSet(gormTimingStartKey, time.Now())
}

func afterTiming(db *gorm.DB) {
	startTimeVal, ok := db.InstanceGet(gormTimingStartKey)
	if !ok {
		return
	}
	startTime, ok := startTimeVal.(time.Time)
	if !ok {
		return
	}

	if db.Statement != nil && db.Statement.Context != nil {
		AddDBTime(db.Statement.Context, time.Since(startTime))
	}
}

func startSpan(db *gorm.DB, tracer *Tracer, spanName string) {
	ctx := db.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracer.StartSpan(ctx, spanName,
		attribute.String("db.system", db.Dialector.Name()),
	)

	db.Statement.Context = ctx
	db.InstanceSet(gormSpanKey, span)
	db.InstanceSet(gormStartTimeKey, time.Now())
}

func endSpan(db *gorm.DB, tracer *Tracer, cfg *Config, operation string) {
	spanVal, ok := db.InstanceGet(gormSpanKey)
	if !ok {
		return
	}
	span, ok := spanVal.(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	if db.Statement != nil {
		if table := db.Statement.Table; table != "" {
			span.SetAttributes(attribute.String("db.sql.table", table))
		}
		span.SetAttributes(attribute.Int64("db.rows_affected", db.RowsAffected))
	}

	tracer.RecordError(span, db.Error)

	if startTimeVal, ok := db.InstanceGet(gormStartTimeKey); ok {
		if startTime, ok := startTimeVal.(time.Time); ok {
			cfg.Metrics().RecordDBQuery(db.Statement.Context, operation, time.Since(startTime))
		}
	}
}
