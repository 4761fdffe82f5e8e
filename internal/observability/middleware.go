package observability

import (
	"fmt"
	"net/http"
	"time"

	servertiming "github.com/mitchellh/go-server-timing"
)

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// HTTPMiddleware returns an HTTP middleware that instruments requests with a
// request span, records request duration, and attaches a per-request
// database time accumulator. When Server-Timing is enabled the accumulated
// run store time is reported as the "db" metric.
func HTTPMiddleware(cfg *Config) func(http.Handler) http.Handler {
	if cfg == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return func(next http.Handler) http.Handler {
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := WithDBTimeAccumulator(r.Context())
			ctx, span := cfg.Tracer().StartRequest(ctx, r)
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			if cfg.ServerTimingEnabled() {
				// The header must be populated before the handler writes its status line.
				rec.ResponseWriter = &dbTimingWriter{ResponseWriter: w, r: r.WithContext(ctx)}
			}

			next.ServeHTTP(rec, r.WithContext(ctx))

			cfg.Tracer().SetHTTPStatus(ctx, rec.status)
			cfg.Metrics().RecordRequest(ctx, r.URL.Path, rec.status, time.Since(start))
		})

		if !cfg.ServerTimingEnabled() {
			return inner
		}
		return servertiming.Middleware(inner, nil)
	}
}

// dbTimingWriter flushes the accumulated database time into the
// Server-Timing metrics right before the response header is sent.
type dbTimingWriter struct {
	http.ResponseWriter
	r       *http.Request
	flushed bool
}

func (w *dbTimingWriter) flush() {
	if w.flushed {
		return
	}
	w.flushed = true
	if acc := DBTimeAccumulatorFromContext(w.r.Context()); acc != nil {
		if d := acc.Duration(); d > 0 {
			if timing := servertiming.FromContext(w.r.Context()); timing != nil {
				m := timing.NewMetric("db").WithDesc(fmt.Sprintf("run store (%s)", d.Round(time.Microsecond)))
				m.Duration = d
			}
		}
	}
}

func (w *dbTimingWriter) WriteHeader(code int) {
	w.flush()
	w.ResponseWriter.WriteHeader(code)
}

func (w *dbTimingWriter) Write(b []byte) (int, error) {
	w.flush()
	return w.ResponseWriter.Write(b)
}

func (w *dbTimingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
