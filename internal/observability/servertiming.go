package observability

import (
	"context"
	"sync"
	"time"

	servertiming "github.com/mitchellh/go-server-timing"
)

// ServerTimingMetric is one entry of the Server-Timing header. The zero
// value is inert.
type ServerTimingMetric struct {
	metric *servertiming.Metric
}

// Stop records the elapsed time.
func (m *ServerTimingMetric) Stop() {
	if m == nil || m.metric == nil {
		return
	}
	m.metric.Stop()
}

// StartServerTiming times name for the current request. Requests without a
// server-timing header in their context get an inert metric.
func StartServerTiming(ctx context.Context, name string) *ServerTimingMetric {
	return startTiming(ctx, name, "")
}

// StartServerTimingWithDesc is StartServerTiming with a human readable description.
func StartServerTimingWithDesc(ctx context.Context, name, description string) *ServerTimingMetric {
	return startTiming(ctx, name, description)
}

func startTiming(ctx context.Context, name, description string) *ServerTimingMetric {
	header := servertiming.FromContext(ctx)
	if header == nil {
		return &ServerTimingMetric{}
	}
	m := header.NewMetric(name)
	if description != "" {
		m = m.WithDesc(description)
	}
	return &ServerTimingMetric{metric: m.Start()}
}

// RecordServerTiming adds an already measured duration as a server-timing metric.
func RecordServerTiming(ctx context.Context, name string, d time.Duration) {
	timing := servertiming.FromContext(ctx)
	if timing == nil || d <= 0 {
		return
	}
	m := timing.NewMetric(name)
	m.Duration = d
}

// DBTimeAccumulator sums the time spent in run store queries during one request.
// It is safe for concurrent use.
type DBTimeAccumulator struct {
	mu    sync.Mutex
	total time.Duration
}

// Add adds d to the accumulated time.
func (a *DBTimeAccumulator) Add(d time.Duration) {
	a.mu.Lock()
	a.total += d
	a.mu.Unlock()
}

// Duration returns the accumulated time.
func (a *DBTimeAccumulator) Duration() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

type dbTimeKey struct{}

// WithDBTimeAccumulator returns a context carrying a fresh accumulator.
func WithDBTimeAccumulator(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbTimeKey{}, &DBTimeAccumulator{})
}

// DBTimeAccumulatorFromContext returns the request's accumulator, or nil.
func DBTimeAccumulatorFromContext(ctx context.Context) *DBTimeAccumulator {
	acc, _ := ctx.Value(dbTimeKey{}).(*DBTimeAccumulator)
	return acc
}

// AddDBTime adds d to the context's accumulator, if there is one.
func AddDBTime(ctx context.Context, d time.Duration) {
	if acc := DBTimeAccumulatorFromContext(ctx); acc != nil {
		acc.Add(d)
	}
}
