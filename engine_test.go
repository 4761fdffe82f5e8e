package formula

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nlstn/go-formula/internal/runs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var markerPattern = regexp.MustCompile(`SFDBG\|([^|]+)\|(\d+)\|`)

// fakeRemote answers every marker in the executed script with a value from
// values, keyed by step index. A missing key leaves the step unanswered.
type fakeRemote struct {
	mu      sync.Mutex
	scripts []string
	values  map[int]string
	execErr error
	logErr  error
}

func (f *fakeRemote) ExecuteAnonymous(_ context.Context, script string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, script)
	return f.execErr
}

func (f *fakeRemote) LatestLogID(context.Context) (string, error) {
	if f.logErr != nil {
		return "", f.logErr
	}
	return "07L000000000001", nil
}

func (f *fakeRemote) LogBody(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var b strings.Builder
	b.WriteString("62.0 APEX_CODE,DEBUG\n")
	b.WriteString("12:00:00.0 (1)|USER_DEBUG|[1]|DEBUG|warming up\n")
	script := f.scripts[len(f.scripts)-1]
	for _, m := range markerPattern.FindAllStringSubmatch(script, -1) {
		var idx int
		fmt.Sscanf(m[2], "%d", &idx)
		value, ok := f.values[idx]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "12:00:00.1 (2)|USER_DEBUG|[%d]|DEBUG|SFDBG&#124;%s&#124;%d&#124;%s\n", idx+1, m[1], idx, value)
	}
	return b.String(), nil
}

func (f *fakeRemote) lastScript() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.scripts) == 0 {
		return ""
	}
	return f.scripts[len(f.scripts)-1]
}

// recordingTracer counts the spans started through it.
type recordingTracer struct {
	tracenoop.Tracer
	mu    sync.Mutex
	names map[string]int
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.mu.Lock()
	r.names[name]++
	r.mu.Unlock()
	return r.Tracer.Start(ctx, name, opts...)
}

type recordingProvider struct {
	tracenoop.TracerProvider
	tracer *recordingTracer
}

func (p recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return p.tracer
}

func newTestRunStore(t *testing.T) *runs.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "runs.db")), &gorm.Config{})
	require.NoError(t, err)
	store, err := runs.NewStore(db, 0, runs.WithRetentionDisabled())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func newRemoteEngine(t *testing.T, remote *fakeRemote) *Engine {
	t.Helper()
	e := NewEngineWithConfig(EngineConfig{
		Remote:   remote,
		Runs:     newTestRunStore(t),
		LogDelay: time.Millisecond,
	})
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestEngine_Analyze(t *testing.T) {
	e := NewEngine()

	analysis, err := e.Analyze(context.Background(), "IF(Amount > 10,  Amount*2, 0)", Variables{"Amount": Number(12)})
	require.NoError(t, err)

	assert.Equal(t, "IF(Amount > 10, Amount * 2, 0)", analysis.Rebuilt)
	assert.Equal(t, TypeNumber, analysis.ResultType())
	assert.Equal(t, []string{"Amount"}, analysis.Variables)
	require.Len(t, analysis.Steps, 3)
	assert.Equal(t, "Amount > 10", analysis.Steps[0].Expression)
	assert.Equal(t, TypeBoolean, analysis.Types.TypeOf(analysis.Steps[0].Node))
}

func TestEngine_ParseUsesCache(t *testing.T) {
	e := NewEngine()
	ctx := context.Background()

	first, err := e.Parse(ctx, "1 + 2")
	require.NoError(t, err)
	second, err := e.Parse(ctx, "1 + 2")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, e.cache.Len())

	uncached := NewEngineWithConfig(EngineConfig{CacheSize: -1})
	assert.Nil(t, uncached.cache)
	_, err = uncached.Parse(ctx, "1 + 2")
	require.NoError(t, err)
}

func TestEngine_Evaluate(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	e := NewEngineWithConfig(EngineConfig{Now: func() time.Time { return fixed }})

	eval, err := e.Evaluate(context.Background(), "NOW() + Days", Variables{"Days": Number(2)})
	require.NoError(t, err)
	require.NoError(t, eval.Err)
	assert.True(t, fixed.AddDate(0, 0, 2).Equal(eval.Value.Time()))
	require.Len(t, eval.Steps, 2)
	assert.True(t, fixed.Equal(eval.Steps[0].Value.Time()))
}

func TestEngine_EvaluateKeepsStepErrorsInline(t *testing.T) {
	e := NewEngine()

	eval, err := e.Evaluate(context.Background(), "FLOOR(x) + 1 / 0", Variables{"x": Text("abc")})
	require.NoError(t, err)
	assert.ErrorIs(t, eval.Err, ErrNonNumericArgument)
	require.Len(t, eval.Steps, 3)
	assert.ErrorIs(t, eval.Steps[0].Err, ErrNonNumericArgument)
	assert.ErrorIs(t, eval.Steps[1].Err, ErrDivisionByZero)
	assert.ErrorIs(t, eval.Steps[2].Err, ErrNonNumericArgument)
}

func TestEngine_EvaluateParseError(t *testing.T) {
	e := NewEngine()
	_, err := e.Evaluate(context.Background(), "FLOOR(", nil)
	assert.ErrorIs(t, err, ErrUnbalancedParenthesis)
}

func TestEngine_Tracing(t *testing.T) {
	tracer := &recordingTracer{names: make(map[string]int)}
	tp := recordingProvider{tracer: tracer}

	e := NewEngine()
	e.SetObservability(ObservabilityConfig{
		TracerProvider: tp,
		MeterProvider:  metricnoop.NewMeterProvider(),
		ServiceName:    "test-service",
	})
	require.NotNil(t, e.Observability())

	_, err := e.Evaluate(context.Background(), "a + FLOOR(b)", Variables{"b": Number(1.5)})
	require.NoError(t, err)

	assert.Equal(t, 1, tracer.names["formula.parse"])
	assert.Equal(t, 1, tracer.names["formula.evaluate"])
	assert.Equal(t, 2, tracer.names["formula.step"])
}

func TestEngine_SetLogger(t *testing.T) {
	e := NewEngine()
	var buf strings.Builder
	e.SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	_, err := e.Analyze(context.Background(), "1 + 1", nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Analyzed formula")

	e.SetLogger(nil)
	assert.Equal(t, slog.Default(), e.logger)
}

func TestEngine_RunRemote(t *testing.T) {
	remote := &fakeRemote{values: map[int]string{1: "3", 2: "8"}}
	e := newRemoteEngine(t, remote)
	ctx := context.Background()

	run, err := e.RunRemote(ctx, RemoteRequest{
		Formula:   "FLOOR(Amount) + 5",
		Variables: Variables{"Amount": Text("3.7")},
		SObject:   "Opportunity",
	})
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, "Opportunity", run.SObject)
	assert.Equal(t, "warming up", run.Fallback)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, "FLOOR(Amount)", run.Steps[0].Expression)
	require.NotNil(t, run.Steps[0].Value)
	assert.Equal(t, "3", *run.Steps[0].Value)
	require.NotNil(t, run.Steps[1].Value)
	assert.Equal(t, "8", *run.Steps[1].Value)

	script := remote.lastScript()
	assert.Contains(t, script, "Opportunity obj = new Opportunity(Amount = 3.7);")
	assert.Contains(t, script, "'SFDBG|"+run.ID+"|1|'")

	stored, err := e.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Steps, stored.Steps)
}

func TestEngine_RunRemote_PartialResults(t *testing.T) {
	remote := &fakeRemote{values: map[int]string{2: "true"}}
	e := newRemoteEngine(t, remote)

	run, err := e.RunRemote(context.Background(), RemoteRequest{Formula: "a > 1 && b"})
	require.NoError(t, err)
	assert.Equal(t, "Account", run.SObject)
	require.Len(t, run.Steps, 2)
	assert.Nil(t, run.Steps[0].Value)
	require.NotNil(t, run.Steps[1].Value)
	assert.Equal(t, "true", *run.Steps[1].Value)
}

func TestEngine_RunRemote_Failure(t *testing.T) {
	remote := &fakeRemote{execErr: errors.New("compile failed")}
	e := newRemoteEngine(t, remote)

	run, err := e.RunRemote(context.Background(), RemoteRequest{Formula: "1 + 1"})
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, RunFailed, run.Status)
	assert.Contains(t, run.Error, "compile failed")

	var svcErr *Error
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, ErrorCodeBadGateway, svcErr.Code)
}

func TestEngine_RunRemote_Validation(t *testing.T) {
	e := newRemoteEngine(t, &fakeRemote{})
	ctx := context.Background()

	_, err := e.RunRemote(ctx, RemoteRequest{Formula: "1 +"})
	assert.ErrorIs(t, err, ErrUnexpectedEndOfInput)

	_, err = e.RunRemote(ctx, RemoteRequest{Formula: "1 + 1", SObject: "Bad Name"})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 400, MapErrorToHTTPStatus(err))
}

func TestEngine_RunRemote_Unavailable(t *testing.T) {
	e := NewEngine()
	assert.False(t, e.RemoteEnabled())

	_, err := e.RunRemote(context.Background(), RemoteRequest{Formula: "1"})
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
	_, err = e.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
}

func TestEngine_GetRun_NotFound(t *testing.T) {
	e := newRemoteEngine(t, &fakeRemote{})
	_, err := e.GetRun(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
}

func TestEngine_StartRemote(t *testing.T) {
	remote := &fakeRemote{values: map[int]string{1: "42"}}
	e := newRemoteEngine(t, remote)
	ctx, cancel := context.WithCancel(context.Background())

	run, err := e.StartRemote(ctx, RemoteRequest{Formula: "a * 2", Variables: Variables{"a": Number(21)}})
	require.NoError(t, err)
	assert.Equal(t, RunPending, run.Status)
	cancel()

	require.NoError(t, e.Close(context.Background()))

	stored, err := e.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, stored.Status)
	require.Len(t, stored.Steps, 1)
	require.NotNil(t, stored.Steps[0].Value)
	assert.Equal(t, "42", *stored.Steps[0].Value)
}

func TestEngine_StartRemote_Failure(t *testing.T) {
	e := newRemoteEngine(t, &fakeRemote{execErr: errors.New("compile failed")})

	run, err := e.StartRemote(context.Background(), RemoteRequest{Formula: "1 + 1"})
	require.NoError(t, err)
	require.NoError(t, e.Close(context.Background()))

	stored, err := e.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, stored.Status)
	assert.Contains(t, stored.Error, "compile failed")

	_, err = e.StartRemote(context.Background(), RemoteRequest{Formula: "1 +"})
	assert.ErrorIs(t, err, ErrUnexpectedEndOfInput)
}

func TestEngine_CloseHonoursContext(t *testing.T) {
	e := NewEngine()
	e.background.Add(1)
	defer e.background.Done()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Close(ctx), context.DeadlineExceeded)
}

func TestEngine_ListRuns(t *testing.T) {
	e := newRemoteEngine(t, &fakeRemote{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.RunRemote(ctx, RemoteRequest{Formula: fmt.Sprintf("%d + 1", i)})
		require.NoError(t, err)
	}

	first, err := e.ListRuns(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, first.Runs, 2)
	require.NotEmpty(t, first.NextToken)

	second, err := e.ListRuns(ctx, 2, first.NextToken)
	require.NoError(t, err)
	require.Len(t, second.Runs, 1)
	assert.Empty(t, second.NextToken)

	_, err = e.ListRuns(ctx, 2, "not-a-token")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 400, MapErrorToHTTPStatus(err))

	_, err = NewEngine().ListRuns(ctx, 0, "")
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
}
