package formula

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nlstn/go-formula/internal/apexgen"
	"github.com/nlstn/go-formula/internal/apexlog"
	"github.com/nlstn/go-formula/internal/expr"
	"github.com/nlstn/go-formula/internal/observability"
	"github.com/nlstn/go-formula/internal/runs"
	"github.com/nlstn/go-formula/internal/skiptoken"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// DefaultLogDelay is the wait between executing a remote script and reading its log.
const DefaultLogDelay = 750 * time.Millisecond

// RemoteExecutor runs anonymous scripts against a remote org and returns its debug logs.
type RemoteExecutor interface {
	ExecuteAnonymous(ctx context.Context, script string) error
	LatestLogID(ctx context.Context) (string, error)
	LogBody(ctx context.Context, id string) (string, error)
}

// RunStore persists remote runs.
type RunStore interface {
	Create(ctx context.Context, nr runs.NewRun) (*runs.Run, error)
	Complete(ctx context.Context, id string, values map[int]string, fallback string) (*runs.Run, error)
	Fail(ctx context.Context, id string, cause error) error
	Get(ctx context.Context, id string) (*runs.Run, error)
	List(ctx context.Context, opts runs.ListOptions) (*runs.Page, error)
}

// Run is a stored remote run.
type Run = runs.Run

// RunStep is one step of a Run with its remote value, if any.
type RunStep = runs.Step

// RunStatus is the lifecycle state of a Run.
type RunStatus = runs.Status

// Run states.
const (
	RunPending   = runs.StatusPending
	RunCompleted = runs.StatusCompleted
	RunFailed    = runs.StatusFailed
)

// EngineConfig controls optional engine behaviours.
type EngineConfig struct {
	// CacheSize bounds the parse cache. Zero uses the default size; a negative
	// value disables caching.
	CacheSize int

	// Now is the clock used by NOW(). Nil uses time.Now.
	Now func() time.Time

	// Remote executes steps remotely. Remote runs need both Remote and Runs.
	Remote RemoteExecutor
	Runs   RunStore

	// LogDelay is the wait before the remote log is read. Zero uses DefaultLogDelay.
	LogDelay time.Duration

	// SObject is the default record type remote formulas are compiled against.
	SObject string
}

// ObservabilityConfig configures tracing, metrics and Server-Timing for an Engine.
type ObservabilityConfig struct {
	// TracerProvider receives spans. Nil disables tracing.
	TracerProvider trace.TracerProvider
	// MeterProvider receives metrics. Nil disables metrics.
	MeterProvider metric.MeterProvider

	ServiceName    string
	ServiceVersion string

	// EnableDetailedDBTracing traces individual run store queries once
	// InstrumentDB is called.
	EnableDetailedDBTracing bool

	// EnableServerTiming adds a Server-Timing header to HTTP responses.
	EnableServerTiming bool

	// ExpressionLimit caps the step expression text put on step spans.
	// Zero uses the default; a negative value records no expressions.
	ExpressionLimit int
}

// Engine parses, analyzes and evaluates formulas, runs their steps remotely
// and serves all of it over HTTP.
type Engine struct {
	logger        *slog.Logger
	observability *observability.Config
	cache         *expr.ParseCache
	evaluator     *expr.Evaluator
	remote        RemoteExecutor
	runs          RunStore
	logDelay      time.Duration
	sobject       string
	sleep         func(context.Context, time.Duration) error
	handler       http.Handler

	// background tracks runs started with StartRemote.
	background sync.WaitGroup
}

// NewEngine creates an engine with default settings.
func NewEngine() *Engine {
	return NewEngineWithConfig(EngineConfig{})
}

// NewEngineWithConfig creates an engine with the given configuration.
func NewEngineWithConfig(cfg EngineConfig) *Engine {
	e := &Engine{
		logger:    slog.Default(),
		evaluator: NewEvaluator(cfg.Now),
		remote:    cfg.Remote,
		runs:      cfg.Runs,
		logDelay:  cfg.LogDelay,
		sobject:   cfg.SObject,
		sleep:     sleepContext,
	}
	switch {
	case cfg.CacheSize == 0:
		e.cache = expr.NewParseCache(expr.DefaultParseCacheSize)
	case cfg.CacheSize > 0:
		e.cache = expr.NewParseCache(cfg.CacheSize)
	}
	if e.logDelay <= 0 {
		e.logDelay = DefaultLogDelay
	}
	if e.sobject == "" {
		e.sobject = apexgen.DefaultSObject
	}
	e.buildHandler()
	return e
}

// SetLogger sets the structured logger used by the engine. Nil restores slog.Default().
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetObservability enables tracing, metrics and Server-Timing.
func (e *Engine) SetObservability(cfg ObservabilityConfig) {
	opts := []observability.Option{
		observability.WithService(cfg.ServiceName, cfg.ServiceVersion),
		observability.WithExpressionLimit(cfg.ExpressionLimit),
	}
	if cfg.TracerProvider != nil {
		opts = append(opts, observability.WithTracerProvider(cfg.TracerProvider))
	}
	if cfg.MeterProvider != nil {
		opts = append(opts, observability.WithMeterProvider(cfg.MeterProvider))
	}
	if cfg.EnableDetailedDBTracing {
		opts = append(opts, observability.WithDetailedDBTracing())
	}
	if cfg.EnableServerTiming {
		opts = append(opts, observability.WithServerTiming())
	}

	e.observability = observability.NewConfig(opts...)
	e.buildHandler()
}

// Observability returns the active observability configuration, or nil.
func (e *Engine) Observability() *observability.Config {
	return e.observability
}

// InstrumentDB registers the run store query callbacks on db. Call it after
// SetObservability. Query durations always feed the Server-Timing "db"
// metric; spans are recorded when detailed database tracing is enabled.
func (e *Engine) InstrumentDB(db *gorm.DB) error {
	if err := observability.RegisterServerTimingCallbacks(db); err != nil {
		return fmt.Errorf("failed to register server timing callbacks: %w", err)
	}
	if e.observability == nil || !e.observability.EnableDetailedDBTracing {
		return nil
	}
	if err := observability.RegisterGORMCallbacks(db, e.observability); err != nil {
		return fmt.Errorf("failed to register tracing callbacks: %w", err)
	}
	return nil
}

// RemoteEnabled reports whether RunRemote can execute runs.
func (e *Engine) RemoteEnabled() bool {
	return e.remote != nil && e.runs != nil
}

func (e *Engine) tracer() *observability.Tracer {
	return e.observability.Tracer()
}

func (e *Engine) metrics() *observability.Metrics {
	return e.observability.Metrics()
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	return observability.LoggerWithTrace(ctx, e.logger)
}

// Parse parses text through the engine's cache.
func (e *Engine) Parse(ctx context.Context, text string) (Node, error) {
	ctx, span := e.tracer().StartParse(ctx, len(text))
	defer span.End()

	start := time.Now()
	var (
		root Node
		hit  bool
		err  error
	)
	if e.cache != nil {
		root, hit, err = e.cache.Parse(text)
	} else {
		root, err = expr.Parse(text)
	}
	e.metrics().RecordParse(ctx, time.Since(start), hit)
	span.SetAttributes(observability.CacheHitAttr(hit))

	if err != nil {
		e.recordError(ctx, span, observability.OpParse, err)
		return nil, err
	}
	return root, nil
}

func (e *Engine) recordError(ctx context.Context, span trace.Span, op string, err error) {
	kind := ErrorKindName(err)
	if kind == "" {
		kind = "Internal"
	}
	span.SetAttributes(observability.ErrorKindAttr(kind))
	e.tracer().RecordError(span, err)
	e.metrics().RecordError(ctx, op, kind)
}

// Analysis is the static description of a formula.
type Analysis struct {
	Root      Node
	Types     *TypeInfo
	Rebuilt   string
	Variables []string
	Steps     []Step
}

// ResultType returns the inferred type of the whole formula.
func (a *Analysis) ResultType() ResultType {
	return a.Types.Root()
}

// Analyze parses text and derives its types, canonical form, variables and steps.
func (e *Engine) Analyze(ctx context.Context, text string, samples Variables) (*Analysis, error) {
	root, err := e.Parse(ctx, text)
	if err != nil {
		return nil, err
	}

	types := expr.Annotate(root, samples)
	steps := expr.ExtractCalculationSteps(root)
	e.metrics().RecordStepCount(ctx, len(steps))

	e.log(ctx).Debug("Analyzed formula",
		slog.String(observability.LogFieldOperation, observability.OpAnalyze),
		slog.Int(observability.LogFieldStepCount, len(steps)),
		slog.String("result_type", types.Root().String()))

	return &Analysis{
		Root:      root,
		Types:     types,
		Rebuilt:   expr.Rebuild(root),
		Variables: expr.ExtractVariables(root),
		Steps:     steps,
	}, nil
}

// Evaluation is the outcome of evaluating a formula and each of its steps.
// Err holds the evaluation failure of the whole formula; step failures are
// recorded per step.
type Evaluation struct {
	Root  Node
	Value Value
	Err   error
	Steps []StepResult
}

// Evaluate parses text and evaluates it and each of its steps against vars.
// Only parse failures are returned as an error.
func (e *Engine) Evaluate(ctx context.Context, text string, vars Variables) (*Evaluation, error) {
	root, err := e.Parse(ctx, text)
	if err != nil {
		return nil, err
	}
	steps := expr.ExtractCalculationSteps(root)

	ctx, span := e.tracer().StartEvaluate(ctx, len(steps))
	defer span.End()

	start := time.Now()
	value, evalErr := e.evaluator.Calculate(root, vars)
	e.metrics().RecordEvaluate(ctx, observability.OpEvaluate, time.Since(start))
	if evalErr != nil {
		e.recordError(ctx, span, observability.OpEvaluate, evalErr)
	} else {
		span.SetAttributes(attribute.String(observability.AttrResultType, value.Kind().String()))
	}

	return &Evaluation{
		Root:  root,
		Value: value,
		Err:   evalErr,
		Steps: e.EvaluateSteps(ctx, steps, vars),
	}, nil
}

// EvaluateSteps evaluates each step independently with the engine's clock.
func (e *Engine) EvaluateSteps(ctx context.Context, steps []Step, vars Variables) []StepResult {
	results := make([]StepResult, len(steps))
	for i, step := range steps {
		stepCtx, span := e.tracer().StartStep(ctx, step.Index, step.Expression)
		start := time.Now()
		value, err := e.evaluator.Calculate(step.Node, vars)
		e.metrics().RecordEvaluate(stepCtx, observability.OpStep, time.Since(start))
		if err != nil {
			e.recordError(stepCtx, span, observability.OpStep, err)
		}
		span.End()
		results[i] = StepResult{Step: step, Value: value, Err: err}
	}
	return results
}

// RemoteRequest describes a remote run.
type RemoteRequest struct {
	Formula   string
	Variables Variables
	// SObject is the record type to compile against. Empty uses the engine default.
	SObject string
}

// RunRemote executes the steps of a formula against the remote org and
// stores the values it reports. Results are keyed by the same 1-based step
// indexes Analyze returns.
//
// A run that fails after it was created is stored as failed and returned
// together with the error.
func (e *Engine) RunRemote(ctx context.Context, req RemoteRequest) (*Run, error) {
	p, err := e.prepareRun(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.executeRun(ctx, p)
}

// StartRemote validates req and stores a pending run, then executes it in
// the background. The returned run is pending; poll GetRun for the outcome.
// Background runs are not cancelled with ctx. Close waits for them.
func (e *Engine) StartRemote(ctx context.Context, req RemoteRequest) (*Run, error) {
	p, err := e.prepareRun(ctx, req)
	if err != nil {
		return nil, err
	}

	bg := context.WithoutCancel(ctx)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		// executeRun logs and stores failures itself.
		_, _ = e.executeRun(bg, p)
	}()
	return p.run, nil
}

// Close waits for background runs to finish or ctx to be done.
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background runs: %w", ctx.Err())
	}
}

type preparedRun struct {
	run      *Run
	analysis *Analysis
	values   Variables
}

func (e *Engine) prepareRun(ctx context.Context, req RemoteRequest) (*preparedRun, error) {
	if !e.RemoteEnabled() {
		return nil, ErrRemoteUnavailable
	}

	sobject := req.SObject
	if sobject == "" {
		sobject = e.sobject
	}
	if !apexgen.ValidSObject(sobject) {
		return nil, &Error{
			StatusCode: http.StatusBadRequest,
			Code:       ErrorCodeBadRequest,
			Message:    fmt.Sprintf("invalid sobject %q", sobject),
			Target:     "sobject",
			Err:        ErrValidation,
		}
	}

	analysis, err := e.Analyze(ctx, req.Formula, req.Variables)
	if err != nil {
		return nil, err
	}

	expressions := make([]string, len(analysis.Steps))
	for i, step := range analysis.Steps {
		expressions[i] = step.Expression
	}
	run, err := e.runs.Create(ctx, runs.NewRun{
		Formula:     req.Formula,
		SObject:     sobject,
		Expressions: expressions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return &preparedRun{run: run, analysis: analysis, values: req.Variables}, nil
}

func (e *Engine) executeRun(ctx context.Context, p *preparedRun) (*Run, error) {
	run, analysis := p.run, p.analysis
	ctx, span := e.tracer().StartRemoteRun(ctx, run.ID, len(analysis.Steps), run.SObject)
	defer span.End()
	logger := e.log(ctx).With(slog.String(observability.LogFieldRunID, run.ID))
	start := time.Now()

	script := apexgen.Build(apexgen.Request{
		Steps:     analysis.Steps,
		Types:     analysis.Types,
		Values:    p.values,
		Variables: analysis.Variables,
		SObject:   run.SObject,
		RunID:     run.ID,
	})

	result, err := e.execute(ctx, script, run.ID)
	e.metrics().RecordEvaluate(ctx, observability.OpRemoteRun, time.Since(start))
	if err != nil {
		e.recordError(ctx, span, observability.OpRemoteRun, err)
		logger.Warn("Remote run failed", slog.String(observability.LogFieldError, err.Error()))
		if failErr := e.runs.Fail(context.WithoutCancel(ctx), run.ID, err); failErr != nil {
			logger.Error("Failed to mark run as failed", slog.String(observability.LogFieldError, failErr.Error()))
			return nil, errors.Join(err, failErr)
		}
		stored, getErr := e.runs.Get(context.WithoutCancel(ctx), run.ID)
		if getErr != nil {
			return nil, errors.Join(err, getErr)
		}
		return stored, &Error{
			StatusCode: http.StatusBadGateway,
			Code:       ErrorCodeBadGateway,
			Message:    "remote execution failed",
			Err:        err,
		}
	}

	stored, err := e.runs.Complete(ctx, run.ID, result.Values(), result.Fallback)
	if err != nil {
		logger.Error("Failed to store run results", slog.String(observability.LogFieldError, err.Error()))
		return nil, fmt.Errorf("failed to store run results: %w", err)
	}
	span.SetAttributes(attribute.String(observability.AttrRunStatus, string(stored.Status)))
	logger.Info("Remote run completed",
		slog.Int(observability.LogFieldStepCount, len(analysis.Steps)),
		slog.Int("matched", len(result.Matches)),
		slog.Int64(observability.LogFieldDuration, time.Since(start).Milliseconds()))
	return stored, nil
}

func (e *Engine) execute(ctx context.Context, script, runID string) (apexlog.Result, error) {
	if err := e.remote.ExecuteAnonymous(ctx, script); err != nil {
		return apexlog.Result{}, fmt.Errorf("execute anonymous: %w", err)
	}
	if err := e.sleep(ctx, e.logDelay); err != nil {
		return apexlog.Result{}, err
	}
	logID, err := e.remote.LatestLogID(ctx)
	if err != nil {
		return apexlog.Result{}, fmt.Errorf("latest log: %w", err)
	}
	body, err := e.remote.LogBody(ctx, logID)
	if err != nil {
		return apexlog.Result{}, fmt.Errorf("log %s: %w", logID, err)
	}
	return apexlog.Parse(body, runID), nil
}

// GetRun returns a stored run.
func (e *Engine) GetRun(ctx context.Context, id string) (*Run, error) {
	if e.runs == nil {
		return nil, ErrRemoteUnavailable
	}
	run, err := e.runs.Get(ctx, id)
	if errors.Is(err, runs.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}

// RunPage is one page of stored runs. NextToken resumes the listing and is
// empty on the last page.
type RunPage struct {
	Runs      []*Run
	NextToken string
}

// ListRuns returns stored runs oldest first. limit zero uses the store's
// default page size; token is a NextToken from a previous page or empty.
func (e *Engine) ListRuns(ctx context.Context, limit int, token string) (*RunPage, error) {
	if e.runs == nil {
		return nil, ErrRemoteUnavailable
	}

	opts := runs.ListOptions{Limit: limit}
	if token != "" {
		after, err := skiptoken.Decode(token)
		if err != nil {
			return nil, &Error{
				StatusCode: http.StatusBadRequest,
				Code:       ErrorCodeBadRequest,
				Message:    "invalid skiptoken",
				Target:     "skiptoken",
				Err:        fmt.Errorf("%w: %v", ErrValidation, err),
			}
		}
		opts.After = after
	}

	page, err := e.runs.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := &RunPage{Runs: page.Runs}
	if page.Next != nil {
		next, err := skiptoken.Encode(page.Next)
		if err != nil {
			return nil, err
		}
		out.NextToken = next
	}
	return out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
