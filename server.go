package formula

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nlstn/go-formula/internal/etag"
	"github.com/nlstn/go-formula/internal/observability"
	"github.com/nlstn/go-formula/internal/preference"
	"github.com/nlstn/go-formula/internal/response"
)

// maxRequestBytes bounds request bodies.
const maxRequestBytes = 1 << 20

// ServeHTTP implements http.Handler. Routes:
//
//	POST /analyze    parse and type a formula
//	POST /evaluate   evaluate a formula and each of its steps
//	POST /runs       execute the steps remotely
//	GET  /runs       list stored remote runs
//	GET  /runs/{id}  fetch a stored remote run
//
// POST /evaluate honours Prefer: return=minimal by leaving out the steps.
// POST /runs honours Prefer: respond-async and return=minimal.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.handler.ServeHTTP(w, r)
}

func (e *Engine) buildHandler() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /analyze", e.handleAnalyze)
	mux.HandleFunc("POST /evaluate", e.handleEvaluate)
	mux.HandleFunc("POST /runs", e.handleCreateRun)
	mux.HandleFunc("GET /runs", e.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", e.handleGetRun)
	// The catch-all outranks the mux's own 405 handling, so it answers
	// method mismatches itself.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if allowed := allowedMethods(r.URL.Path); len(allowed) > 0 {
			w.Header().Set("Allow", strings.Join(allowed, ", "))
			e.writeError(w, &Error{
				StatusCode: http.StatusMethodNotAllowed,
				Code:       ErrorCodeMethodNotAllowed,
				Message:    fmt.Sprintf("method %s not allowed for %s", r.Method, r.URL.Path),
			})
			return
		}
		e.writeError(w, &Error{
			StatusCode: http.StatusNotFound,
			Code:       ErrorCodeNotFound,
			Message:    fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
		})
	})
	e.handler = observability.HTTPMiddleware(e.observability)(mux)
}

// allowedMethods lists the methods routed for path, or nil for unknown paths.
func allowedMethods(path string) []string {
	switch path {
	case "/analyze", "/evaluate":
		return []string{http.MethodPost}
	case "/runs":
		return []string{http.MethodGet, http.MethodHead, http.MethodPost}
	}
	if id, ok := strings.CutPrefix(path, "/runs/"); ok && id != "" && !strings.Contains(id, "/") {
		return []string{http.MethodGet, http.MethodHead}
	}
	return nil
}

type analyzeRequest struct {
	Formula string                 `json:"formula"`
	Samples map[string]interface{} `json:"samples"`
}

type analyzeStep struct {
	Index      int        `json:"index"`
	Expression string     `json:"expression"`
	ResultType ResultType `json:"resultType"`
}

type analyzeResponse struct {
	AST        interface{}   `json:"ast"`
	ResultType ResultType    `json:"resultType"`
	Rebuilt    string        `json:"rebuilt"`
	Variables  []string      `json:"variables"`
	Steps      []analyzeStep `json:"steps"`
}

func (e *Engine) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !e.decode(w, r, &req) {
		return
	}

	timing := observability.StartServerTiming(r.Context(), "analyze")
	analysis, err := e.Analyze(r.Context(), req.Formula, toVariables(req.Samples))
	timing.Stop()
	if err != nil {
		e.writeFormulaError(w, req.Formula, err)
		return
	}

	resp := analyzeResponse{
		AST:        ASTJSON(analysis.Root, analysis.Types),
		ResultType: analysis.ResultType(),
		Rebuilt:    analysis.Rebuilt,
		Variables:  nonNil(analysis.Variables),
		Steps:      make([]analyzeStep, len(analysis.Steps)),
	}
	for i, step := range analysis.Steps {
		resp.Steps[i] = analyzeStep{
			Index:      step.Index,
			Expression: step.Expression,
			ResultType: analysis.Types.TypeOf(step.Node),
		}
	}
	e.writeJSON(w, http.StatusOK, resp)
}

type evaluateRequest struct {
	Formula   string                 `json:"formula"`
	Variables map[string]interface{} `json:"variables"`
}

type evaluationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
}

type evaluateStep struct {
	Index      int              `json:"index"`
	Expression string           `json:"expression"`
	Value      *Value           `json:"value,omitempty"`
	Error      *evaluationError `json:"error,omitempty"`
}

type evaluateResponse struct {
	Result *Value           `json:"result,omitempty"`
	Error  *evaluationError `json:"error,omitempty"`
	Steps  []evaluateStep   `json:"steps"`
}

// evaluateSummary is the return=minimal form of evaluateResponse.
type evaluateSummary struct {
	Result *Value           `json:"result,omitempty"`
	Error  *evaluationError `json:"error,omitempty"`
}

func (e *Engine) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !e.decode(w, r, &req) {
		return
	}
	pref := preference.ParsePrefer(r)

	timing := observability.StartServerTiming(r.Context(), "evaluate")
	eval, err := e.Evaluate(r.Context(), req.Formula, toVariables(req.Variables))
	timing.Stop()
	if err != nil {
		e.writeFormulaError(w, req.Formula, err)
		return
	}

	resp := evaluateResponse{Steps: make([]evaluateStep, len(eval.Steps))}
	if eval.Err != nil {
		resp.Error = toEvaluationError(eval.Err)
	} else {
		value := eval.Value
		resp.Result = &value
	}
	if applied := pref.PreferenceApplied(false); applied != "" {
		w.Header().Set("Preference-Applied", applied)
	}
	if !pref.ShouldReturnContent() {
		e.writeJSON(w, http.StatusOK, evaluateSummary{Result: resp.Result, Error: resp.Error})
		return
	}
	for i, res := range eval.Steps {
		step := evaluateStep{Index: res.Step.Index, Expression: res.Step.Expression}
		if res.Err != nil {
			step.Error = toEvaluationError(res.Err)
		} else {
			value := res.Value
			step.Value = &value
		}
		resp.Steps[i] = step
	}
	e.writeJSON(w, http.StatusOK, resp)
}

type runRequest struct {
	Formula   string                 `json:"formula"`
	Variables map[string]interface{} `json:"variables"`
	SObject   string                 `json:"sobject"`
}

func (e *Engine) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !e.decode(w, r, &req) {
		return
	}
	pref := preference.ParsePrefer(r)
	remoteReq := RemoteRequest{
		Formula:   req.Formula,
		Variables: toVariables(req.Variables),
		SObject:   req.SObject,
	}

	if pref.RespondAsync {
		run, err := e.StartRemote(r.Context(), remoteReq)
		if err != nil {
			e.writeFormulaError(w, req.Formula, err)
			return
		}
		e.writeRun(w, pref, true, http.StatusAccepted, run)
		return
	}

	timing := observability.StartServerTimingWithDesc(r.Context(), "remote", "Remote execution")
	run, err := e.RunRemote(r.Context(), remoteReq)
	timing.Stop()
	switch {
	case err == nil:
		e.writeRun(w, pref, false, http.StatusCreated, run)
	case run != nil:
		// The run was stored as failed; its body carries the error text.
		e.writeJSON(w, MapErrorToHTTPStatus(err), run)
	default:
		e.writeFormulaError(w, req.Formula, err)
	}
}

// writeRun writes a created run with its Location and ETag. With
// return=minimal only the headers are sent.
func (e *Engine) writeRun(w http.ResponseWriter, pref *preference.Preference, async bool, status int, run *Run) {
	w.Header().Set("Location", "/runs/"+url.PathEscape(run.ID))
	w.Header().Set("ETag", etag.ForRun(run))
	if applied := pref.PreferenceApplied(async); applied != "" {
		w.Header().Set("Preference-Applied", applied)
	}
	if !pref.ShouldReturnContent() {
		if status == http.StatusCreated {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
		return
	}
	e.writeJSON(w, status, run)
}

type runListResponse struct {
	Runs     []*Run `json:"runs"`
	NextLink string `json:"nextLink,omitempty"`
}

func (e *Engine) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			e.writeError(w, &Error{
				StatusCode: http.StatusBadRequest,
				Code:       ErrorCodeBadRequest,
				Message:    fmt.Sprintf("invalid limit %q", raw),
				Target:     "limit",
				Err:        ErrValidation,
			})
			return
		}
		limit = n
	}

	page, err := e.ListRuns(r.Context(), limit, query.Get("skiptoken"))
	if err != nil {
		e.writeError(w, err)
		return
	}

	resp := runListResponse{Runs: page.Runs}
	if resp.Runs == nil {
		resp.Runs = []*Run{}
	}
	if page.NextToken != "" {
		next := url.Values{}
		if limit > 0 {
			next.Set("limit", strconv.Itoa(limit))
		}
		next.Set("skiptoken", page.NextToken)
		resp.NextLink = "/runs?" + next.Encode()
	}
	e.writeJSON(w, http.StatusOK, resp)
}

func (e *Engine) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := e.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		e.writeError(w, err)
		return
	}

	tag := etag.ForRun(run)
	w.Header().Set("ETag", tag)
	if !etag.NoneMatch(r.Header.Get("If-None-Match"), tag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	e.writeJSON(w, http.StatusOK, run)
}

func (e *Engine) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		e.writeError(w, &Error{
			StatusCode: http.StatusBadRequest,
			Code:       ErrorCodeBadRequest,
			Message:    "invalid request body",
			Err:        fmt.Errorf("%w: %v", ErrValidation, err),
		})
		return false
	}
	return true
}

// writeFormulaError writes err, adding the source position and caret of formula errors.
func (e *Engine) writeFormulaError(w http.ResponseWriter, source string, err error) {
	var exprErr *ExprError
	if !errors.As(err, &exprErr) {
		e.writeError(w, err)
		return
	}
	apiErr := &response.APIError{
		Code:     exprErr.Kind.String(),
		Message:  exprErr.Error(),
		Target:   "formula",
		Position: exprErr.Position(),
		Caret:    Caret(source, err),
	}
	if exprErr.Near != "" {
		apiErr.Details = []response.ErrorDetail{{Code: "near", Target: "formula", Message: exprErr.Near}}
	}
	if writeErr := response.WriteAPIError(w, http.StatusBadRequest, apiErr); writeErr != nil {
		e.logger.Error("Error writing error response", "error", writeErr)
	}
}

func (e *Engine) writeError(w http.ResponseWriter, err error) {
	status := MapErrorToHTTPStatus(err)
	apiErr := &response.APIError{
		Code:    strconv.Itoa(status),
		Message: err.Error(),
	}
	var svcErr *Error
	if errors.As(err, &svcErr) {
		apiErr.Code = string(svcErr.Code)
		apiErr.Message = svcErr.Message
		apiErr.Target = svcErr.Target
		if svcErr.Err != nil {
			apiErr.Details = []response.ErrorDetail{{Message: svcErr.Err.Error()}}
		}
	} else if status == http.StatusInternalServerError {
		e.logger.Error("Request failed", "error", err)
		apiErr.Message = http.StatusText(status)
	}
	if writeErr := response.WriteAPIError(w, status, apiErr); writeErr != nil {
		e.logger.Error("Error writing error response", "error", writeErr)
	}
}

func (e *Engine) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	if err := response.WriteJSON(w, status, v); err != nil {
		e.logger.Error("Error writing response", slog.String("error", err.Error()))
	}
}

func toEvaluationError(err error) *evaluationError {
	out := &evaluationError{Code: "Internal", Message: err.Error()}
	var exprErr *ExprError
	if errors.As(err, &exprErr) {
		out.Code = exprErr.Kind.String()
		out.Name = exprErr.Name
	}
	return out
}

func toVariables(in map[string]interface{}) Variables {
	if len(in) == 0 {
		return nil
	}
	vars := make(Variables, len(in))
	for name, raw := range in {
		vars[name] = ValueOf(raw)
	}
	return vars
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
