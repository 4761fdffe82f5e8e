// Package tooling is a small client for the remote Tooling REST API: it runs
// anonymous scripts, keeps a debug trace flag active for the session user, and
// fetches the resulting debug logs.
package tooling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultAPIVersion is used when Client.APIVersion is empty.
	DefaultAPIVersion = "v62.0"
	// DebugLevelName is the developer name of the debug level the client creates.
	DebugLevelName = "SFFormulaDebug"
	// TraceFlagDuration is how long a newly created trace flag stays active.
	TraceFlagDuration = 5 * time.Minute
)

var (
	// ErrNoLogs is returned when the org has no debug logs to read.
	ErrNoLogs = errors.New("no debug logs found")
	// ErrNotConfigured is returned when the client has no host or session.
	ErrNotConfigured = errors.New("tooling client is not configured")
)

// APIError is an error reported by the remote API, either as an error array
// or as a non-2xx status.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tooling API error %s (status %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("tooling API error (status %d): %s", e.StatusCode, e.Message)
}

// ExecutionError reports an anonymous script that failed to compile or threw.
type ExecutionError struct {
	CompileProblem      string
	ExceptionMessage    string
	ExceptionStackTrace string
}

func (e *ExecutionError) Error() string {
	if e.CompileProblem != "" {
		return "anonymous script failed to compile: " + e.CompileProblem
	}
	return "anonymous script failed: " + e.ExceptionMessage
}

// Client talks to one org's Tooling API with a session bearer token.
type Client struct {
	// Host is the org's API host name, e.g. "example.my.salesforce.com".
	Host string
	// BaseURL overrides the "https://" + Host base, mainly for tests.
	BaseURL    string
	SessionID  string
	APIVersion string
	HTTPClient *http.Client
	Logger     *slog.Logger

	now func() time.Time
}

// NewClient creates a client with a 30 second request timeout.
func NewClient(host, sessionID, apiVersion string) *Client {
	return &Client{
		Host:       host,
		SessionID:  sessionID,
		APIVersion: apiVersion,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Configured reports whether the client can make requests.
func (c *Client) Configured() bool {
	return c != nil && (c.Host != "" || c.BaseURL != "") && c.SessionID != ""
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Client) endpoint(path string) string {
	base := c.BaseURL
	if base == "" {
		base = "https://" + c.Host
	}
	version := c.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}
	return strings.TrimRight(base, "/") + "/services/data/" + version + path
}

// do performs a request and returns the response body of a 2xx response.
// Remote error arrays and non-2xx statuses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.SessionID)
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform request: %w", err)
	}
	//nolint:errcheck
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if apiErr := decodeErrorArray(resp.StatusCode, data); apiErr != nil {
		return nil, apiErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// decodeErrorArray recognizes the remote API's [{errorCode, message}] error form.
func decodeErrorArray(status int, data []byte) *APIError {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil
	}
	var errs []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(trimmed, &errs); err != nil || len(errs) == 0 || errs[0].ErrorCode == "" {
		return nil
	}
	return &APIError{StatusCode: status, Code: errs[0].ErrorCode, Message: errs[0].Message}
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type queryResult struct {
	Records []struct {
		ID             string `json:"Id"`
		StartDate      string `json:"StartDate"`
		ExpirationDate string `json:"ExpirationDate"`
	} `json:"records"`
}

func (c *Client) query(ctx context.Context, soql string) (*queryResult, error) {
	var out queryResult
	if err := c.getJSON(ctx, "/tooling/query/?q="+url.QueryEscape(soql), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecuteAnonymous runs script as anonymous code. It first makes sure a trace
// flag is active so the run produces a debug log; failing to do so is logged
// and does not stop the run.
func (c *Client) ExecuteAnonymous(ctx context.Context, script string) error {
	if err := c.EnsureTraceFlag(ctx); err != nil {
		c.logger().WarnContext(ctx, "could not ensure trace flag", "error", err)
	}

	q := url.Values{"anonymousBody": {script}}
	data, err := c.do(ctx, http.MethodGet, "/tooling/executeAnonymous/?"+q.Encode(), nil)
	if err != nil {
		return err
	}

	var result struct {
		Success             bool   `json:"success"`
		Compiled            bool   `json:"compiled"`
		CompileProblem      string `json:"compileProblem"`
		ExceptionMessage    string `json:"exceptionMessage"`
		ExceptionStackTrace string `json:"exceptionStackTrace"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("failed to decode execution result: %w", err)
	}
	if !result.Success {
		return &ExecutionError{
			CompileProblem:      result.CompileProblem,
			ExceptionMessage:    result.ExceptionMessage,
			ExceptionStackTrace: result.ExceptionStackTrace,
		}
	}
	return nil
}

// LatestLogID returns the id of the most recent debug log.
func (c *Client) LatestLogID(ctx context.Context) (string, error) {
	res, err := c.query(ctx, "SELECT Id FROM ApexLog ORDER BY StartTime DESC LIMIT 1")
	if err != nil {
		return "", err
	}
	if len(res.Records) == 0 {
		return "", ErrNoLogs
	}
	return res.Records[0].ID, nil
}

// LogBody returns the raw text of a debug log.
func (c *Client) LogBody(ctx context.Context, id string) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/tooling/sobjects/ApexLog/"+url.PathEscape(id)+"/Body", nil)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CurrentUserID returns the id of the session's user.
func (c *Client) CurrentUserID(ctx context.Context) (string, error) {
	var me struct {
		ID string `json:"id"`
	}
	if err := c.getJSON(ctx, "/chatter/users/me", &me); err != nil {
		return "", err
	}
	if me.ID == "" {
		return "", errors.New("current user has no id")
	}
	return me.ID, nil
}

// EnsureTraceFlag makes sure the session user has an active trace flag,
// creating the debug level and a short-lived flag when needed.
func (c *Client) EnsureTraceFlag(ctx context.Context) error {
	userID, err := c.CurrentUserID(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve current user: %w", err)
	}

	now := c.clock()
	flags, err := c.query(ctx, fmt.Sprintf(
		"SELECT Id, StartDate, ExpirationDate, DebugLevelId FROM TraceFlag WHERE TracedEntityId='%s' ORDER BY ExpirationDate DESC",
		soqlEscape(userID)))
	if err != nil {
		c.logger().WarnContext(ctx, "trace flag query failed", "error", err)
	} else {
		for _, r := range flags.Records {
			if traceFlagActive(r.StartDate, r.ExpirationDate, now) {
				return nil
			}
		}
	}

	levelID, err := c.ensureDebugLevel(ctx)
	if err != nil {
		return err
	}

	body := map[string]string{
		"TracedEntityId": userID,
		"DebugLevelId":   levelID,
		"LogType":        "USER_DEBUG",
		"StartDate":      now.UTC().Format(time.RFC3339),
		"ExpirationDate": now.Add(TraceFlagDuration).UTC().Format(time.RFC3339),
	}
	if _, err := c.create(ctx, "TraceFlag", body); err != nil {
		return fmt.Errorf("failed to create trace flag: %w", err)
	}
	return nil
}

func (c *Client) ensureDebugLevel(ctx context.Context) (string, error) {
	res, err := c.query(ctx, fmt.Sprintf("SELECT Id FROM DebugLevel WHERE DeveloperName='%s'", DebugLevelName))
	if err == nil && len(res.Records) > 0 {
		return res.Records[0].ID, nil
	}
	if err != nil {
		c.logger().WarnContext(ctx, "debug level query failed", "error", err)
	}

	id, err := c.create(ctx, "DebugLevel", map[string]string{
		"DeveloperName": DebugLevelName,
		"MasterLabel":   DebugLevelName,
		"ApexCode":      "DEBUG",
		"ApexProfiling": "INFO",
		"Callout":       "INFO",
		"Database":      "INFO",
		"System":        "DEBUG",
		"Validation":    "INFO",
		"Visualforce":   "INFO",
		"Workflow":      "INFO",
	})
	if err != nil {
		return "", fmt.Errorf("failed to create debug level: %w", err)
	}
	return id, nil
}

// create inserts a tooling sobject and returns its id.
func (c *Client) create(ctx context.Context, sobject string, body interface{}) (string, error) {
	data, err := c.do(ctx, http.MethodPost, "/tooling/sobjects/"+sobject, body)
	if err != nil {
		return "", err
	}
	var res struct {
		ID      string `json:"id"`
		Success bool   `json:"success"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return "", fmt.Errorf("failed to decode create result: %w", err)
	}
	if res.ID == "" {
		return "", fmt.Errorf("create %s returned no id", sobject)
	}
	return res.ID, nil
}

func traceFlagActive(start, expiration string, now time.Time) bool {
	exp, ok := parseAPITime(expiration)
	if !ok || !exp.After(now) {
		return false
	}
	if s, ok := parseAPITime(start); ok && s.After(now) {
		return false
	}
	return true
}

// parseAPITime reads the API's timestamps, e.g. "2024-03-15T12:00:00.000+0000".
func parseAPITime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02T15:04:05.000-0700", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func soqlEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
