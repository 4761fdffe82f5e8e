package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

// fakeOrg emulates the handful of Tooling API endpoints the client uses.
type fakeOrg struct {
	mu          sync.Mutex
	traceFlags  []map[string]string
	debugLevels []string
	executed    []string
	created     []string
	execResult  string
	logs        map[string]string
	authHeaders []string
}

func newFakeOrg() *fakeOrg {
	return &fakeOrg{
		execResult: `{"success":true,"compiled":true}`,
		logs:       map[string]string{},
	}
}

func (o *fakeOrg) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.authHeaders = append(o.authHeaders, r.Header.Get("Authorization"))

	path := strings.TrimPrefix(r.URL.Path, "/services/data/v62.0")
	switch {
	case path == "/chatter/users/me":
		writeJSON(w, map[string]string{"id": "005USER"})
	case path == "/tooling/query/":
		o.serveQuery(w, r.URL.Query().Get("q"))
	case path == "/tooling/executeAnonymous/":
		o.executed = append(o.executed, r.URL.Query().Get("anonymousBody"))
		_, _ = io.WriteString(w, o.execResult)
	case path == "/tooling/sobjects/DebugLevel" && r.Method == http.MethodPost:
		o.created = append(o.created, "DebugLevel")
		o.debugLevels = append(o.debugLevels, "7dlNEW")
		writeJSON(w, map[string]interface{}{"id": "7dlNEW", "success": true})
	case path == "/tooling/sobjects/TraceFlag" && r.Method == http.MethodPost:
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		o.created = append(o.created, "TraceFlag")
		o.traceFlags = append(o.traceFlags, map[string]string{
			"Id":             "7tfNEW",
			"StartDate":      body["StartDate"],
			"ExpirationDate": body["ExpirationDate"],
		})
		writeJSON(w, map[string]interface{}{"id": "7tfNEW", "success": true})
	case strings.HasPrefix(path, "/tooling/sobjects/ApexLog/") && strings.HasSuffix(path, "/Body"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/tooling/sobjects/ApexLog/"), "/Body")
		body, ok := o.logs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `[{"errorCode":"NOT_FOUND","message":"The requested resource does not exist"}]`)
			return
		}
		_, _ = io.WriteString(w, body)
	default:
		http.NotFound(w, r)
	}
}

func (o *fakeOrg) serveQuery(w http.ResponseWriter, q string) {
	var records []map[string]string
	switch {
	case strings.Contains(q, "FROM TraceFlag"):
		records = o.traceFlags
	case strings.Contains(q, "FROM DebugLevel"):
		for _, id := range o.debugLevels {
			records = append(records, map[string]string{"Id": id})
		}
	case strings.Contains(q, "FROM ApexLog"):
		for id := range o.logs {
			records = append(records, map[string]string{"Id": id})
		}
	}
	writeJSON(w, map[string]interface{}{"records": records})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, org *fakeOrg) *Client {
	t.Helper()
	srv := httptest.NewServer(org)
	t.Cleanup(srv.Close)

	c := NewClient("", "SESSION", "")
	c.BaseURL = srv.URL
	c.HTTPClient = srv.Client()
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestClient_ExecuteAnonymous(t *testing.T) {
	org := newFakeOrg()
	c := newTestClient(t, org)

	script := "System.debug('SFDBG|r|1|' + String.valueOf(1 + 2));"
	require.NoError(t, c.ExecuteAnonymous(context.Background(), script))

	require.Len(t, org.executed, 1)
	assert.Equal(t, script, org.executed[0])
	assert.Equal(t, []string{"DebugLevel", "TraceFlag"}, org.created)
	for _, h := range org.authHeaders {
		assert.Equal(t, "Bearer SESSION", h)
	}
}

func TestClient_ReusesActiveTraceFlag(t *testing.T) {
	org := newFakeOrg()
	org.traceFlags = []map[string]string{{
		"Id":             "7tfOLD",
		"StartDate":      "2024-03-15T11:58:00.000+0000",
		"ExpirationDate": "2024-03-15T12:03:00.000+0000",
	}}
	c := newTestClient(t, org)

	require.NoError(t, c.EnsureTraceFlag(context.Background()))
	assert.Empty(t, org.created)
}

func TestClient_ExpiredTraceFlagIsReplaced(t *testing.T) {
	org := newFakeOrg()
	org.debugLevels = []string{"7dlOLD"}
	org.traceFlags = []map[string]string{{
		"Id":             "7tfOLD",
		"ExpirationDate": "2024-03-15T11:00:00.000+0000",
	}}
	c := newTestClient(t, org)

	require.NoError(t, c.EnsureTraceFlag(context.Background()))
	assert.Equal(t, []string{"TraceFlag"}, org.created)
	assert.Equal(t, "2024-03-15T12:05:00Z", org.traceFlags[1]["ExpirationDate"])
}

func TestClient_ExecutionErrors(t *testing.T) {
	t.Run("compile problem", func(t *testing.T) {
		org := newFakeOrg()
		org.execResult = `{"success":false,"compiled":false,"compileProblem":"Unexpected token"}`
		c := newTestClient(t, org)

		err := c.ExecuteAnonymous(context.Background(), "bad")
		var execErr *ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, "Unexpected token", execErr.CompileProblem)
		assert.Contains(t, err.Error(), "compile")
	})

	t.Run("exception", func(t *testing.T) {
		org := newFakeOrg()
		org.execResult = `{"success":false,"compiled":true,"exceptionMessage":"Math exception","exceptionStackTrace":"line 3"}`
		c := newTestClient(t, org)

		err := c.ExecuteAnonymous(context.Background(), "x")
		var execErr *ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, "line 3", execErr.ExceptionStackTrace)
		assert.Contains(t, err.Error(), "Math exception")
	})

	t.Run("error array", func(t *testing.T) {
		org := newFakeOrg()
		org.execResult = `[{"errorCode":"INVALID_SESSION_ID","message":"Session expired"}]`
		c := newTestClient(t, org)

		err := c.ExecuteAnonymous(context.Background(), "x")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "INVALID_SESSION_ID", apiErr.Code)
		assert.Equal(t, "Session expired", apiErr.Message)
	})
}

func TestClient_Logs(t *testing.T) {
	org := newFakeOrg()
	c := newTestClient(t, org)

	_, err := c.LatestLogID(context.Background())
	assert.ErrorIs(t, err, ErrNoLogs)

	org.logs["07L1"] = "12:00|USER_DEBUG|[1]|DEBUG|hello"
	id, err := c.LatestLogID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "07L1", id)

	body, err := c.LogBody(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "12:00|USER_DEBUG|[1]|DEBUG|hello", body)

	_, err = c.LogBody(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
}

func TestClient_NotConfigured(t *testing.T) {
	var c *Client
	assert.False(t, c.Configured())

	c = NewClient("", "", "")
	assert.False(t, c.Configured())
	err := c.ExecuteAnonymous(context.Background(), "x")
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestClient_Endpoint(t *testing.T) {
	c := NewClient("example.my.salesforce.com", "s", "")
	assert.Equal(t, "https://example.my.salesforce.com/services/data/v62.0/tooling/query/", c.endpoint("/tooling/query/"))

	c.APIVersion = "v60.0"
	c.BaseURL = "http://localhost:8080/"
	assert.Equal(t, "http://localhost:8080/services/data/v60.0/chatter/users/me", c.endpoint("/chatter/users/me"))
}

func TestTraceFlagActive(t *testing.T) {
	tests := []struct {
		name       string
		start, exp string
		want       bool
	}{
		{"active", "2024-03-15T11:00:00.000+0000", "2024-03-15T13:00:00.000+0000", true},
		{"no start", "", "2024-03-15T13:00:00Z", true},
		{"expired", "", "2024-03-15T11:59:59.000+0000", false},
		{"not started", "2024-03-15T12:30:00.000+0000", "2024-03-15T13:00:00.000+0000", false},
		{"no expiration", "2024-03-15T11:00:00.000+0000", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, traceFlagActive(tt.start, tt.exp, fixedNow))
		})
	}
}
