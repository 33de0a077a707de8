package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/filter"
	"github.com/migadu/sift/pkg/health"
	"github.com/migadu/sift/rules"
	"github.com/migadu/sift/server/delivery"
	"github.com/migadu/sift/store"
)

const testKey = "secret-key"

const testMessage = "From: shop@example.com\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: Big sale\r\n" +
	"Date: Tue, 02 Jan 2024 10:00:00 +0000\r\n" +
	"\r\n" +
	"Everything must go\r\n"

func newTestServer(t *testing.T, withStore bool, hosts ...string) http.Handler {
	t.Helper()
	var st *store.Store
	if withStore {
		var err error
		st, err = store.Open(context.Background(), config.StoreConfig{Path: filepath.Join(t.TempDir(), "sift.db")})
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
	}

	rs := &rules.RuleSet{Rules: []rules.Rule{
		{
			Name:    "sales",
			Parts:   []rules.Part{{Field: "subject", Op: "contains", Values: []string{"sale"}}},
			Actions: []rules.Action{{Type: "move-to", Args: []string{"Deals"}}},
		},
		{Name: "broken", Expression: "(and", ActionExpression: "(stop)"},
	}}
	d := filter.NewDriver(rs, config.FilterConfig{})
	t.Cleanup(d.Close)

	dl, err := delivery.New(st, d, config.FilterConfig{})
	require.NoError(t, err)
	s, err := New(dl, config.HTTPAPIConfig{APIKey: testKey, AllowedHosts: hosts, MaxBodySize: "1kb"})
	require.NoError(t, err)
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.RemoteAddr = "10.0.0.1:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, config.HTTPAPIConfig{})
	assert.Error(t, err)

	_, err = New(nil, config.HTTPAPIConfig{APIKey: "k", TLS: true})
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	h := newTestServer(t, false)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusForbidden},
		{"valid", "Bearer " + testKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/rules", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAllowedHosts(t *testing.T) {
	h := newTestServer(t, false, "192.168.0.0/16")
	rec := do(t, h, "GET", "/api/v1/rules", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	h = newTestServer(t, false, "10.0.0.0/8")
	rec = do(t, h, "GET", "/api/v1/rules", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	h := newTestServer(t, true)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decode(t, rec, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(2), resp["rules"])
}

func TestHealthComponents(t *testing.T) {
	d := filter.NewDriver(nil, config.FilterConfig{})
	t.Cleanup(d.Close)
	dl, err := delivery.New(nil, d, config.FilterConfig{})
	require.NoError(t, err)

	var storeErr error
	hm := health.NewMonitor()
	hm.Register(&health.Check{Name: "store", Critical: true, Check: func(context.Context) error { return storeErr }})
	s, err := New(dl, config.HTTPAPIConfig{APIKey: testKey}, WithHealth(hm))
	require.NoError(t, err)
	h := s.Handler()

	hm.RunAll(context.Background())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	storeErr = errors.New("disk I/O error")
	hm.RunAll(context.Background())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Status     string                   `json:"status"`
		Components map[string]health.Report `json:"components"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "disk I/O error", resp.Components["store"].Error)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, false)
	do(t, h, "GET", "/api/v1/rules", nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sift_http_requests_total")
}

func TestEvaluate(t *testing.T) {
	h := newTestServer(t, false)

	tests := []struct {
		name  string
		req   EvaluateRequest
		code  int
		kind  string
		value any
	}{
		{"arithmetic", EvaluateRequest{Expression: "(+ 1 2 3)"}, http.StatusOK, "int", float64(6)},
		{"string", EvaluateRequest{Expression: `(cast-string 42)`}, http.StatusOK, "string", "42"},
		{"against message", EvaluateRequest{Expression: `(header-contains "Subject" "sale")`, Message: testMessage}, http.StatusOK, "bool", true},
		{"parse error", EvaluateRequest{Expression: "(+ 1"}, http.StatusUnprocessableEntity, "parse", nil},
		{"type error", EvaluateRequest{Expression: `(< 1 "x")`}, http.StatusUnprocessableEntity, "type", nil},
		{"empty", EvaluateRequest{}, http.StatusBadRequest, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.req)
			rec := do(t, h, "POST", "/api/v1/evaluate", body)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())

			switch tt.code {
			case http.StatusOK:
				var resp EvaluateResponse
				decode(t, rec, &resp)
				assert.Equal(t, tt.kind, resp.Kind)
				assert.Equal(t, tt.value, resp.Value)
			case http.StatusUnprocessableEntity:
				var resp ErrorResponse
				decode(t, rec, &resp)
				assert.Equal(t, tt.kind, resp.Kind)
			}
		})
	}
}

func TestFilterDryRun(t *testing.T) {
	h := newTestServer(t, false)
	rec := do(t, h, "POST", "/api/v1/filter", []byte(testMessage))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res delivery.Result
	decode(t, rec, &res)
	assert.Equal(t, "Deals", res.Folder)
	assert.Equal(t, []string{"sales"}, res.Outcome.Matched)

	rec = do(t, h, "POST", "/api/v1/filter", []byte(strings.Repeat("x", 2048)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = do(t, h, "POST", "/api/v1/messages", []byte(testMessage))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no store configured")
}

func TestDeliverSearchAndRuns(t *testing.T) {
	h := newTestServer(t, true)

	rec := do(t, h, "POST", "/api/v1/messages", []byte(testMessage))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res delivery.Result
	decode(t, rec, &res)

	rec = do(t, h, "POST", "/api/v1/messages", []byte(testMessage))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, "GET", "/api/v1/folders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var folders struct {
		Folders map[string]int64 `json:"folders"`
	}
	decode(t, rec, &folders)
	assert.Equal(t, map[string]int64{"Deals": 1}, folders.Folders)

	rec = do(t, h, "GET", `/api/v1/folders/Deals/search?q=`+`(header-contains%20%22From%22%20%22shop%22)`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var found struct {
		UIDs []string `json:"uids"`
	}
	decode(t, rec, &found)
	assert.Equal(t, []string{res.UID}, found.UIDs)

	rec = do(t, h, "GET", "/api/v1/folders/Deals/search?q=%28%2B%201%202%29", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "a non-boolean search fails")

	rec = do(t, h, "GET", "/api/v1/messages/"+res.UID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msg MessageResponse
	decode(t, rec, &msg)
	assert.Equal(t, "Big sale", msg.Subject)
	assert.Equal(t, "Deals", msg.Folder)

	rec = do(t, h, "GET", "/api/v1/messages/"+res.UID+"/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs struct {
		Total int `json:"total"`
	}
	decode(t, rec, &runs)
	assert.Equal(t, 1, runs.Total)

	rec = do(t, h, "GET", "/api/v1/messages/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRules(t *testing.T) {
	h := newTestServer(t, false)
	rec := do(t, h, "GET", "/api/v1/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RulesResponse
	decode(t, rec, &resp)
	assert.Equal(t, []string{"sales", "broken"}, resp.Rules)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "broken", resp.Errors[0].Rule)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded for", map[string]string{"X-Forwarded-For": "192.168.1.100, 10.0.0.5"}, "10.0.0.1:1", "192.168.1.100"},
		{"real ip", map[string]string{"X-Real-IP": "192.168.1.200"}, "10.0.0.1:1", "192.168.1.200"},
		{"remote addr", nil, "192.168.1.50:12345", "192.168.1.50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}
