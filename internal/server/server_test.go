package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/mongoagent/pkg/gateway"
	"github.com/malbeclabs/mongoagent/pkg/lookup"
	"github.com/malbeclabs/mongoagent/pkg/pipeline"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validModel = `collections:
  Orders:
    description: Customer orders
    fields:
      orderNumber:
        data_type: string
business_rules:
  core_collections:
    primary:
      - name: Orders
`

type mockRunner struct {
	mu   sync.Mutex
	reqs []pipeline.Request
	res  *pipeline.Response
	err  error
}

func (m *mockRunner) Run(_ context.Context, req pipeline.Request) (*pipeline.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.res, nil
}

func (m *mockRunner) requests() []pipeline.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pipeline.Request(nil), m.reqs...)
}

type staticLookup struct {
	docs map[string]*lookup.Document
	err  error
}

func (s *staticLookup) Search(_ context.Context, id string) (*lookup.Document, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.docs[id], nil
}

func successResponse() *pipeline.Response {
	return &pipeline.Response{
		Summary:    "Twelve orders shipped last month.",
		Rows:       []map[string]any{{"total": float64(12)}},
		Query:      `[{"$count":"total"}]`,
		Collection: "Orders",
		Database:   "ESM",
		Route:      pipeline.RouteSuccess,
		Debug: pipeline.Debug{
			Category:    "shipping",
			Collections: []string{"Orders"},
			QueryForm:   "json",
		},
	}
}

func newTestServer(t *testing.T, runner Runner, lk lookup.Lookup, tokens ...string) *Server {
	t.Helper()
	s, err := New(Config{
		Logger:        logger,
		Runner:        runner,
		Lookup:        lk,
		Version:       "1.2.3",
		AllowedTokens: tokens,
		Clock:         clockwork.NewFakeClockAt(time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return s
}

func post(t *testing.T, h http.Handler, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestServer_Config_Validate(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		cfg := Config{Logger: logger, Runner: &mockRunner{}, Lookup: &staticLookup{}}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, defaultListenAddr, cfg.ListenAddr)
		assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
		assert.Equal(t, defaultShutdownTimeout, cfg.ShutdownTimeout)
		assert.NotNil(t, cfg.Clock)
	})

	t.Run("missing runner", func(t *testing.T) {
		t.Parallel()
		cfg := Config{Logger: logger, Lookup: &staticLookup{}}
		require.EqualError(t, cfg.Validate(), "runner is required")
	})

	t.Run("missing lookup", func(t *testing.T) {
		t.Parallel()
		cfg := Config{Logger: logger, Runner: &mockRunner{}}
		require.EqualError(t, cfg.Validate(), "lookup is required")
	})
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockRunner{}, &staticLookup{})
	h := s.Handler()

	rr := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok\n", rr.Body.String())

	rr = get(t, h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "server not ready\n", rr.Body.String())

	s.ready.Store(true)
	rr = get(t, h, "/readyz")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = get(t, h, "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "1.2.3", health["version"])
	assert.Equal(t, "2026-10-18T12:00:00Z", health["timestamp"])

	rr = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "mongo_agent_http_requests_total")
}

func TestServer_Query_Success(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{res: successResponse()}
	s := newTestServer(t, runner, &staticLookup{})

	rr := post(t, s.Handler(), "/api/query",
		`{"question":" how many orders shipped? ","yaml_file_name":"orders.yaml","db_details":{"dbName":"ESM"},"include_debug":true}`,
		"X-Request-ID", "req-1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "req-1", rr.Header().Get("X-Request-ID"))

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "how many orders shipped?", resp.Question)
	assert.Equal(t, "orders.yaml", resp.YAMLFileName)
	assert.Equal(t, `[{"$count":"total"}]`, resp.MongoDBQuery)
	assert.Equal(t, []map[string]any{{"total": float64(12)}}, resp.QueryResult)
	assert.Equal(t, "Twelve orders shipped last month.", resp.NaturalLanguageResponse)
	assert.Equal(t, statusSuccess, resp.Status)
	assert.Equal(t, "2026-10-18T12:00:00Z", resp.Timestamp)
	require.NotNil(t, resp.DebugInfo)
	assert.Equal(t, "shipping", resp.DebugInfo.Category)
	assert.Equal(t, "Orders", resp.DebugInfo.Collection)
	assert.Equal(t, "success", resp.DebugInfo.Route)
	assert.Empty(t, resp.DebugInfo.ErrorKind)

	reqs := runner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, pipeline.Request{
		Question: "how many orders shipped?",
		Model:    "orders.yaml",
		Details:  map[string]string{"dbName": "ESM"},
	}, reqs[0])
}

func TestServer_Query_AssignsRequestID(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockRunner{res: successResponse()}, &staticLookup{})
	rr := post(t, s.Handler(), "/api/mongodb", `{"question":"q","yaml_file_name":"orders.yaml"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, rr.Header().Get("X-Request-ID"))
	assert.Nil(t, resp.DebugInfo)
}

func TestServer_Query_ExecutionFailureIsStatusError(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{res: &pipeline.Response{
		Summary:   "Query failed: Failed to connect to MCP server",
		Error:     "Failed to connect to MCP server",
		ErrorKind: gateway.KindConnectivity,
		Route:     pipeline.RouteFatal,
	}}
	s := newTestServer(t, runner, &staticLookup{})

	rr := post(t, s.Handler(), "/api/query", `{"question":"q","yaml_file_name":"orders.yaml","include_debug":true}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, statusError, resp.Status)
	assert.Equal(t, []map[string]any{}, resp.QueryResult)
	assert.Equal(t, "Query failed: Failed to connect to MCP server", resp.NaturalLanguageResponse)
	require.NotNil(t, resp.DebugInfo)
	assert.Equal(t, "connectivity", resp.DebugInfo.ErrorKind)
	assert.Equal(t, "fatal", resp.DebugInfo.Route)
}

func TestServer_Query_ErrorStatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"unknown model", `{"question":"q","yaml_file_name":"missing.yaml"}`, fmt.Errorf("%w: missing.yaml", pipeline.ErrNotFound), http.StatusNotFound},
		{"invalid request", `{"question":"","yaml_file_name":"orders.yaml"}`, fmt.Errorf("%w: question and model are required", pipeline.ErrInvalidRequest), http.StatusBadRequest},
		{"selection failure", `{"question":"q","yaml_file_name":"orders.yaml"}`, errors.New("failed to generate query: boom"), http.StatusInternalServerError},
		{"malformed body", `{"question":`, nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runner := &mockRunner{err: tt.err, res: successResponse()}
			s := newTestServer(t, runner, &staticLookup{})

			rr := post(t, s.Handler(), "/api/query", tt.body)
			require.Equal(t, tt.status, rr.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			if tt.err == nil {
				assert.Empty(t, runner.requests())
			}
		})
	}
}

func TestServer_Validate(t *testing.T) {
	t.Parallel()

	lk := &staticLookup{docs: map[string]*lookup.Document{
		"orders.yaml": {Text: validModel},
		"broken.yaml": {Text: "collections: ["},
	}}
	s := newTestServer(t, &mockRunner{}, lk)

	t.Run("valid model", func(t *testing.T) {
		t.Parallel()
		rr := post(t, s.Handler(), "/api/validate", `{"yaml_file_name":"orders.yaml"}`)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp ValidateResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "orders.yaml", resp.YAMLFileName)
		assert.True(t, resp.Valid)
		assert.Empty(t, resp.Errors)
		require.NotNil(t, resp.Summary)
		assert.Equal(t, 1, resp.Summary.Collections)
		assert.Equal(t, 1, resp.Summary.Fields)
	})

	t.Run("unparseable model", func(t *testing.T) {
		t.Parallel()
		rr := post(t, s.Handler(), "/api/validate-yaml", `{"yaml_file_name":"broken.yaml"}`)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp ValidateResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.False(t, resp.Valid)
		require.Len(t, resp.Errors, 1)
		assert.Contains(t, resp.Errors[0], "parse error")
	})

	t.Run("unknown model", func(t *testing.T) {
		t.Parallel()
		rr := post(t, s.Handler(), "/api/validate", `{"yaml_file_name":"missing.yaml"}`)
		require.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("missing name", func(t *testing.T) {
		t.Parallel()
		rr := post(t, s.Handler(), "/api/validate", `{}`)
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestServer_Validate_LookupError(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockRunner{}, &staticLookup{err: errors.New("weaviate lookup failed")})
	rr := post(t, s.Handler(), "/api/validate", `{"yaml_file_name":"orders.yaml"}`)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestServer_Capabilities(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockRunner{}, &staticLookup{})
	rr := get(t, s.Handler(), "/api/capabilities")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp, "endpoints")
	agent, ok := resp["mongodb_agent"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"MongoDB"}, agent["supported_databases"])
}

func TestServer_Auth(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{res: successResponse()}
	s := newTestServer(t, runner, &staticLookup{}, "secret-a", "secret-b")
	body := `{"question":"q","yaml_file_name":"orders.yaml"}`

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic c2VjcmV0LWE=", http.StatusUnauthorized},
		{"empty token", "Bearer  ", http.StatusUnauthorized},
		{"unknown token", "Bearer nope", http.StatusUnauthorized},
		{"first token", "Bearer secret-a", http.StatusOK},
		{"second token lowercase scheme", "bearer secret-b", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var headers []string
			if tt.header != "" {
				headers = []string{"Authorization", tt.header}
			}
			rr := post(t, s.Handler(), "/api/query", body, headers...)
			require.Equal(t, tt.status, rr.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, "Bearer", rr.Header().Get("WWW-Authenticate"))
			}
		})
	}

	t.Run("probes stay open", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, http.StatusOK, get(t, s.Handler(), "/healthz").Code)
		require.Equal(t, http.StatusOK, get(t, s.Handler(), "/health").Code)
	})
}

func TestServer_CORS_Preflight(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockRunner{}, &staticLookup{}, "secret")
	req := httptest.NewRequest(http.MethodOptions, "/api/query", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	require.Less(t, rr.Code, 300)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_MCP_AskTool(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{res: successResponse()}
	s := newTestServer(t, runner, &staticLookup{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: ts.URL + "/mcp"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	tools, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "ask", tools.Tools[0].Name)

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "ask",
		Arguments: map[string]any{"question": "how many orders shipped?", "model": "orders.yaml"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.NotEmpty(t, res.Content)

	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	var out AskOutput
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	assert.Equal(t, "Twelve orders shipped last month.", out.Summary)
	assert.Equal(t, "Orders", out.Collection)
	assert.Equal(t, []map[string]any{{"total": float64(12)}}, out.Rows)
	assert.Empty(t, out.Error)

	reqs := runner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "orders.yaml", reqs[0].Model)
}

func TestServer_MCP_AskToolNotFound(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{err: fmt.Errorf("%w: missing.yaml", pipeline.ErrNotFound)}
	s := newTestServer(t, runner, &staticLookup{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: ts.URL + "/mcp"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "ask",
		Arguments: map[string]any{"question": "q", "model": "missing.yaml"},
	})
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestServer_Run_StopsOnCancel(t *testing.T) {
	t.Parallel()

	s, err := New(Config{
		Logger:      logger,
		Runner:      &mockRunner{},
		Lookup:      &staticLookup{},
		ListenAddr:  "127.0.0.1:0",
		MetricsAddr: "127.0.0.1:0",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, s.ready.Load, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.False(t, s.ready.Load())
}

func TestServer_RequestSizeLimit(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockRunner{res: successResponse()}, &staticLookup{})
	big := `{"question":"` + string(bytes.Repeat([]byte("a"), defaultMaxBodyBytes+1)) + `","yaml_file_name":"x"}`
	rr := post(t, s.Handler(), "/api/query", big)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
