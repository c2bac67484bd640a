package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/mongoagent/pkg/gateway"
	"github.com/malbeclabs/mongoagent/pkg/lookup"
	"github.com/malbeclabs/mongoagent/pkg/parser"
	"github.com/malbeclabs/mongoagent/pkg/prompts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ordersModel = `collection_info:
  database: ESM
  schema_name: OrdersSchema
collections:
  Orders:
    description: Customer orders
    business_importance: critical
    query_frequency: very_high
    categories: [shipping]
    fields:
      orderNumber:
        data_type: string
        description: Order identifier
      shippedDate:
        data_type: date
        description: Date the order shipped
      lines:
        data_type: array
        nested_path: lines
  Invoices:
    description: Invoices
    business_importance: low
    query_frequency: low
    fields:
      invoiceId:
        data_type: string
business_rules:
  core_collections:
    primary:
      - name: Orders
  domain_keywords:
    shipping: [shipped, orders]
  query_type_rules:
    shipping:
      essential_collections: [Orders]
      max_collections: 2
`

const countResponse = "```json\n" + `{"mongodb_query":[{"$match":{"shippedDate":{"$gte":{"$date":"2026-09-01T00:00:00Z"}}}},{"$count":"total"}],` +
	`"collection_name":"Orders","database_name":"ESM","parameters":{},"entities":[{"type":"collection","name":"Orders"}],"query_type":"aggregate"}` + "\n```"

const refinedResponse = "```json\n" + `{"mongodb_query":[{"$count":"total"}],"collection_name":"Orders","database_name":"ESM","entities":[{"type":"collection","name":"Orders"}]}` + "\n```"

type mockLLM struct {
	mu       sync.Mutex
	complete []string
	errs     []error
	stream   []string
	streamEr error
	prompts  []string
	streamed []string
}

func (m *mockLLM) Complete(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.prompts)
	m.prompts = append(m.prompts, prompt)
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i >= len(m.complete) {
		return "", errors.New("unexpected completion call")
	}
	return m.complete[i], nil
}

func (m *mockLLM) Stream(_ context.Context, prompt string, onChunk func(string) error) error {
	m.mu.Lock()
	m.streamed = append(m.streamed, prompt)
	chunks, err := m.stream, m.streamEr
	m.mu.Unlock()
	for _, c := range chunks {
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return err
}

type mockExecutor struct {
	mu      sync.Mutex
	results []gateway.Result
	queries []gateway.Query
	targets []gateway.Target
}

func (m *mockExecutor) Execute(_ context.Context, q gateway.Query, target gateway.Target) gateway.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.queries)
	m.queries = append(m.queries, q)
	m.targets = append(m.targets, target)
	if i < len(m.results) {
		return m.results[i]
	}
	return m.results[len(m.results)-1]
}

func (m *mockExecutor) Close(context.Context) error { return nil }

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

func newTestPipeline(t *testing.T, llmClient *mockLLM, exec *mockExecutor) *Pipeline {
	t.Helper()
	p, err := New(Config{
		Logger:   logger,
		LLM:      llmClient,
		Executor: exec,
		Lookup: &staticLookup{docs: map[string]*lookup.Document{
			"orders.yaml": {Text: ordersModel, Application: "GenAI-Agent", Kind: "mongodb"},
		}},
		Clock: clockwork.NewFakeClockAt(time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return p
}

func ok(rows ...map[string]any) gateway.Result {
	return gateway.Result{Success: true, Rows: rows}
}

func TestPipeline_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{Logger: logger, LLM: &mockLLM{}, Lookup: &staticLookup{}, Executor: &mockExecutor{}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, defaultMaxFields, cfg.MaxFields)
	assert.NotNil(t, cfg.Optimizer)
	assert.NotNil(t, cfg.Clock)

	require.EqualError(t, (&Config{LLM: &mockLLM{}, Lookup: &staticLookup{}, Executor: &mockExecutor{}}).Validate(), "logger is required")
	require.Error(t, (&Config{Logger: logger, Lookup: &staticLookup{}, Executor: &mockExecutor{}}).Validate())
	require.Error(t, (&Config{Logger: logger, LLM: &mockLLM{}, Executor: &mockExecutor{}}).Validate())
	require.Error(t, (&Config{Logger: logger, LLM: &mockLLM{}, Lookup: &staticLookup{}}).Validate())
}

func TestPipeline_Route(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       *gateway.Error
		iteration int
		want      Route
	}{
		{name: "success", want: RouteSuccess},
		{name: "success after refine", iteration: 1, want: RouteSuccess},
		{name: "no query", err: &gateway.Error{Kind: gateway.KindNoQuery}, want: RouteFatal},
		{name: "connectivity", err: &gateway.Error{Kind: gateway.KindConnectivity}, want: RouteFatal},
		{name: "fatal marker", err: &gateway.Error{Kind: gateway.KindFatal}, want: RouteFatal},
		{name: "backend first failure", err: &gateway.Error{Kind: gateway.KindBackend}, want: RouteRefine},
		{name: "syntax first failure", err: &gateway.Error{Kind: gateway.KindQuerySyntax}, want: RouteRefine},
		{name: "backend after refine", err: &gateway.Error{Kind: gateway.KindBackend}, iteration: 1, want: RouteFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, route(&State{LastError: tt.err, Iteration: tt.iteration}))
		})
	}
}

func TestPipeline_Run_SuccessExplains(t *testing.T) {
	t.Parallel()

	llmClient := &mockLLM{complete: []string{countResponse}, stream: []string{"12 orders ", "shipped last month."}}
	exec := &mockExecutor{results: []gateway.Result{ok(map[string]any{"total": 12})}}
	p := newTestPipeline(t, llmClient, exec)

	question := "How many orders were shipped last month?"
	resp, err := p.Run(t.Context(), Request{Question: question, Model: "orders.yaml", Details: map[string]string{"applicationName": "Portal"}})
	require.NoError(t, err)

	assert.Equal(t, RouteSuccess, resp.Route)
	assert.Equal(t, "12 orders shipped last month.", resp.Summary)
	assert.Empty(t, resp.Error)
	assert.Equal(t, "Orders", resp.Collection)
	assert.Equal(t, "ESM", resp.Database)
	assert.Equal(t, []map[string]any{{"total": 12}}, resp.Rows)
	assert.Equal(t, 0, resp.Iterations)
	assert.True(t, parser.ValidatePipeline(resp.Pipeline))
	assert.Len(t, resp.Pipeline, 2)

	assert.Equal(t, "shipping", resp.Debug.Category)
	assert.Equal(t, []string{"Orders"}, resp.Debug.Collections)
	assert.Equal(t, []string{"lines"}, resp.Debug.ArrayFields)

	require.Len(t, llmClient.prompts, 1)
	assert.Contains(t, llmClient.prompts[0], question)
	assert.Contains(t, llmClient.prompts[0], "2026-10-18")
	assert.NotContains(t, llmClient.prompts[0], "Invoices")
	require.Len(t, llmClient.streamed, 1)
	assert.Contains(t, llmClient.streamed[0], `"total": 12`)

	require.Len(t, exec.targets, 1)
	target := exec.targets[0]
	assert.Equal(t, "Orders", target["collection"])
	assert.Equal(t, "ESM", target["dbName"])
	assert.Equal(t, "OrdersSchema", target["userName"])
	assert.Equal(t, "Portal", target["applicationName"])
}

func TestPipeline_Run_ConnectivityFailureIsFatal(t *testing.T) {
	t.Parallel()

	llmClient := &mockLLM{complete: []string{countResponse}}
	exec := &mockExecutor{results: []gateway.Result{gateway.Failure("MCP request failed: HTTP 401")}}
	p := newTestPipeline(t, llmClient, exec)

	resp, err := p.Run(t.Context(), Request{Question: "How many orders were shipped?", Model: "orders.yaml"})
	require.NoError(t, err)
	assert.Equal(t, RouteFatal, resp.Route)
	assert.Equal(t, 0, resp.Iterations)
	assert.Contains(t, resp.Error, "401")
	assert.Equal(t, gateway.KindConnectivity, resp.ErrorKind)
	assert.Contains(t, resp.Summary, "401")
	assert.Len(t, exec.queries, 1)
	assert.Len(t, llmClient.prompts, 1)
	assert.Empty(t, llmClient.streamed)
}

func TestPipeline_Run_NoSQLFoundBackendErrorIsFatal(t *testing.T) {
	t.Parallel()

	llmClient := &mockLLM{complete: []string{countResponse}}
	exec := &mockExecutor{results: []gateway.Result{gateway.Failure("No SQL found in response")}}
	p := newTestPipeline(t, llmClient, exec)

	resp, err := p.Run(t.Context(), Request{Question: "How many orders were shipped?", Model: "orders.yaml"})
	require.NoError(t, err)
	assert.Equal(t, RouteFatal, resp.Route)
	assert.Equal(t, 0, resp.Iterations)
	assert.Equal(t, gateway.KindNoQuery, resp.ErrorKind)
	assert.Len(t, exec.queries, 1)
	assert.Len(t, llmClient.prompts, 1)
}

type panicExecutor struct{}

func (panicExecutor) Execute(context.Context, gateway.Query, gateway.Target) gateway.Result {
	panic("driver exploded")
}

func (panicExecutor) Close(context.Context) error { return nil }

type panicStreamLLM struct {
	*mockLLM
}

func (panicStreamLLM) Stream(context.Context, string, func(string) error) error {
	panic("stream exploded")
}

func TestPipeline_Run_RecoversStepPanics(t *testing.T) {
	t.Parallel()

	lk := &staticLookup{docs: map[string]*lookup.Document{"orders.yaml": {Text: ordersModel}}}

	t.Run("execute", func(t *testing.T) {
		t.Parallel()
		llmClient := &mockLLM{complete: []string{countResponse}}
		p, err := New(Config{Logger: logger, LLM: llmClient, Lookup: lk, Executor: panicExecutor{}})
		require.NoError(t, err)

		resp, err := p.Run(t.Context(), Request{Question: "How many orders?", Model: "orders.yaml"})
		require.NoError(t, err)
		assert.Equal(t, RouteFatal, resp.Route)
		assert.Equal(t, 0, resp.Iterations)
		assert.Equal(t, gateway.KindFatal, resp.ErrorKind)
		assert.Equal(t, "execute step panicked: driver exploded", resp.Error)
		assert.Equal(t, "Query failed: execute step panicked: driver exploded", resp.Summary)
		assert.Len(t, llmClient.prompts, 1)
	})

	t.Run("explain", func(t *testing.T) {
		t.Parallel()
		exec := &mockExecutor{results: []gateway.Result{ok(map[string]any{"total": 3})}}
		p, err := New(Config{Logger: logger, LLM: panicStreamLLM{&mockLLM{complete: []string{countResponse}}}, Lookup: lk, Executor: exec})
		require.NoError(t, err)

		resp, err := p.Run(t.Context(), Request{Question: "How many orders?", Model: "orders.yaml"})
		require.NoError(t, err)
		assert.Equal(t, RouteSuccess, resp.Route)
		assert.Equal(t, gateway.KindFatal, resp.ErrorKind)
		assert.Equal(t, "Error formatting response: explain step panicked: stream exploded", resp.Summary)
		assert.Equal(t, []map[string]any{{"total": 3}}, resp.Rows)
	})
}

func TestPipeline_Run_RefinesOnceThenFails(t *testing.T) {
	t.Parallel()

	bad := gateway.Failure("field 'x' unknown operator")
	llmClient := &mockLLM{complete: []string{countResponse, refinedResponse}}
	exec := &mockExecutor{results: []gateway.Result{bad, bad}}
	p := newTestPipeline(t, llmClient, exec)

	resp, err := p.Run(t.Context(), Request{Question: "How many orders were shipped?", Model: "orders.yaml"})
	require.NoError(t, err)
	assert.Equal(t, RouteFatal, resp.Route)
	assert.Equal(t, 1, resp.Iterations)
	assert.Equal(t, "field 'x' unknown operator", resp.Error)
	assert.Len(t, exec.queries, 2)

	require.Len(t, llmClient.prompts, 2)
	refinePrompt := llmClient.prompts[1]
	assert.Contains(t, refinePrompt, "field 'x' unknown operator")
	assert.Contains(t, refinePrompt, gateway.ExecutionErrorClass)
	assert.Contains(t, refinePrompt, `"$count":"total"`)
	assert.Equal(t, `[{"$count":"total"}]`, exec.queries[1].Pipeline.Compact())
}

func TestPipeline_Run_RefinementRecovers(t *testing.T) {
	t.Parallel()

	llmClient := &mockLLM{complete: []string{countResponse, refinedResponse}, stream: []string{"There are 4 orders."}}
	exec := &mockExecutor{results: []gateway.Result{gateway.Failure("unknown operator $gte"), ok(map[string]any{"total": 4})}}
	p := newTestPipeline(t, llmClient, exec)

	resp, err := p.Run(t.Context(), Request{Question: "How many orders?", Model: "orders.yaml"})
	require.NoError(t, err)
	assert.Equal(t, RouteSuccess, resp.Route)
	assert.Equal(t, 1, resp.Iterations)
	assert.Equal(t, "There are 4 orders.", resp.Summary)
	assert.Empty(t, resp.Error)
}

func TestPipeline_Run_RefinerErrorIsFatal(t *testing.T) {
	t.Parallel()

	llmClient := &mockLLM{complete: []string{countResponse}, errs: []error{nil, errors.New("rate limited")}}
	exec := &mockExecutor{results: []gateway.Result{gateway.Failure("unknown operator")}}
	p := newTestPipeline(t, llmClient, exec)

	resp, err := p.Run(t.Context(), Request{Question: "How many orders?", Model: "orders.yaml"})
	require.NoError(t, err)
	assert.Equal(t, RouteFatal, resp.Route)
	assert.Equal(t, 1, resp.Iterations)
	assert.Equal(t, "Refiner error: rate limited", resp.Error)
	assert.Len(t, exec.queries, 1)
}

func TestPipeline_Run_NoQueryIsFatalWithoutExecution(t *testing.T) {
	t.Parallel()

	llmClient := &mockLLM{complete: []string{"I cannot answer that."}}
	exec := &mockExecutor{results: []gateway.Result{ok()}}
	p := newTestPipeline(t, llmClient, exec)

	resp, err := p.Run(t.Context(), Request{Question: "How many orders?", Model: "orders.yaml"})
	require.NoError(t, err)
	assert.Equal(t, RouteFatal, resp.Route)
	assert.Equal(t, gateway.KindNoQuery, resp.ErrorKind)
	assert.True(t, strings.HasPrefix(resp.Error, parser.NoQueryFound))
	assert.Equal(t, 0, resp.Iterations)
	assert.Empty(t, exec.queries)
}

func TestPipeline_Run_EmptyResultApologizes(t *testing.T) {
	t.Parallel()

	llmClient := &mockLLM{complete: []string{countResponse}}
	exec := &mockExecutor{results: []gateway.Result{ok()}}
	p := newTestPipeline(t, llmClient, exec)

	resp, err := p.Run(t.Context(), Request{Question: "How many orders?", Model: "orders.yaml"})
	require.NoError(t, err)
	assert.Equal(t, RouteSuccess, resp.Route)
	assert.Equal(t, prompts.Apology, resp.Summary)
	assert.NotNil(t, resp.Rows)
	assert.Empty(t, resp.Rows)
	assert.Empty(t, llmClient.streamed)
}

func TestPipeline_Run_ExplainFailureKeepsRows(t *testing.T) {
	t.Parallel()

	llmClient := &mockLLM{complete: []string{countResponse}, streamEr: errors.New("stream reset")}
	exec := &mockExecutor{results: []gateway.Result{ok(map[string]any{"total": 1})}}
	p := newTestPipeline(t, llmClient, exec)

	resp, err := p.Run(t.Context(), Request{Question: "How many orders?", Model: "orders.yaml"})
	require.NoError(t, err)
	assert.Equal(t, RouteSuccess, resp.Route)
	assert.Equal(t, "Error formatting response: stream reset", resp.Summary)
	assert.Equal(t, resp.Summary, resp.Error)
	assert.Equal(t, []map[string]any{{"total": 1}}, resp.Rows)
}

func TestPipeline_Run_LegacyBareCallUsesText(t *testing.T) {
	t.Parallel()

	llmClient := &mockLLM{complete: []string{`Try db.Orders.find({"status":"OPEN"})`}, stream: []string{"ok"}}
	exec := &mockExecutor{results: []gateway.Result{ok(map[string]any{"orderNumber": "SO-1"})}}
	p := newTestPipeline(t, llmClient, exec)

	resp, err := p.Run(t.Context(), Request{Question: "open orders", Model: "orders.yaml"})
	require.NoError(t, err)
	assert.Equal(t, RouteSuccess, resp.Route)
	require.Len(t, exec.queries, 1)
	assert.Empty(t, exec.queries[0].Pipeline)
	assert.Equal(t, `db.Orders.find({"status":"OPEN"})`, exec.queries[0].Text)
}

func TestPipeline_Run_SelectErrorsPropagate(t *testing.T) {
	t.Parallel()

	t.Run("invalid request", func(t *testing.T) {
		t.Parallel()
		p := newTestPipeline(t, &mockLLM{}, &mockExecutor{})
		_, err := p.Run(t.Context(), Request{Model: "orders.yaml"})
		require.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		p := newTestPipeline(t, &mockLLM{}, &mockExecutor{})
		_, err := p.Run(t.Context(), Request{Question: "q", Model: "missing.yaml"})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("lookup error", func(t *testing.T) {
		t.Parallel()
		p, err := New(Config{Logger: logger, LLM: &mockLLM{}, Executor: &mockExecutor{}, Lookup: &staticLookup{err: errors.New("weaviate down")}})
		require.NoError(t, err)
		_, err = p.Run(t.Context(), Request{Question: "q", Model: "orders.yaml"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("llm error", func(t *testing.T) {
		t.Parallel()
		llmClient := &mockLLM{errs: []error{errors.New("quota")}}
		exec := &mockExecutor{}
		p := newTestPipeline(t, llmClient, exec)
		_, err := p.Run(t.Context(), Request{Question: "q", Model: "orders.yaml"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "quota")
		assert.Empty(t, exec.queries)
	})
}
