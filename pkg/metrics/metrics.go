package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongo_agent_build_info",
			Help: "Build information of the mongo agent",
		},
		[]string{"version", "commit", "date"},
	)

	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongo_agent_pipeline_runs_total",
			Help: "Total number of pipeline runs by terminal state",
		},
		[]string{"outcome"},
	)

	PipelineRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mongo_agent_pipeline_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	PipelineRefinementsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mongo_agent_pipeline_refinements_total",
			Help: "Total number of query refinement attempts",
		},
	)

	GatewayExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongo_agent_gateway_executions_total",
			Help: "Total number of backend executions by backend and error kind",
		},
		[]string{"backend", "kind"},
	)

	GatewayExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongo_agent_gateway_execution_duration_seconds",
			Help:    "Duration of backend executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongo_agent_llm_requests_total",
			Help: "Total number of text generation requests",
		},
		[]string{"provider", "mode", "status"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongo_agent_llm_request_duration_seconds",
			Help:    "Duration of text generation requests in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"provider", "mode"},
	)

	LookupRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongo_agent_lookup_requests_total",
			Help: "Total number of semantic model lookups by source and result",
		},
		[]string{"source", "result"},
	)

	CredentialFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongo_agent_credential_fetches_total",
			Help: "Total number of token fetches",
		},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongo_agent_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongo_agent_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mongo_agent_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongo_agent_auth_failures_total",
			Help: "Total number of rejected API requests by reason",
		},
		[]string{"reason"},
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongo_agent_mcp_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)

	BatchQuestionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongo_agent_batch_questions_total",
			Help: "Total number of questions answered by the batch runner",
		},
		[]string{"status"},
	)
)
