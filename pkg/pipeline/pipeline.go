// Package pipeline answers a natural-language question about a MongoDB
// collection. A run selects a query with a language model, executes it,
// refines it once on a recoverable failure and explains the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/mongoagent/pkg/gateway"
	"github.com/malbeclabs/mongoagent/pkg/llm"
	"github.com/malbeclabs/mongoagent/pkg/lookup"
	"github.com/malbeclabs/mongoagent/pkg/metrics"
	"github.com/malbeclabs/mongoagent/pkg/parser"
	"github.com/malbeclabs/mongoagent/pkg/semantic"
)

const defaultMaxFields = 30

// ErrNotFound is returned when no lookup source has the requested model.
var ErrNotFound = errors.New("semantic model not found")

// ErrInvalidRequest is returned for a request missing its question or model.
var ErrInvalidRequest = errors.New("invalid request")

type Config struct {
	Logger    *slog.Logger
	LLM       llm.Client
	Lookup    lookup.Lookup
	Executor  gateway.Executor
	Optimizer *semantic.Optimizer

	// MaxFields bounds the fields kept per collection in the prompt.
	MaxFields int

	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	if c.Lookup == nil {
		return errors.New("lookup is required")
	}
	if c.Executor == nil {
		return errors.New("executor is required")
	}
	if c.Optimizer == nil {
		o, err := semantic.NewOptimizer(&semantic.OptimizerConfig{Logger: c.Logger})
		if err != nil {
			return fmt.Errorf("failed to create optimizer: %w", err)
		}
		c.Optimizer = o
	}
	if c.MaxFields <= 0 {
		c.MaxFields = defaultMaxFields
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Pipeline struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{log: cfg.Logger, cfg: cfg}, nil
}

// Request is one question against one semantic model. Details override the
// target identifiers stored with the model.
type Request struct {
	Question string
	Model    string
	Details  map[string]string
}

// Response is the outcome of a run. Error is empty on success; when set,
// Summary still carries a readable explanation.
type Response struct {
	Summary    string
	Rows       []map[string]any
	Query      string
	Pipeline   parser.Pipeline
	Collection string
	Database   string
	Error      string
	ErrorKind  gateway.Kind
	Route      Route
	Iterations int
	Debug      Debug
}

// Debug exposes intermediate selection results.
type Debug struct {
	Category    string            `json:"category"`
	Collections []string          `json:"collections"`
	ArrayFields []string          `json:"array_fields"`
	Target      map[string]string `json:"target"`
	QueryType   string            `json:"query_type"`
	QueryForm   string            `json:"query_form"`
	Notes       []string          `json:"notes,omitempty"`
}

// Run executes the state machine for one request. Errors from model
// resolution and query selection are returned as-is; every later failure is
// reported in the response.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Response, error) {
	if req.Question == "" || req.Model == "" {
		return nil, fmt.Errorf("%w: question and model are required", ErrInvalidRequest)
	}
	start := p.cfg.Clock.Now()
	s := newState(req.Question, req.Model)

	if err := p.selectQuery(ctx, s, req.Details); err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("select_error").Inc()
		return nil, err
	}

	var decision Route
	for {
		p.step(s, "execute", func() bool {
			p.execute(ctx, s)
			return true
		})
		decision = route(s)
		p.log.Info("pipeline: routing", "route", decision, "iteration", s.Iteration, "kind", errorKind(s))
		if decision != RouteRefine {
			break
		}
		metrics.PipelineRefinementsTotal.Inc()
		if !p.step(s, "refine", func() bool { return p.refine(ctx, s) }) {
			decision = RouteFatal
			break
		}
	}

	outcome := "fatal"
	if decision == RouteSuccess {
		outcome = "success"
		if !p.step(s, "explain", func() bool { return p.explain(ctx, s) }) {
			outcome = "explain_error"
		}
	} else {
		s.Summary = "Query failed: " + s.LastError.Message
	}

	metrics.PipelineRunsTotal.WithLabelValues(outcome).Inc()
	metrics.PipelineRunDuration.Observe(p.cfg.Clock.Since(start).Seconds())
	p.log.Info("pipeline: run finished", "outcome", outcome, "iterations", s.Iteration, "rows", len(s.Rows), "duration", p.cfg.Clock.Since(start))
	return response(s, decision), nil
}

// step runs one post-selection step and turns a panic inside it into a
// fatal LastError, so Run always returns a response once a query is selected.
func (p *Pipeline) step(s *State, name string, fn func() bool) (ok bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		p.log.Error("pipeline: step panicked", "step", name, "panic", r, "stack", string(debug.Stack()))
		msg := fmt.Sprintf("%s step panicked: %v", name, r)
		if name == "explain" {
			msg = formatErrorPrefix + msg
			s.Summary = msg
		}
		s.LastError = &gateway.Error{Kind: gateway.KindFatal, Message: msg}
		s.LastErrorClass = gateway.ExecutionErrorClass
		ok = false
	}()
	return fn()
}

func response(s *State, decision Route) *Response {
	resp := &Response{
		Summary:    s.Summary,
		Rows:       s.Rows,
		Collection: s.Collection,
		Database:   s.Database,
		Route:      decision,
		Iterations: s.Iteration,
		Debug: Debug{
			Category:    s.Category,
			Collections: s.Collections,
			ArrayFields: s.ArrayFields,
			Target:      s.Target,
		},
	}
	if s.Query != nil {
		resp.Query = s.Query.Query
		resp.Pipeline = s.Query.Pipeline
		resp.Debug.QueryType = s.Query.QueryType
		resp.Debug.QueryForm = s.Query.Form.String()
		resp.Debug.Notes = s.Query.Notes
	}
	if s.LastError != nil {
		resp.Error = s.LastError.Message
		resp.ErrorKind = s.LastError.Kind
	}
	return resp
}

func errorKind(s *State) gateway.Kind {
	if s.LastError == nil {
		return gateway.KindNone
	}
	return s.LastError.Kind
}
