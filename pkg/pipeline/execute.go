package pipeline

import (
	"context"
	"fmt"

	"github.com/malbeclabs/mongoagent/pkg/gateway"
	"github.com/malbeclabs/mongoagent/pkg/parser"
)

// execute runs the current query.
//
// Reads: Query, Collection, Target. Writes: LastError, LastErrorClass, Rows,
// Summary, and clears the selection context on success.
func (p *Pipeline) execute(ctx context.Context, s *State) {
	if s.Query == nil || s.Query.Failed() {
		msg := parser.NoQueryFound
		if s.Query != nil && s.Query.Err != "" {
			msg = s.Query.Err
		}
		s.LastError = &gateway.Error{Kind: gateway.KindNoQuery, Message: msg}
		s.LastErrorClass = gateway.ExecutionErrorClass
		s.Rows = nil
		return
	}

	q := gateway.Query{Pipeline: s.Query.Pipeline}
	if len(q.Pipeline) == 0 {
		q.Text = s.Query.Query
	}
	target := s.Target.Merge(map[string]string{"collection": s.Collection})

	res := p.cfg.Executor.Execute(ctx, q, target)
	if !res.Success {
		err := res.Err
		if err == nil {
			err = &gateway.Error{Kind: gateway.KindBackend, Message: "Unknown error"}
		}
		p.log.Warn("pipeline: execution failed", "kind", err.Kind, "error", err.Message, "iteration", s.Iteration)
		s.LastError = err
		s.LastErrorClass = gateway.ExecutionErrorClass
		s.Rows = nil
		return
	}

	s.LastError = nil
	s.LastErrorClass = ""
	s.Rows = res.Rows
	if s.Rows == nil {
		s.Rows = []map[string]any{}
	}
	s.Summary = fmt.Sprintf("Query returned %d document(s)", len(s.Rows))
	s.clearSelectionContext()
	p.log.Info("pipeline: execution succeeded", "rows", len(s.Rows), "iteration", s.Iteration)
}
