package pipeline

import (
	"context"

	"github.com/malbeclabs/mongoagent/pkg/gateway"
	"github.com/malbeclabs/mongoagent/pkg/parser"
	"github.com/malbeclabs/mongoagent/pkg/prompts"
)

// refine asks for a corrected query. It reports false when the model call
// itself failed, in which case LastError describes that failure.
//
// Reads: Question, Schema, Relationships, Query, Collection, Database,
// LastError, LastErrorClass. Writes: Query, Collection, Database, Iteration,
// and LastError on failure.
func (p *Pipeline) refine(ctx context.Context, s *State) bool {
	s.Iteration++

	prompt := prompts.Refiner(prompts.RefinerInput{
		Question:      s.Question,
		Schema:        s.Schema,
		Relationships: s.Relationships,
		Query:         s.Query.Query,
		Collection:    s.Collection,
		Database:      s.Database,
		Error:         s.LastError.Message,
		ErrorClass:    s.LastErrorClass,
	})

	text, err := p.cfg.LLM.Complete(ctx, prompt)
	if err != nil {
		p.log.Error("pipeline: refinement failed", "error", err)
		s.LastError = &gateway.Error{Kind: gateway.KindBackend, Message: "Refiner error: " + err.Error()}
		return false
	}

	res := parser.Parse(text)
	s.Query = &res
	if res.Collection != "" && res.Collection != parser.DefaultCollection {
		s.Collection = res.Collection
	}
	if res.Database != "" && res.Database != parser.DefaultDatabase {
		s.Database = res.Database
	}
	p.log.Info("pipeline: query refined", "iteration", s.Iteration, "form", res.Form, "stages", len(res.Pipeline))
	return true
}
