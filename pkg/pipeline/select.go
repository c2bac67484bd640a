package pipeline

import (
	"context"
	"fmt"

	"github.com/malbeclabs/mongoagent/pkg/gateway"
	"github.com/malbeclabs/mongoagent/pkg/parser"
	"github.com/malbeclabs/mongoagent/pkg/prompts"
	"github.com/malbeclabs/mongoagent/pkg/semantic"
)

// selectQuery resolves and optimizes the semantic model, asks the model for a
// query and parses it.
//
// Reads: Question, ModelID. Writes: Target, Category, Collections,
// ArrayFields, Schema, Relationships, Query, Collection, Database.
func (p *Pipeline) selectQuery(ctx context.Context, s *State, details map[string]string) error {
	doc, err := p.cfg.Lookup.Search(ctx, s.ModelID)
	if err != nil {
		return fmt.Errorf("failed to look up semantic model %s: %w", s.ModelID, err)
	}
	if doc == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, s.ModelID)
	}

	model, err := semantic.Parse([]byte(doc.Text))
	if err != nil {
		return fmt.Errorf("failed to load semantic model %s: %w", s.ModelID, err)
	}

	s.Target = gateway.Target{}.Merge(doc.Details()).Merge(model.TargetDetails()).Merge(details)

	s.Category = p.cfg.Optimizer.Classify(model, s.Question)
	optimized := p.cfg.Optimizer.Optimize(model, s.Question, p.cfg.MaxFields)
	s.Collections = make([]string, 0, len(optimized.Collections))
	var fields []*semantic.Field
	for _, c := range optimized.Collections {
		s.Collections = append(s.Collections, c.Name)
		fields = append(fields, c.Fields...)
	}
	s.ArrayFields = parser.ExtractMultiValuedFieldPaths(fields)
	p.log.Info("pipeline: semantic model prepared",
		"model", s.ModelID,
		"category", s.Category,
		"collections", len(optimized.Collections),
		"fields", optimized.FieldCount(),
		"originalFields", model.FieldCount(),
	)

	pc := semantic.Render(optimized)
	s.Schema = pc.Schema
	s.Relationships = pc.Relationships

	prompt := prompts.Selector(prompts.SelectorInput{
		Schema:          pc.Schema,
		ArrayHints:      pc.ArrayHints,
		Relationships:   pc.Relationships,
		Question:        s.Question,
		Instructions:    pc.Instructions,
		Metrics:         pc.Metrics,
		VerifiedQueries: pc.VerifiedQueries,
		Date:            p.cfg.Clock.Now(),
	})

	text, err := p.cfg.LLM.Complete(ctx, prompt)
	if err != nil {
		return fmt.Errorf("failed to generate query: %w", err)
	}

	res := parser.Parse(text)
	s.Query = &res
	s.Collection = res.Collection
	s.Database = res.Database
	p.log.Info("pipeline: query selected", "form", res.Form, "collection", res.Collection, "queryType", res.QueryType, "stages", len(res.Pipeline))
	return nil
}
