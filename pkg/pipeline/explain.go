package pipeline

import (
	"context"

	"github.com/malbeclabs/mongoagent/pkg/gateway"
	"github.com/malbeclabs/mongoagent/pkg/llm"
	"github.com/malbeclabs/mongoagent/pkg/prompts"
)

const formatErrorPrefix = "Error formatting response: "

// explain turns the rows into an answer. It reports false when the model call
// failed.
//
// Reads: Question, Rows. Writes: Summary, and LastError on failure.
func (p *Pipeline) explain(ctx context.Context, s *State) bool {
	if len(s.Rows) == 0 {
		s.Summary = prompts.Apology
		return true
	}

	text, err := llm.Collect(ctx, p.cfg.LLM, prompts.Explainer(s.Question, s.Rows))
	if err != nil {
		p.log.Error("pipeline: explanation failed", "error", err)
		msg := formatErrorPrefix + err.Error()
		s.LastError = &gateway.Error{Kind: gateway.KindFatal, Message: msg}
		s.Summary = msg
		return false
	}
	s.Summary = text
	return true
}
