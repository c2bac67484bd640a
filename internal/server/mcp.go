package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/malbeclabs/mongoagent/pkg/metrics"
	"github.com/malbeclabs/mongoagent/pkg/pipeline"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const askToolName = "ask"

type AskInput struct {
	Question  string            `json:"question" jsonschema:"the natural language question to answer"`
	Model     string            `json:"model" jsonschema:"semantic model id or YAML file name"`
	DBDetails map[string]string `json:"db_details,omitempty" jsonschema:"optional target overrides such as dbName and userName"`
}

type AskOutput struct {
	Summary    string           `json:"summary"`
	Rows       []map[string]any `json:"rows"`
	Query      string           `json:"query"`
	Collection string           `json:"collection"`
	Error      string           `json:"error,omitempty"`
}

func RegisterAskTool(log *slog.Logger, server *mcp.Server, runner Runner) error {
	in, err := jsonschema.For[AskInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask input schema: %w", err)
	}
	out, err := jsonschema.For[AskOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name: askToolName,
		Description: `
			Answer a question about data in MongoDB.

			The question is translated into an aggregation pipeline using the named
			semantic model, executed, and summarized. The response carries the summary,
			the returned documents and the query that produced them. When execution
			fails, error is set and summary explains the failure.
		`,
		InputSchema:  in,
		OutputSchema: out,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req AskInput) (*mcp.CallToolResult, AskOutput, error) {
		start := time.Now()
		log.Debug("mcp/tool: handling ask", "model", req.Model, "question", req.Question)

		res, err := runner.Run(ctx, pipeline.Request{
			Question: req.Question,
			Model:    req.Model,
			Details:  req.DBDetails,
		})
		if err != nil {
			metrics.ToolCallsTotal.WithLabelValues(askToolName, "error").Inc()
			log.Warn("mcp/tool: ask failed", "model", req.Model, "error", err, "duration", time.Since(start))
			return nil, AskOutput{}, err
		}

		status := "success"
		if res.Error != "" {
			status = "query_error"
		}
		metrics.ToolCallsTotal.WithLabelValues(askToolName, status).Inc()

		rows := res.Rows
		if rows == nil {
			rows = []map[string]any{}
		}
		return nil, AskOutput{
			Summary:    res.Summary,
			Rows:       rows,
			Query:      res.Query,
			Collection: res.Collection,
			Error:      res.Error,
		}, nil
	})
	return nil
}
