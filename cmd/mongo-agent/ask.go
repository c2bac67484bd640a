package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/malbeclabs/mongoagent/pkg/pipeline"
	"github.com/spf13/cobra"
)

type AskCmd struct {
	model   string
	details map[string]string
	debug   bool
}

func NewAskCmd() *AskCmd {
	return &AskCmd{}
}

type askOutput struct {
	Summary    string           `json:"summary"`
	Rows       []map[string]any `json:"rows"`
	Query      string           `json:"query"`
	Collection string           `json:"collection"`
	Database   string           `json:"database"`
	Iterations int              `json:"iterations"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  string           `json:"error_kind,omitempty"`
	Debug      *pipeline.Debug  `json:"debug,omitempty"`
}

func (c *AskCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [flags] QUESTION...",
		Short: "Answer one question and print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.model == "" {
				return errors.New("--model is required")
			}
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			comps, err := cfg.Build(ctx, log)
			if err != nil {
				return err
			}
			defer closeComponents(log, comps)

			res, err := comps.Pipeline.Run(ctx, pipeline.Request{
				Question: strings.Join(args, " "),
				Model:    c.model,
				Details:  c.details,
			})
			if err != nil {
				return err
			}

			out := askOutput{
				Summary:    res.Summary,
				Rows:       res.Rows,
				Query:      res.Query,
				Collection: res.Collection,
				Database:   res.Database,
				Iterations: res.Iterations,
				Error:      res.Error,
			}
			if out.Rows == nil {
				out.Rows = []map[string]any{}
			}
			if res.Error != "" {
				out.ErrorKind = res.ErrorKind.String()
			}
			if c.debug {
				out.Debug = &res.Debug
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("failed to write result: %w", err)
			}
			if res.Error != "" {
				return errReported
			}
			return nil
		},
	}
	addModelFlag(cmd.Flags(), &c.model)
	addDetailsFlag(cmd.Flags(), &c.details)
	cmd.Flags().BoolVar(&c.debug, "debug", false, "include intermediate selection details")
	return cmd
}
