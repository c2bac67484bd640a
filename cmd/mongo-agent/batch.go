package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/malbeclabs/mongoagent/internal/batch"
	"github.com/spf13/cobra"
)

type BatchCmd struct {
	model       string
	details     map[string]string
	concurrency int
}

func NewBatchCmd() *BatchCmd {
	return &BatchCmd{}
}

func (c *BatchCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [flags] FILE",
		Short: "Answer one question per line of FILE (- for stdin), printing one JSON line per answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.model == "" {
				return errors.New("--model is required")
			}
			questions, err := readQuestionsFile(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if len(questions) == 0 {
				return fmt.Errorf("no questions in %s", args[0])
			}

			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			comps, err := cfg.Build(ctx, log)
			if err != nil {
				return err
			}
			defer closeComponents(log, comps)

			b, err := batch.New(batch.Config{
				Logger:      log,
				Runner:      comps.Pipeline,
				Concurrency: c.concurrency,
				Details:     c.details,
			})
			if err != nil {
				return err
			}
			defer b.Close()

			log.Info("batch: starting", "model", c.model, "questions", len(questions), "concurrency", c.concurrency)
			answers, err := b.Run(ctx, c.model, questions)
			if err != nil {
				return err
			}
			return batch.WriteAnswers(cmd.OutOrStdout(), answers)
		},
	}
	addModelFlag(cmd.Flags(), &c.model)
	addDetailsFlag(cmd.Flags(), &c.details)
	cmd.Flags().IntVarP(&c.concurrency, "concurrency", "c", 4, "questions answered in parallel")
	return cmd
}

func readQuestionsFile(stdin io.Reader, path string) ([]batch.Question, error) {
	if path == "-" {
		return batch.ReadQuestions(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open questions file: %w", err)
	}
	defer f.Close()
	return batch.ReadQuestions(f)
}
