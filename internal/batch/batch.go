// Package batch answers a file of questions against one semantic model with
// bounded concurrency.
package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/malbeclabs/mongoagent/pkg/metrics"
	"github.com/malbeclabs/mongoagent/pkg/pipeline"
)

const defaultConcurrency = 4

type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

type Config struct {
	Logger *slog.Logger
	Runner Runner

	// Concurrency bounds the questions in flight.
	Concurrency int

	// Details are passed with every question.
	Details map[string]string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Runner == nil {
		return errors.New("runner is required")
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return nil
}

// Answer is the outcome of one question. Error is set when the run failed
// outright or the query could not be executed.
type Answer struct {
	Line       int              `json:"line"`
	Question   string           `json:"question"`
	Status     string           `json:"status"`
	Summary    string           `json:"summary,omitempty"`
	Query      string           `json:"query,omitempty"`
	Collection string           `json:"collection,omitempty"`
	Rows       []map[string]any `json:"rows"`
	Error      string           `json:"error,omitempty"`
	DurationMs int64            `json:"duration_ms"`
}

// Question is one non-empty input line.
type Question struct {
	Line int
	Text string
}

type Batch struct {
	log  *slog.Logger
	cfg  Config
	pool pond.ResultPool[Answer]
}

func New(cfg Config) (*Batch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Batch{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: pond.NewResultPool[Answer](cfg.Concurrency),
	}, nil
}

// Close waits for in-flight questions and stops the pool.
func (b *Batch) Close() {
	b.pool.StopAndWait()
}

// Run answers every question against model. Answers are returned in input
// order regardless of completion order.
func (b *Batch) Run(ctx context.Context, model string, questions []Question) ([]Answer, error) {
	group := b.pool.NewGroupContext(ctx)
	for _, q := range questions {
		group.Submit(func() Answer {
			return b.answer(ctx, model, q)
		})
	}

	answers, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to answer questions: %w", err)
	}
	b.log.Info("batch: finished", "model", model, "questions", len(questions))
	return answers, nil
}

func (b *Batch) answer(ctx context.Context, model string, q Question) Answer {
	start := time.Now()
	a := Answer{Line: q.Line, Question: q.Text, Rows: []map[string]any{}}

	res, err := b.cfg.Runner.Run(ctx, pipeline.Request{
		Question: q.Text,
		Model:    model,
		Details:  b.cfg.Details,
	})
	a.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		b.log.Warn("batch: question failed", "line", q.Line, "error", err)
		a.Status = "error"
		a.Error = err.Error()
		metrics.BatchQuestionsTotal.WithLabelValues(a.Status).Inc()
		return a
	}

	a.Status = "success"
	a.Summary = res.Summary
	a.Query = res.Query
	a.Collection = res.Collection
	if res.Rows != nil {
		a.Rows = res.Rows
	}
	if res.Error != "" {
		a.Status = "error"
		a.Error = res.Error
	}
	metrics.BatchQuestionsTotal.WithLabelValues(a.Status).Inc()
	return a
}

// ReadQuestions returns the non-blank lines of r that do not start with '#'.
func ReadQuestions(r io.Reader) ([]Question, error) {
	var out []Question
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		out = append(out, Question{Line: line, Text: text})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read questions: %w", err)
	}
	return out, nil
}

// WriteAnswers writes one JSON object per line.
func WriteAnswers(w io.Writer, answers []Answer) error {
	enc := json.NewEncoder(w)
	for _, a := range answers {
		if err := enc.Encode(a); err != nil {
			return fmt.Errorf("failed to write answer for line %d: %w", a.Line, err)
		}
	}
	return nil
}
