// Package llm wraps the text-generation services used to select, refine and
// explain queries. Every client runs at temperature zero.
package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/malbeclabs/mongoagent/pkg/metrics"
)

// ErrNoContent is returned when a completion carries no text.
var ErrNoContent = errors.New("no text content in response")

// Client generates text from a single user prompt.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)

	// Stream delivers the completion in chunks. Returning an error from
	// onChunk aborts the stream with that error.
	Stream(ctx context.Context, prompt string, onChunk func(string) error) error
}

// Collect streams a completion to its end and returns the concatenated text.
func Collect(ctx context.Context, c Client, prompt string) (string, error) {
	var sb strings.Builder
	err := c.Stream(ctx, prompt, func(chunk string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sb.WriteString(chunk)
		return nil
	})
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func observe(provider, mode string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.LLMRequestsTotal.WithLabelValues(provider, mode, status).Inc()
	metrics.LLMRequestDuration.WithLabelValues(provider, mode).Observe(time.Since(start).Seconds())
}
