package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	ProviderAnthropic = "anthropic"

	defaultAnthropicModel     = "claude-sonnet-4-5-20250929"
	defaultAnthropicMaxTokens = 4096
)

type AnthropicConfig struct {
	Logger    *slog.Logger
	APIKey    string
	Model     string
	MaxTokens int64

	// BaseURL overrides the API endpoint.
	BaseURL string

	// MaxRetries overrides the SDK retry count when non-nil.
	MaxRetries *int
}

func (c *AnthropicConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.APIKey == "" {
		return errors.New("anthropic api key is required")
	}
	if c.Model == "" {
		c.Model = defaultAnthropicModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultAnthropicMaxTokens
	}
	return nil
}

type Anthropic struct {
	log    *slog.Logger
	client anthropic.Client
	cfg    AnthropicConfig
}

func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries != nil {
		opts = append(opts, option.WithMaxRetries(*cfg.MaxRetries))
	}
	return &Anthropic{
		log:    cfg.Logger,
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

func (a *Anthropic) params(prompt string) anthropic.MessageNewParams {
	return anthropic.MessageNewParams{
		Model:       anthropic.Model(a.cfg.Model),
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: anthropic.Float(0),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
}

func (a *Anthropic) Complete(ctx context.Context, prompt string) (text string, err error) {
	start := time.Now()
	defer func() { observe(ProviderAnthropic, "complete", start, err) }()

	a.log.Debug("llm: anthropic completion", "model", a.cfg.Model, "promptLen", len(prompt))
	msg, err := a.client.Messages.New(ctx, a.params(prompt))
	if err != nil {
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", ErrNoContent
	}
	a.log.Debug("llm: anthropic completion done", "duration", time.Since(start), "stopReason", msg.StopReason)
	return strings.Join(parts, ""), nil
}

func (a *Anthropic) Stream(ctx context.Context, prompt string, onChunk func(string) error) (err error) {
	start := time.Now()
	defer func() { observe(ProviderAnthropic, "stream", start, err) }()

	stream := a.client.Messages.NewStreaming(ctx, a.params(prompt))
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		if event.Type != "content_block_delta" {
			continue
		}
		delta := event.AsContentBlockDelta()
		if delta.Delta.Type == "text_delta" && delta.Delta.Text != "" {
			if err := onChunk(delta.Delta.Text); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream error: %w", err)
	}
	return nil
}
