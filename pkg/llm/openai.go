package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"

	defaultOpenAIModel     = "gpt-4o-mini"
	defaultAzureAPIVersion = "2024-02-15-preview"
)

// zeroTemperature is the smallest value go-openai does not omit from the
// request body.
const zeroTemperature = math.SmallestNonzeroFloat32

type OpenAIConfig struct {
	Logger  *slog.Logger
	APIKey  string
	Model   string
	BaseURL string
}

func (c *OpenAIConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.APIKey == "" {
		return errors.New("openai api key is required")
	}
	if c.Model == "" {
		c.Model = defaultOpenAIModel
	}
	return nil
}

type AzureConfig struct {
	Logger     *slog.Logger
	Endpoint   string
	APIKey     string
	Deployment string
	APIVersion string
}

func (c *AzureConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Endpoint == "" {
		return errors.New("azure openai endpoint is required")
	}
	if c.APIKey == "" {
		return errors.New("azure openai api key is required")
	}
	if c.Deployment == "" {
		c.Deployment = defaultOpenAIModel
	}
	if c.APIVersion == "" {
		c.APIVersion = defaultAzureAPIVersion
	}
	return nil
}

// OpenAI talks to the OpenAI chat completions API or an Azure OpenAI
// deployment of it.
type OpenAI struct {
	log      *slog.Logger
	client   *openai.Client
	model    string
	provider string
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		log:      cfg.Logger,
		client:   openai.NewClientWithConfig(clientCfg),
		model:    cfg.Model,
		provider: ProviderOpenAI,
	}, nil
}

func NewAzure(cfg AzureConfig) (*OpenAI, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clientCfg := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	clientCfg.APIVersion = cfg.APIVersion
	deployment := cfg.Deployment
	clientCfg.AzureModelMapperFunc = func(string) string { return deployment }
	return &OpenAI{
		log:      cfg.Logger,
		client:   openai.NewClientWithConfig(clientCfg),
		model:    cfg.Deployment,
		provider: ProviderAzure,
	}, nil
}

func (o *OpenAI) request(prompt string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: zeroTemperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
}

func (o *OpenAI) Complete(ctx context.Context, prompt string) (text string, err error) {
	start := time.Now()
	defer func() { observe(o.provider, "complete", start, err) }()

	o.log.Debug("llm: openai completion", "provider", o.provider, "model", o.model, "promptLen", len(prompt))
	resp, err := o.client.CreateChatCompletion(ctx, o.request(prompt))
	if err != nil {
		return "", fmt.Errorf("%s API error: %w", o.provider, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrNoContent
	}
	o.log.Debug("llm: openai completion done", "duration", time.Since(start), "finishReason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) Stream(ctx context.Context, prompt string, onChunk func(string) error) (err error) {
	start := time.Now()
	defer func() { observe(o.provider, "stream", start, err) }()

	req := o.request(prompt)
	req.Stream = true
	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("%s stream error: %w", o.provider, err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s stream error: %w", o.provider, err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := onChunk(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
}
