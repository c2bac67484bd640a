package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/mongoagent/pkg/credential"
	"github.com/malbeclabs/mongoagent/pkg/gateway"
	"github.com/malbeclabs/mongoagent/pkg/llm"
	"github.com/malbeclabs/mongoagent/pkg/lookup"
	"github.com/malbeclabs/mongoagent/pkg/pipeline"
)

// Components are the long-lived collaborators of one agent process.
type Components struct {
	LLM      llm.Client
	Lookup   lookup.Lookup
	Router   *gateway.Router
	Pipeline *pipeline.Pipeline
}

// Close releases the query backend.
func (c *Components) Close(ctx context.Context) error {
	if c.Router == nil {
		return nil
	}
	return c.Router.Close(ctx)
}

// Build wires every component the configuration describes.
func (c *Config) Build(ctx context.Context, log *slog.Logger) (*Components, error) {
	client, err := c.NewLLM(log)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}
	lk, err := c.NewLookup(log)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup: %w", err)
	}
	router, err := c.NewRouter(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create query router: %w", err)
	}
	p, err := pipeline.New(pipeline.Config{
		Logger:    log,
		LLM:       client,
		Lookup:    lk,
		Executor:  router,
		MaxFields: c.MaxSchemaFields,
	})
	if err != nil {
		_ = router.Close(ctx)
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return &Components{LLM: client, Lookup: lk, Router: router, Pipeline: p}, nil
}

func (c *Config) NewLLM(log *slog.Logger) (llm.Client, error) {
	switch c.LLMProvider {
	case ProviderAnthropic:
		return llm.NewAnthropic(llm.AnthropicConfig{
			Logger: log,
			APIKey: c.AnthropicAPIKey,
			Model:  c.AnthropicModel,
		})
	case ProviderOpenAI:
		return llm.NewOpenAI(llm.OpenAIConfig{
			Logger: log,
			APIKey: c.OpenAIAPIKey,
			Model:  c.OpenAIModel,
		})
	case ProviderAzure:
		return llm.NewAzure(llm.AzureConfig{
			Logger:     log,
			Endpoint:   c.AzureEndpoint,
			APIKey:     c.AzureAPIKey,
			Deployment: c.AzureDeployment,
			APIVersion: c.AzureAPIVersion,
		})
	}
	return nil, fmt.Errorf("unknown llm provider %q", c.LLMProvider)
}

// NewLookup returns the model lookup. With weaviate configured the vector
// store is tried first and local files serve as the fallback.
func (c *Config) NewLookup(log *slog.Logger) (lookup.Lookup, error) {
	files, err := lookup.NewFiles(lookup.FilesConfig{Logger: log, Dir: c.ModelPath})
	if err != nil {
		return nil, err
	}
	sources := []lookup.Source{{Name: "files", Lookup: files}}
	if c.VectorDB == VectorDBWeaviate {
		w, err := lookup.NewWeaviate(lookup.WeaviateConfig{
			Logger: log,
			URL:    c.WeaviateURL,
			APIKey: c.WeaviateAPIKey,
			Class:  c.WeaviateClass,
		})
		if err != nil {
			return nil, err
		}
		sources = append([]lookup.Source{{Name: "weaviate", Lookup: w}}, sources...)
	}

	var lk lookup.Lookup = lookup.NewChain(log, sources...)
	if c.LookupCacheTTL > 0 {
		lk = lookup.NewCached(log, lk, c.LookupCacheTTL)
	}
	return lk, nil
}

// NewRouter connects the configured query backend.
func (c *Config) NewRouter(ctx context.Context, log *slog.Logger) (*gateway.Router, error) {
	cfg := gateway.RouterConfig{Logger: log, Backend: c.ConnectionType}
	switch c.ConnectionType {
	case gateway.BackendDirect:
		cfg.Direct = &gateway.DirectConfig{
			Logger:   log,
			URI:      c.MongoURI,
			Database: c.MongoDatabase,
		}
	default:
		tokens, err := c.NewTokenSource(log)
		if err != nil {
			return nil, err
		}
		cfg.Proxied = &gateway.ProxiedConfig{
			Logger:   log,
			Endpoint: c.MCPEndpoint,
			Tokens:   tokens,
		}
	}
	return gateway.NewRouter(ctx, cfg)
}

// NewTokenSource returns the OAuth credential cache, or nil when no token
// endpoint is configured.
func (c *Config) NewTokenSource(log *slog.Logger) (gateway.TokenSource, error) {
	if c.OAuthTokenURL == "" {
		return nil, nil
	}
	cache, err := credential.New(credential.Config{
		Logger:       log,
		TokenURL:     c.OAuthTokenURL,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TTL:          c.TokenCacheTTL,
		NoCache:      !c.EnableTokenCache,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create credential cache: %w", err)
	}
	return cache, nil
}
