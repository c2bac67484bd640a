// Package config reads the agent's process configuration from the
// environment and builds the components it describes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/malbeclabs/mongoagent/pkg/gateway"
	"github.com/malbeclabs/mongoagent/pkg/lookup"
)

const (
	ProviderAzure     = "azure"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	VectorDBLocal    = "local"
	VectorDBWeaviate = "weaviate"

	defaultMCPEndpoint     = "http://localhost:3000/mongodb/query"
	defaultOpenAIModel     = "gpt-4o-mini"
	defaultAzureDeployment = "gpt-4o-mini"
	defaultAzureAPIVersion = "2024-02-15-preview"
	defaultTokenCacheTTL   = 3000 * time.Second
	defaultMaxSchemaFields = 30
)

type Config struct {
	LLMProvider string

	AnthropicAPIKey string
	AnthropicModel  string

	OpenAIAPIKey string
	OpenAIModel  string

	AzureEndpoint   string
	AzureAPIKey     string
	AzureDeployment string
	AzureAPIVersion string

	VectorDB       string
	WeaviateURL    string
	WeaviateAPIKey string
	WeaviateClass  string

	// LookupCacheTTL memoizes model lookups when positive.
	LookupCacheTTL time.Duration

	ConnectionType gateway.Backend
	MCPEndpoint    string

	OAuthTokenURL    string
	ClientID         string
	ClientSecret     string
	EnableTokenCache bool
	TokenCacheTTL    time.Duration

	MongoURI      string
	MongoDatabase string

	ModelPath       string
	MaxSchemaFields int

	LogLevel string

	// APITokens are the bearer tokens accepted by the HTTP server. Empty
	// disables authentication.
	APITokens []string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a validated Config from getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		LLMProvider:     strings.ToLower(env("LLM_PROVIDER", ProviderAzure)),
		AnthropicAPIKey: env("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  env("ANTHROPIC_MODEL", ""),
		OpenAIAPIKey:    env("OPENAI_API_KEY", ""),
		OpenAIModel:     env("OPENAI_MODEL", defaultOpenAIModel),
		AzureEndpoint:   env("AZURE_OPENAI_ENDPOINT", ""),
		AzureAPIKey:     env("AZURE_OPENAI_API_KEY", ""),
		AzureDeployment: env("AZURE_OPENAI_DEPLOYMENT_NAME", defaultAzureDeployment),
		AzureAPIVersion: env("AZURE_OPENAI_API_VERSION", defaultAzureAPIVersion),
		VectorDB:        strings.ToLower(env("VECTOR_DB", VectorDBLocal)),
		WeaviateURL:     env("WEAVIATE_URL", ""),
		WeaviateAPIKey:  env("WEAVIATE_API_KEY", ""),
		WeaviateClass:   env("WEAVIATE_CLASS", lookup.DefaultWeaviateClass),
		ConnectionType:  gateway.Backend(strings.ToLower(env("MONGODB_CONNECTION_TYPE", string(gateway.BackendProxied)))),
		MCPEndpoint:     env("MONGODB_MCP_ENDPOINT", defaultMCPEndpoint),
		OAuthTokenURL:   env("MONGODB_OAUTH_TOKEN_URL", ""),
		ClientID:        env("MONGODB_CLIENT_ID", ""),
		ClientSecret:    env("MONGODB_CLIENT_SECRET", ""),
		MongoURI:        env("MONGODB_URI", ""),
		MongoDatabase:   env("MONGODB_DATABASE", ""),
		ModelPath:       env("SEMANTIC_MODEL_PATH", lookup.DefaultModelDir),
		LogLevel:        strings.ToLower(env("LOG_LEVEL", "info")),
		APITokens:       splitList(env("API_TOKENS", "")),
	}

	var err error
	if v := env("LOOKUP_CACHE_TTL", ""); v != "" {
		if cfg.LookupCacheTTL, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("invalid LOOKUP_CACHE_TTL %q: %w", v, err)
		}
	}
	if cfg.EnableTokenCache, err = strconv.ParseBool(env("ENABLE_TOKEN_CACHE", "true")); err != nil {
		return nil, fmt.Errorf("invalid ENABLE_TOKEN_CACHE: %w", err)
	}
	cfg.TokenCacheTTL = defaultTokenCacheTTL
	if v := env("TOKEN_CACHE_TTL", ""); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TOKEN_CACHE_TTL %q: %w", v, err)
		}
		cfg.TokenCacheTTL = time.Duration(secs) * time.Second
	}
	cfg.MaxSchemaFields = defaultMaxSchemaFields
	if v := env("MAX_SCHEMA_FIELDS", ""); v != "" {
		if cfg.MaxSchemaFields, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid MAX_SCHEMA_FIELDS %q: %w", v, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.LLMProvider {
	case ProviderAzure:
		if c.AzureEndpoint == "" || c.AzureAPIKey == "" {
			return errors.New("azure provider requires AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_API_KEY")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("openai provider requires OPENAI_API_KEY")
		}
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return errors.New("anthropic provider requires ANTHROPIC_API_KEY")
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}

	switch c.VectorDB {
	case VectorDBLocal:
	case VectorDBWeaviate:
		if c.WeaviateURL == "" {
			return errors.New("weaviate lookup requires WEAVIATE_URL")
		}
	default:
		return fmt.Errorf("unknown VECTOR_DB %q", c.VectorDB)
	}

	switch c.ConnectionType {
	case gateway.BackendProxied:
		if c.MCPEndpoint == "" {
			return errors.New("mcp connection requires MONGODB_MCP_ENDPOINT")
		}
		if c.OAuthTokenURL != "" && (c.ClientID == "" || c.ClientSecret == "") {
			return errors.New("MONGODB_OAUTH_TOKEN_URL requires MONGODB_CLIENT_ID and MONGODB_CLIENT_SECRET")
		}
	case gateway.BackendDirect:
		if c.MongoURI == "" || c.MongoDatabase == "" {
			return errors.New("direct connection requires MONGODB_URI and MONGODB_DATABASE")
		}
	default:
		return fmt.Errorf("unknown MONGODB_CONNECTION_TYPE %q", c.ConnectionType)
	}

	if c.LookupCacheTTL < 0 {
		return errors.New("LOOKUP_CACHE_TTL must not be negative")
	}
	if c.TokenCacheTTL <= 0 {
		return errors.New("TOKEN_CACHE_TTL must be positive")
	}
	if c.MaxSchemaFields <= 0 {
		return errors.New("MAX_SCHEMA_FIELDS must be positive")
	}
	return nil
}

// Debug reports whether LOG_LEVEL asks for debug logging.
func (c *Config) Debug() bool {
	return c.LogLevel == "debug"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
