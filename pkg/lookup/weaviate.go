package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

const (
	DefaultWeaviateClass   = "SemanticLayerCollection"
	defaultWeaviateTimeout = 15 * time.Second
)

type WeaviateConfig struct {
	Logger *slog.Logger

	// URL is the server address, e.g. http://localhost:8080.
	URL    string
	APIKey string
	Class  string

	Timeout time.Duration
}

func (c *WeaviateConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.URL == "" {
		return errors.New("weaviate url is required")
	}
	if c.Class == "" {
		c.Class = DefaultWeaviateClass
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultWeaviateTimeout
	}
	return nil
}

// Weaviate looks semantic models up in a Weaviate class whose objects carry the
// model text and its target hints, keyed by the "source" property.
type Weaviate struct {
	log    *slog.Logger
	client *weaviate.Client
	cfg    WeaviateConfig
}

func NewWeaviate(cfg WeaviateConfig) (*Weaviate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", cfg.URL)
	}
	wcfg := weaviate.Config{
		Host:             u.Host,
		Scheme:           u.Scheme,
		ConnectionClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.APIKey != "" {
		wcfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	cfg.Logger.Info("lookup: weaviate client initialized", "url", cfg.URL, "class", cfg.Class)
	return &Weaviate{log: cfg.Logger, client: client, cfg: cfg}, nil
}

func (w *Weaviate) Search(ctx context.Context, id string) (*Document, error) {
	where := filters.Where().
		WithPath([]string{"source"}).
		WithOperator(filters.Equal).
		WithValueText(id)

	fields := []graphql.Field{
		{Name: "text"},
		{Name: "db_name"},
		{Name: "schema_name"},
		{Name: "app_name"},
		{Name: "db_type"},
	}

	resp, err := w.client.GraphQL().Get().
		WithClassName(w.cfg.Class).
		WithFields(fields...).
		WithWhere(where).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate query: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("weaviate query error: %s", resp.Errors[0].Message)
	}
	return documentFromGraphQL(resp, w.cfg.Class, id), nil
}

func documentFromGraphQL(resp *models.GraphQLResponse, class, id string) *Document {
	get, ok := resp.Data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	objects, ok := get[class].([]any)
	if !ok || len(objects) == 0 {
		return nil
	}
	obj, ok := objects[0].(map[string]any)
	if !ok {
		return nil
	}
	text := stringProp(obj, "text")
	if text == "" {
		return nil
	}
	return &Document{
		Text:        text,
		Database:    stringProp(obj, "db_name"),
		Schema:      stringProp(obj, "schema_name"),
		Application: stringProp(obj, "app_name"),
		Kind:        stringProp(obj, "db_type"),
		Origin:      "weaviate:" + class + "/" + id,
	}
}

func stringProp(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
