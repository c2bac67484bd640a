// Package credential caches OAuth client-credentials bearer tokens for the
// proxied query backend.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/mongoagent/pkg/metrics"
)

const (
	defaultTTL          = 3000 * time.Second
	defaultFetchTimeout = 10 * time.Second
)

// ErrTokenRequest is returned when the token endpoint rejects the request or
// answers without an access token.
var ErrTokenRequest = errors.New("token request failed")

type Config struct {
	Logger       *slog.Logger
	TokenURL     string
	ClientID     string
	ClientSecret string

	// TTL is how long a fetched token is reused.
	TTL time.Duration

	// NoCache fetches a fresh token on every call.
	NoCache bool

	HTTPClient *http.Client
	Clock      clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.TokenURL == "" {
		return errors.New("token url is required")
	}
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	if c.ClientSecret == "" {
		return errors.New("client secret is required")
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultFetchTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Cache holds at most one token. The mutex is held across the fetch, so
// concurrent callers during a refresh wait for its result instead of issuing
// their own request.
type Cache struct {
	log *slog.Logger
	cfg Config

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cache{log: cfg.Logger, cfg: cfg}, nil
}

func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	if !c.cfg.NoCache && c.token != "" && now.Before(c.expiresAt) {
		c.log.Debug("credential: using cached token")
		return c.token, nil
	}

	token, err := c.fetch(ctx)
	if err != nil {
		metrics.CredentialFetchesTotal.WithLabelValues("error").Inc()
		c.log.Error("credential: failed to fetch token", "error", err)
		return "", err
	}
	metrics.CredentialFetchesTotal.WithLabelValues("ok").Inc()

	if !c.cfg.NoCache {
		c.token = token
		c.expiresAt = now.Add(c.cfg.TTL)
		c.log.Info("credential: new token cached", "ttl", c.cfg.TTL)
	}
	return token, nil
}

// Invalidate drops the cached token so the next call fetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.log.Info("credential: token cache invalidated")
}

func (c *Cache) fetch(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: HTTP %d", ErrTokenRequest, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("%w: no access_token in response", ErrTokenRequest)
	}
	return body.AccessToken, nil
}
