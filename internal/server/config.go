package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/mongoagent/pkg/lookup"
	"github.com/malbeclabs/mongoagent/pkg/pipeline"
)

const (
	defaultListenAddr        = ":8000"
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
	defaultMaxBodyBytes      = 1 << 20
)

// Runner answers one question. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

type Config struct {
	Logger *slog.Logger
	Runner Runner
	Lookup lookup.Lookup

	Version     string
	ListenAddr  string
	MetricsAddr string // optional; serves /metrics on its own listener

	AllowedOrigins []string
	AllowedTokens  []string // bearer tokens for /api and /mcp; empty disables auth

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Clock             clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Runner == nil {
		return errors.New("runner is required")
	}
	if c.Lookup == nil {
		return errors.New("lookup is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}
