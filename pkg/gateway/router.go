package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/mongoagent/pkg/metrics"
)

// Backend selects the executor a Router is built with.
type Backend string

const (
	BackendProxied Backend = "mcp"
	BackendDirect  Backend = "direct"
)

type RouterConfig struct {
	Logger  *slog.Logger
	Backend Backend
	Proxied *ProxiedConfig
	Direct  *DirectConfig
}

func (c *RouterConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Backend == "" {
		c.Backend = BackendProxied
	}
	switch c.Backend {
	case BackendProxied:
		if c.Proxied == nil {
			return errors.New("proxied backend config is required")
		}
	case BackendDirect:
		if c.Direct == nil {
			return errors.New("direct backend config is required")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}

// Router fixes one backend for its lifetime and records execution metrics.
type Router struct {
	log     *slog.Logger
	backend Backend
	exec    Executor
}

func NewRouter(ctx context.Context, cfg RouterConfig) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var exec Executor
	switch cfg.Backend {
	case BackendDirect:
		d, err := NewDirect(ctx, *cfg.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create direct backend: %w", err)
		}
		exec = d
	default:
		p, err := NewProxied(*cfg.Proxied)
		if err != nil {
			return nil, fmt.Errorf("failed to create proxied backend: %w", err)
		}
		exec = p
	}
	cfg.Logger.Info("gateway: router initialized", "backend", cfg.Backend)
	return &Router{log: cfg.Logger, backend: cfg.Backend, exec: exec}, nil
}

// NewRouterWithExecutor wraps an existing executor.
func NewRouterWithExecutor(log *slog.Logger, backend Backend, exec Executor) *Router {
	return &Router{log: log, backend: backend, exec: exec}
}

func (r *Router) Backend() Backend {
	return r.backend
}

func (r *Router) Execute(ctx context.Context, q Query, target Target) Result {
	start := time.Now()
	res := r.exec.Execute(ctx, q, target)
	metrics.GatewayExecutionDuration.WithLabelValues(string(r.backend)).Observe(time.Since(start).Seconds())

	kind := KindNone
	if res.Err != nil {
		kind = res.Err.Kind
	}
	metrics.GatewayExecutionsTotal.WithLabelValues(string(r.backend), kind.String()).Inc()
	return res
}

func (r *Router) Close(ctx context.Context) error {
	err := r.exec.Close(ctx)
	if err == nil {
		r.log.Info("gateway: backend closed", "backend", r.backend)
	}
	return err
}
