// Package server exposes the query pipeline over REST and as an MCP tool.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	mcp     *mcp.Server
	router  chi.Router
	http    *http.Server
	metrics *http.Server
	ready   atomic.Bool
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    "mongo-agent",
			Version: cfg.Version,
		}, nil),
	}
	if err := RegisterAskTool(s.log, s.mcp, cfg.Runner); err != nil {
		return nil, fmt.Errorf("failed to register ask tool: %w", err)
	}

	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metrics = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		}
	}
	return s, nil
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)
	r.Use(s.logRequests)
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Mcp-Session-Id"},
		ExposedHeaders: []string{"X-Request-ID", "Mcp-Session-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	mcpHandler := mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{Stateless: true})

	r.Group(func(r chi.Router) {
		if len(s.cfg.AllowedTokens) > 0 {
			r.Use(s.auth)
		}
		r.Use(middleware.RequestSize(defaultMaxBodyBytes))

		r.Post("/api/query", s.handleQuery)
		r.Post("/api/mongodb", s.handleQuery)
		r.Post("/api/validate", s.handleValidate)
		r.Post("/api/validate-yaml", s.handleValidate)
		r.Get("/api/capabilities", s.handleCapabilities)
		r.Handle("/mcp", mcpHandler)
	})
	return r
}

// Run serves the API, and the metrics listener when configured, until ctx is
// cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	servers := []*http.Server{s.http}
	if s.metrics != nil {
		servers = append(servers, s.metrics)
	}
	for _, srv := range servers {
		g.Go(func() error {
			s.log.Info("server: listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to listen and serve on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.ready.Store(false)
		s.log.Info("server: stopping", "reason", context.Cause(ctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	s.ready.Store(true)
	return g.Wait()
}
