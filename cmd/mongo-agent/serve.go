package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/malbeclabs/mongoagent/internal/server"
	"github.com/malbeclabs/mongoagent/pkg/metrics"
	"github.com/spf13/cobra"
)

type ServeCmd struct {
	listenAddr      string
	metricsAddr     string
	allowedOrigins  []string
	shutdownTimeout time.Duration
}

func NewServeCmd() *ServeCmd {
	return &ServeCmd{}
}

func (c *ServeCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API, the MCP endpoint and Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			comps, err := cfg.Build(ctx, log)
			if err != nil {
				return err
			}
			defer closeComponents(log, comps)

			srv, err := server.New(server.Config{
				Logger:          log,
				Runner:          comps.Pipeline,
				Lookup:          comps.Lookup,
				Version:         version,
				ListenAddr:      c.listenAddr,
				MetricsAddr:     c.metricsAddr,
				AllowedOrigins:  c.allowedOrigins,
				AllowedTokens:   cfg.APITokens,
				ShutdownTimeout: c.shutdownTimeout,
			})
			if err != nil {
				return err
			}

			log.Info("starting mongo-agent",
				"version", version,
				"commit", commit,
				"listenAddr", c.listenAddr,
				"metricsAddr", c.metricsAddr,
				"llm", cfg.LLMProvider,
				"backend", comps.Router.Backend(),
				"lookup", cfg.VectorDB,
				"auth", len(cfg.APITokens) > 0,
			)
			if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			log.Info("mongo-agent stopped", "reason", context.Cause(ctx))
			return nil
		},
	}
	cmd.Flags().StringVar(&c.listenAddr, "listen", ":8000", "API listen address")
	cmd.Flags().StringVar(&c.metricsAddr, "metrics-addr", ":2112", "Prometheus metrics listen address; empty disables the separate listener")
	cmd.Flags().StringSliceVar(&c.allowedOrigins, "cors-origin", nil, "allowed CORS origins (default *)")
	cmd.Flags().DurationVar(&c.shutdownTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	return cmd
}
