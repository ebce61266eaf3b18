package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/relay/internal/logging"
	"github.com/Tyrowin/relay/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		envFiles []string
		port     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay hub",
		Long: `Start the relay hub and its HTTP endpoints.

Configuration is read from the environment; variables in the env files
(.env by default) fill in whatever is not already set.

Endpoints:
  /         health check
  /ws       WebSocket endpoint
  /test     browser test page
  /stats    client count and uptime as JSON
  /metrics  Prometheus metrics

Examples:
  relay serve
  relay serve --port=:9000
  relay serve --env-file=prod.env`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), envFiles, port)
		},
	}

	cmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "Env files to load (default .env)")
	cmd.Flags().StringVarP(&port, "port", "p", "", "Listen address, overrides SERVER_PORT")

	return cmd
}

func runServe(parent context.Context, envFiles []string, port string) error {
	cfg, err := server.LoadConfig(envFiles...)
	if err != nil {
		return withCode(exitConfig, err)
	}
	if port != "" {
		cfg.Port = port
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return withCode(exitConfig, err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting relay server", "version", version, "addr", cfg.Port)
	srv := server.New(*cfg, logger)
	if err := srv.Run(ctx); err != nil {
		return withCode(exitRuntime, err)
	}
	return nil
}
