package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// Server ties the hub to its HTTP surface.
type Server struct {
	cfg        Config
	hub        *Hub
	registry   *prometheus.Registry
	origins    *originPolicy
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	httpServer *http.Server
}

// New builds a Server from cfg. Nothing listens until Run is called.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = sanitizeConfig(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		cfg:      cfg,
		hub:      NewHub(cfg, WithLogger(logger), WithMetrics(NewMetrics(reg))),
		registry: reg,
		origins:  newOriginPolicy(cfg.AllowedOrigins, cfg.AllowMissingOrigin, logger),
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	s.httpServer = CreateServer(cfg.Port, s.Handler())
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.SetupRoutes()
}

// Run binds the configured port, starts the hub and serves until ctx is
// cancelled, then shuts the HTTP server and the hub down. A bind failure is
// returned immediately and the hub is never started.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.hub.Run()
	s.logger.Info("hub started and ready to manage websocket connections")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := StartServer(s.httpServer, ln, s.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown signal received, starting graceful shutdown")

		if err := ShutdownServer(s.httpServer, s.cfg.ShutdownTimeout, s.logger); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
		if err := s.hub.Shutdown(s.cfg.ShutdownTimeout); err != nil {
			s.logger.Error("hub shutdown error", "error", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	})

	return g.Wait()
}
