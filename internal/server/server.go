// Package server exposes the lock API and the live update websocket.
package server

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeusync/workbench/internal/core/locking"
	"github.com/zeusync/workbench/internal/core/observability/log"
	"github.com/zeusync/workbench/internal/core/observability/metrics"
	"github.com/zeusync/workbench/internal/core/protocol"
	"github.com/zeusync/workbench/pkg/concurrent"
)

// Server represents a workbench lock server
type Server struct {
	config  Config
	proto   protocol.Config
	echo    *echo.Echo
	hub     *Hub
	auth    *TokenAuth
	manager *locking.Manager
	metrics *metrics.Metrics
	logger  log.Log

	httpServer *http.Server
	addr       atomic.Value // net.Addr

	running atomic.Bool
	closed  atomic.Bool
}

// New assembles the HTTP routes around manager and hub. m may be nil.
func New(config Config, proto protocol.Config, manager *locking.Manager, hub *Hub, m *metrics.Metrics, logger log.Log) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	logger = logger.With(log.String("component", "server"))
	e.Use(requestLogger(logger))

	s := &Server{
		config:  config,
		proto:   proto,
		echo:    e,
		hub:     hub,
		auth:    NewTokenAuth(config.Users, proto.TokenParam),
		manager: manager,
		metrics: m,
		logger:  logger,
	}
	s.registerRoutes()

	s.logger.Info("Server created",
		log.String("listen_addr", config.ListenAddr),
		log.Int("users", len(config.Users)))
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Addr returns the bound address once the server has started.
func (s *Server) Addr() net.Addr {
	addr, _ := s.addr.Load().(net.Addr)
	return addr
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})
}

// Start binds the listener and serves in the background.
func (s *Server) Start(_ context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		s.running.Store(false)
		s.logger.Error("Failed to create listener", log.Error(err))
		return errors.Wrap(ErrListenerFailed, err.Error())
	}
	s.httpServer = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", log.Error(err))
		}
	}()

	s.addr.Store(listener.Addr())
	s.logger.Info("Server listening", log.String("addr", listener.Addr().String()))
	return nil
}

// Stop shuts the HTTP server down and closes every live connection.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrServerNotRunning
	}
	s.logger.Info("Stopping server")

	err := s.httpServer.Shutdown(ctx)
	s.hub.Close()

	s.logger.Info("Server stopped")
	return err
}

// Close stops the server if it is running and marks it unusable.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.running.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Stop(ctx)
	}
	s.hub.Close()
	return nil
}

// Run starts the server and the lock expiry sweeper and blocks until ctx is
// cancelled or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return concurrent.Run(ctx,
		s.manager.Run,
		func(ctx context.Context) error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
			defer cancel()
			return s.Stop(shutdownCtx)
		},
	)
}
