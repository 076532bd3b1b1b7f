// Package api exposes the management HTTP API: health, registered peers,
// and server statistics. It is an outer surface over the same KV pool and a
// read-only liveness snapshot; it never touches reactor internals.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TonyBeen/p2p/internal/config"
	"github.com/TonyBeen/p2p/internal/server"
)

// Server is the management API server.
type Server struct {
	cfg     config.APIConfig
	logger  *slog.Logger
	handler *Handler
	httpSrv *http.Server
}

// New builds the API server around the runner's shared components.
func New(cfg config.APIConfig, runner *server.Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		logger:   logger,
		registry: runner.Registry(),
		liveness: runner.Liveness(),
		stats:    runner.Stats(),
		started:  time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestID())
	engine.Use(requestLogging(logger))

	v1 := engine.Group("/api/v1")
	{
		v1.GET("/health", h.Health)
		v1.GET("/peers", h.Peers)
		v1.GET("/stats", h.Stats)
	}

	s := &Server{cfg: cfg, logger: logger, handler: h}
	s.httpSrv = &http.Server{
		Addr:              s.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error {
	s.logger.Info("management api listening", "addr", s.Addr())
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the route handlers for tests.
func (s *Server) Handler() *Handler { return s.handler }

// Engine returns the configured engine (tests).
func (s *Server) Engine() http.Handler { return s.httpSrv.Handler }
