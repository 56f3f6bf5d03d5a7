package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const defaultShutdownTimeout = 5 * time.Second

// Server ties the hub, the store and the HTTP routes together.
type Server struct {
	cfg      Config
	hub      *Hub
	store    Store
	upgrader websocket.Upgrader
	http     *http.Server
	logger   *slog.Logger
}

// New builds a Server. Call Start to run it.
func New(cfg Config, st Store, logger *slog.Logger) *Server {
	cfg = cfg.Sanitized()
	origins := newOriginPolicy(cfg.AllowedOrigins, logger.With("component", "origin"))

	s := &Server{
		cfg:   cfg,
		hub:   NewHub(cfg, st, logger),
		store: st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		logger: logger.With("component", "http"),
	}
	s.http = CreateServer(cfg.Port, s.Routes())
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// CreateServer creates an HTTP server on port with production timeouts.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Start runs the hub and serves HTTP until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info("Server listening", "addr", s.http.Addr)

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting HTTP requests, then stops the hub and its
// connections. It honors ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	httpErr := s.http.Shutdown(ctx)
	if httpErr != nil {
		s.logger.Error("HTTP server shutdown error", "error", httpErr)
	}

	timeout := defaultShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = max(time.Until(deadline), 0)
	}
	return errors.Join(httpErr, s.hub.Shutdown(timeout))
}
