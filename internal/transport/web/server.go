package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/seasbee/go-logx"
)

// ServerConfig holds listener settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server wraps the HTTP listener.
type Server struct {
	server *http.Server
}

// NewServer creates a server serving the router built from deps.
func NewServer(cfg ServerConfig, deps Deps) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{server: &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(deps),
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 2 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	logx.Info("HTTP server listening", logx.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		logx.Warn("HTTP server forced to shut down", logx.ErrorField(err))
		return err
	}
	logx.Info("HTTP server stopped")
	return nil
}
