package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/zjrosen/skillforge/internal/log"
)

// Server wraps the HTTP facade with lifecycle management.
type Server struct {
	srv *http.Server
}

// New builds a Server listening on addr with the handler's routes.
func New(addr string, h *Handler) *Server {
	mux := http.NewServeMux()
	h.RegisterAPIRoutes(mux)
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until the listener fails or Shutdown is called. It blocks.
func (s *Server) Start() error {
	log.Info(log.CatServer, "listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
