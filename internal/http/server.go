package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dropDatabas3/gatekeeper/internal/observability/logger"
)

// Server envuelve http.Server con arranque y drain prolijos.
type Server struct {
	srv *http.Server
}

// NewServer arma el server sobre el handler dado.
func NewServer(addr string, h http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start bloquea sirviendo hasta que el server se cierre.
func (s *Server) Start() error {
	logger.L().Info("http server listening", logger.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drena las conexiones en curso dentro del deadline del ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.L().Info("http server draining")
	return s.srv.Shutdown(ctx)
}
