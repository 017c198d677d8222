package controlapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ferrule/ferrule/internal/control"
	"github.com/ferrule/ferrule/internal/logger"
)

// Server is the HTTP control API server, grounded on
// pkg/controlplane/api/server.go's Start/Stop lifecycle.
type Server struct {
	server       *http.Server
	shutdownOnce sync.Once
}

// NewServer builds a Server bound to addr, exposing loop's operator API
// and, if reg is non-nil, a /metrics endpoint scraping reg.
func NewServer(addr string, loop *control.Loop, reg prometheus.Gatherer) *Server {
	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(loop, reg),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("control API listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("control API server failed: %w", err)
	}
}

// Stop gracefully shuts the server down; safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		if shutErr := s.server.Shutdown(ctx); shutErr != nil {
			err = fmt.Errorf("control API shutdown error: %w", shutErr)
			return
		}
		logger.Info("control API stopped gracefully")
	})
	return err
}
