package opsapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// Server serves a Handler on a TCP address
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     logging.Logger
}

// NewServer binds address immediately so a taken port fails at startup
func NewServer(address string, handler http.Handler, logger logging.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.NewConflictError("ops address already in use", err).WithContext("address", address)
	}
	logger.Infof("Ops API listening at %s", listener.Addr().String())

	return &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		logger:   logger,
	}, nil
}

func (s *Server) Address() string {
	return s.listener.Addr().String()
}

// Serve blocks until Stop
func (s *Server) Serve() error {
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		s.logger.Errorf("Ops API Serve failed: %v", err)
		return errors.NewNetworkError("ops server failed", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warnf("Ops API shutdown: %v", err)
		_ = s.httpServer.Close()
	}
}
