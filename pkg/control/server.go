package control

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"google.golang.org/grpc"
)

type ServerOptions struct {
	Address string
}

// Server is the gRPC control endpoint. Binding happens in NewServer so a
// second instance fails before it supervises anything.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	address    Address
	logger     logging.Logger
}

func NewServer(options ServerOptions, logger logging.Logger) (*Server, error) {
	address, err := ParseAddress(options.Address)
	if err != nil {
		return nil, err
	}

	if address.Network == "unix" {
		if err := clearStaleSocket(address.Address); err != nil {
			return nil, err
		}
	}

	listener, err := net.Listen(address.Network, address.Address)
	if err != nil {
		return nil, errors.NewConflictError("control address already in use", err).WithContext("address", address.String())
	}

	logger.Infof("Listening at %s", listener.Addr().String())

	grpcServer := grpc.NewServer(
		grpc.WriteBufferSize(1*1024*1024),
		grpc.InitialWindowSize(1*1024*1024),
		grpc.InitialConnWindowSize(1*1024*1024),
	)

	return &Server{
		grpcServer: grpcServer,
		listener:   listener,
		address:    Address{Network: address.Network, Address: listener.Addr().String()},
		logger:     logger,
	}, nil
}

// clearStaleSocket removes a socket file nobody is accepting on. A live
// socket means another instance owns it.
func clearStaleSocket(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err == nil {
		conn.Close()
		return errors.NewConflictError("control socket already in use", nil).WithContext("path", path)
	}
	if err := os.Remove(path); err != nil {
		return errors.NewIOError("failed to remove stale control socket", err).WithContext("path", path)
	}
	return nil
}

func (s *Server) GRPC() grpc.ServiceRegistrar {
	return s.grpcServer
}

// Address is the bound address, with the actual port when 0 was requested
func (s *Server) Address() Address {
	return s.address
}

// Serve blocks until the server stops
func (s *Server) Serve() error {
	if err := s.grpcServer.Serve(s.listener); err != nil && err != grpc.ErrServerStopped {
		s.logger.Errorf("Control gRPC server Serve failed: %v", err)
		return errors.NewNetworkError("control server failed", err)
	}
	return nil
}

// Stop drains in-flight calls, forcing the stop when ctx expires first
func (s *Server) Stop(ctx context.Context) {
	s.logger.Infof("Stopping control server...")

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Infof("Control server stopped gracefully")
	case <-ctx.Done():
		s.logger.Infof("Shutdown timed out, forcing control server to stop")
		s.grpcServer.Stop()
	}
	// Serve may never have taken ownership of the listener
	_ = s.listener.Close()

	if s.address.Network == "unix" {
		_ = os.Remove(s.address.Address)
	}
}
