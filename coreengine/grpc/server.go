package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
)

// =============================================================================
// Graceful Server
// =============================================================================

// GracefulServer wraps a gRPC server hosting the task service with graceful
// shutdown support. It listens for context cancellation and shuts down cleanly.
type GracefulServer struct {
	grpcServer *grpc.Server
	tasks      *TaskServer
	logger     Logger
	address    string
	listener   net.Listener
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer creates a GracefulServer serving tasks on address.
// Without opts the standard interceptors are installed with authentication
// disabled; pass ServerOptions(logger, validator) to enable it.
func NewGracefulServer(tasks *TaskServer, address string, opts ...grpc.ServerOption) *GracefulServer {
	if len(opts) == 0 {
		opts = ServerOptions(tasks.logger, nil)
	}

	grpcServer := grpc.NewServer(opts...)
	RegisterTaskService(grpcServer, tasks)

	return &GracefulServer{
		grpcServer: grpcServer,
		tasks:      tasks,
		logger:     tasks.logger,
		address:    address,
	}
}

// Start starts the server and blocks until ctx is cancelled.
// When ctx is cancelled, it performs graceful shutdown.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *GracefulServer) Serve(ctx context.Context, lis net.Listener) error {
	s.listener = lis
	s.logger.Info("grpc_server_started", "address", lis.Addr().String())

	errCh := s.serve(lis)

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated",
			"reason", ctx.Err().Error(),
		)
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// StartBackground starts the server in a goroutine.
// Returns a channel that receives errors.
func (s *GracefulServer) StartBackground() (<-chan error, error) {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.logger.Info("grpc_server_started_background", "address", lis.Addr().String())
	return s.serve(lis), nil
}

func (s *GracefulServer) serve(lis net.Listener) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// GracefulStop stops accepting new connections and waits for in-flight
// turns to complete.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Info("grpc_graceful_stop_started")
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// Stop immediately stops the server.
func (s *GracefulServer) Stop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Warn("grpc_immediate_stop")
	s.grpcServer.Stop()
}

// ShutdownWithTimeout performs graceful shutdown with a timeout.
// If shutdown doesn't complete within timeout, it forces an immediate stop.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})

	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout",
			"timeout_ms", timeout.Milliseconds(),
		)
		s.grpcServer.Stop()
	}
}

// GRPCServer returns the underlying grpc.Server.
func (s *GracefulServer) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Address returns the listen address, or the configured one before Start.
func (s *GracefulServer) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}
