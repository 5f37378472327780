package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/matheus3301/sms/internal/api"
	"github.com/matheus3301/sms/internal/lock"
	"github.com/matheus3301/sms/internal/session"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server manages the gRPC server lifecycle for a session daemon.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the session's Unix domain socket.
// It takes the session lock so a second daemon never unlinks a live socket.
func NewServer(p Params, _ *lock.Lock, logger *zap.Logger, svc *api.Service) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary(logger)))
	api.RegisterMessagingServer(srv, svc)

	return &Server{
		grpcServer: srv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// logUnary logs every call with its duration; failures at warn level.
func logUnary(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{zap.String("method", info.FullMethod), zap.Duration("took", time.Since(start))}
		if err != nil {
			logger.Warn("rpc failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("rpc", fields...)
		}
		return resp, err
	}
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// stopGrace bounds how long open event streams may hold up shutdown.
const stopGrace = 2 * time.Second

// Stop performs a graceful shutdown and removes the socket file. Calls still
// running after the grace period or ctx are cut off.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("gRPC server stopping")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	case <-time.After(stopGrace):
		s.grpcServer.Stop()
	}
	_ = os.Remove(s.socketPath)
}
