package server

import (
	"context"
	"net"
	"time"

	"github.com/shimmeringbee/logwrap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps a gRPC server and listener.
type GRPCServer struct {
	Server   *grpc.Server
	Listener net.Listener
}

func NewGRPCServer(addr string, logger logwrap.Logger) (*GRPCServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary(logger)))
	reflection.Register(s)

	return &GRPCServer{Server: s, Listener: ln}, nil
}

func (s *GRPCServer) Serve() error {
	return s.Server.Serve(s.Listener)
}

// Stop drains in-flight calls, giving up after timeout.
func (s *GRPCServer) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.Server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.Server.Stop()
	}
}

func logUnary(logger logwrap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.LogWarn(ctx, "gRPC call failed.",
				logwrap.Datum("method", info.FullMethod),
				logwrap.Datum("code", status.Code(err).String()),
				logwrap.Datum("duration", time.Since(start).String()),
				logwrap.Err(err))
			return resp, err
		}
		logger.LogDebug(ctx, "gRPC call.",
			logwrap.Datum("method", info.FullMethod),
			logwrap.Datum("duration", time.Since(start).String()))
		return resp, nil
	}
}
