package transport

import (
	"context"
	"net"
	"time"

	rerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	serviceName  = "pairdb.cachenode.RehashService"
	invokeMethod = "/" + serviceName + "/Invoke"
)

// rehashServer is the server API of the rehash service
type rehashServer interface {
	Invoke(ctx context.Context, cmd *Command) (*Response, error)
}

var rehashServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*rehashServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cachenode/rehash",
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Command)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rehashServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: invokeMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(rehashServer).Invoke(ctx, req.(*Command))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCServer exposes a Handler to peers over gRPC
type GRPCServer struct {
	server  *grpc.Server
	handler Handler
	logger  *zap.Logger
}

// NewGRPCServer creates a gRPC server for handler
func NewGRPCServer(handler Handler, maxConcurrentStreams int, logger *zap.Logger) *GRPCServer {
	s := &GRPCServer{
		handler: handler,
		logger:  logger,
	}

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(codec),
		grpc.ChainUnaryInterceptor(s.loggingInterceptor),
	}
	if maxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(uint32(maxConcurrentStreams)))
	}

	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&rehashServiceDesc, s)
	return s
}

// Invoke implements rehashServer
func (s *GRPCServer) Invoke(ctx context.Context, cmd *Command) (*Response, error) {
	resp, err := s.handler.HandleCommand(ctx, cmd)
	if err != nil {
		return nil, rerrors.ToGRPCError(err)
	}
	return resp, nil
}

// Serve accepts connections on lis until Stop is called
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info("Rehash RPC server listening", zap.String("address", lis.Addr().String()))
	return s.server.Serve(lis)
}

// Stop gracefully stops the server, forcing it after timeout
func (s *GRPCServer) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("Graceful stop timed out, forcing")
		s.server.Stop()
	}
}

func (s *GRPCServer) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	if cmd, ok := req.(*Command); ok {
		if ce := s.logger.Check(zap.DebugLevel, "Handled remote command"); ce != nil {
			ce.Write(
				zap.String("command", string(cmd.Type)),
				zap.String("origin", cmd.Origin),
				zap.String("episode_id", cmd.EpisodeID),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
		}
	}
	return resp, err
}
