package transport

import (
	"context"
	"fmt"
	"sync"

	rerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// AddressResolver maps a node ID to its RPC address
type AddressResolver interface {
	Address(nodeID string) (string, bool)
}

// GRPCSender sends commands to peers over gRPC, caching one connection
// per address.
type GRPCSender struct {
	resolver    AddressResolver
	connections map[string]*grpc.ClientConn
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewGRPCSender creates a sender that resolves targets with resolver
func NewGRPCSender(resolver AddressResolver, logger *zap.Logger) *GRPCSender {
	return &GRPCSender{
		resolver:    resolver,
		connections: make(map[string]*grpc.ClientConn),
		logger:      logger,
	}
}

// Send implements Sender
func (s *GRPCSender) Send(ctx context.Context, target string, cmd *Command) (*Response, error) {
	addr, ok := s.resolver.Address(target)
	if !ok {
		return nil, rerrors.Unavailable(fmt.Sprintf("no address known for node %s", target), nil)
	}

	conn, err := s.getConnection(addr)
	if err != nil {
		return nil, err
	}

	resp := new(Response)
	if err := conn.Invoke(ctx, invokeMethod, cmd, resp, grpc.ForceCodec(codec)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, rerrors.FromGRPCStatus(err)
	}
	return resp, nil
}

func (s *GRPCSender) getConnection(addr string) (*grpc.ClientConn, error) {
	s.mu.RLock()
	conn, exists := s.connections[addr]
	s.mu.RUnlock()

	if exists {
		return conn, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if conn, exists := s.connections[addr]; exists {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, rerrors.Unavailable(fmt.Sprintf("failed to connect to %s", addr), err)
	}

	s.connections[addr] = conn
	return conn, nil
}

// Forget closes the cached connection for a node that left
func (s *GRPCSender) Forget(nodeID string) {
	addr, ok := s.resolver.Address(nodeID)
	if !ok {
		return
	}

	s.mu.Lock()
	conn, exists := s.connections[addr]
	delete(s.connections, addr)
	s.mu.Unlock()

	if exists {
		if err := conn.Close(); err != nil {
			s.logger.Debug("Failed to close connection", zap.String("addr", addr), zap.Error(err))
		}
	}
}

// Close closes all cached connections
func (s *GRPCSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for addr, conn := range s.connections {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close connection to %s: %w", addr, err)
		}
		delete(s.connections, addr)
	}
	return firstErr
}
