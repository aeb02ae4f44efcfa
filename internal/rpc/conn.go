package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
)

// Dial creates a lazily connecting client for addr. Reconnect backoff is
// capped low so a worker that comes back is reachable by the next heartbeat.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  100 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   time.Second,
			},
			MinConnectTimeout: 500 * time.Millisecond,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

// NewServer creates a gRPC server with tracing enabled.
func NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	return grpc.NewServer(opts...)
}

// ConnCache keeps one client connection per address.
type ConnCache struct {
	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	logger *slog.Logger
}

// NewConnCache creates an empty cache.
func NewConnCache(logger *slog.Logger) *ConnCache {
	return &ConnCache{
		conns:  make(map[string]*grpc.ClientConn),
		logger: logger.With("component", "conn-cache"),
	}
}

// Get returns the cached connection for addr, creating it on first use.
func (c *ConnCache) Get(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}

	conn, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	c.conns[addr] = conn
	c.logger.Info("created new gRPC client", "addr", addr)
	return conn, nil
}

// Close closes every cached connection.
func (c *ConnCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(c.conns, addr)
	}
	return errors.Join(errs...)
}
