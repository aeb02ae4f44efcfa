package registry

import (
	"context"

	"distributed-resize/internal/rpc"
)

// Server exposes a Registry over gRPC.
type Server struct {
	registry *Registry
}

// NewServer wraps registry.
func NewServer(registry *Registry) *Server {
	return &Server{registry: registry}
}

// Register is called by workers at startup.
func (s *Server) Register(ctx context.Context, req *rpc.RegisterRequest) (*rpc.RegisterReply, error) {
	if err := s.registry.Register(ctx, req.Record); err != nil {
		return nil, rpc.ToStatus(err)
	}
	return &rpc.RegisterReply{Status: rpc.RegisterOK}, nil
}

// GetMethodConfig is polled by dispatchers.
func (s *Server) GetMethodConfig(ctx context.Context, req *rpc.MethodConfigRequest) (*rpc.MethodConfigReply, error) {
	endpoints, err := s.registry.GetMethodConfig(ctx, req.Capability)
	if err != nil {
		return nil, rpc.ToStatus(err)
	}
	return &rpc.MethodConfigReply{Endpoints: endpoints}, nil
}
