// internal/worker/registry.go
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"distributed-resize/internal/domain"
	"distributed-resize/internal/rpc"
)

// Registrar announces this worker to the registry.
type Registrar struct {
	client *rpc.RegistryClient
	policy rpc.Policy
	logger *slog.Logger
}

// NewRegistrar creates a registrar using client.
func NewRegistrar(client *rpc.RegistryClient, policy rpc.Policy, logger *slog.Logger) *Registrar {
	return &Registrar{
		client: client,
		policy: policy,
		logger: logger.With("component", "registrar"),
	}
}

// Register sends record once. The registry probes the worker before it
// accepts, so the gRPC server must already be serving.
func (r *Registrar) Register(ctx context.Context, record domain.WorkerRecord) error {
	if err := r.client.Register(ctx, record, r.policy); err != nil {
		return fmt.Errorf("failed to register worker %s: %w", record.Address, err)
	}
	r.logger.Info("worker registered successfully",
		"addr", record.Address.String(),
		"threads", record.Threads,
		"capabilities", len(record.Capabilities),
	)
	return nil
}
