package rpc

import (
	"context"
	"fmt"

	"distributed-resize/internal/domain"

	"google.golang.org/grpc"
)

// RegistryClient calls the registry through the envelope.
type RegistryClient struct {
	conn    Invoker
	tracker *Tracker
}

// NewRegistryClient wraps conn.
func NewRegistryClient(conn Invoker, tracker *Tracker) *RegistryClient {
	return &RegistryClient{conn: conn, tracker: tracker}
}

// Register advertises record. Any reply other than "ok" is a rejection.
func (c *RegistryClient) Register(ctx context.Context, record domain.WorkerRecord, pol Policy) error {
	reply, err := Do[RegisterReply](ctx, c.tracker, c.conn, MethodRegister, &RegisterRequest{Record: record}, pol, callOptions()...)
	if err != nil {
		return err
	}
	if reply.Status != RegisterOK {
		return fmt.Errorf("%w: registry replied %q", domain.ErrRegistrationRejected, reply.Status)
	}
	return nil
}

// GetMethodConfig returns the live providers of capability.
func (c *RegistryClient) GetMethodConfig(ctx context.Context, capability string, pol Policy) ([]domain.MethodEndpoint, error) {
	reply, err := Do[MethodConfigReply](ctx, c.tracker, c.conn, MethodGetMethodConfig, &MethodConfigRequest{Capability: capability}, pol, callOptions()...)
	if err != nil {
		return nil, err
	}
	return reply.Endpoints, nil
}

// WorkerClient calls one worker through the envelope.
type WorkerClient struct {
	conn    Invoker
	tracker *Tracker
}

// NewWorkerClient wraps conn.
func NewWorkerClient(conn Invoker, tracker *Tracker) *WorkerClient {
	return &WorkerClient{conn: conn, tracker: tracker}
}

// Alive probes the worker and returns its current capacity.
func (c *WorkerClient) Alive(ctx context.Context, pol Policy) (int, error) {
	reply, err := Do[AliveReply](ctx, c.tracker, c.conn, MethodAlive, &AliveRequest{}, pol, callOptions()...)
	if err != nil {
		return 0, err
	}
	if reply.Status != AliveStatus {
		return 0, fmt.Errorf("%w: unexpected alive reply %q", domain.ErrTransport, reply.Status)
	}
	return reply.Threads, nil
}

// Execute runs task on the worker and returns its output payload.
func (c *WorkerClient) Execute(ctx context.Context, task domain.Task, pol Policy) ([]byte, error) {
	req := &TaskRequest{TaskID: task.ID, Capability: task.Capability, Payload: task.Payload}
	reply, err := Do[TaskReply](ctx, c.tracker, c.conn, MethodExecute, req, pol, callOptions()...)
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

func callOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(CodecName)}
}
