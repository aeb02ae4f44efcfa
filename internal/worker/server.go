// internal/worker/server.go
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"distributed-resize/internal/domain"
	"distributed-resize/internal/metrics"
	"distributed-resize/internal/rpc"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Server implements rpc.WorkerServer.
type Server struct {
	handlers map[string]domain.WorkFunc
	threads  func() int
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewServer creates a worker server. threads is called on every heartbeat
// so the registry always sees the current capacity.
func NewServer(handlers map[string]domain.WorkFunc, threads func() int, logger *slog.Logger) *Server {
	return &Server{
		handlers: handlers,
		threads:  threads,
		logger:   logger.With("component", "grpc-server"),
		tracer:   otel.Tracer("distributed-resize-worker"),
	}
}

// Alive answers the registry's heartbeat.
func (s *Server) Alive(ctx context.Context, _ *rpc.AliveRequest) (*rpc.AliveReply, error) {
	return &rpc.AliveReply{Status: rpc.AliveStatus, Threads: s.threads()}, nil
}

// Execute runs one task synchronously and returns its output.
func (s *Server) Execute(ctx context.Context, req *rpc.TaskRequest) (reply *rpc.TaskReply, err error) {
	ctx, span := s.tracer.Start(ctx, "worker.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.String("capability", req.Capability),
		attribute.Int("payload.bytes", len(req.Payload)),
	)

	logger := s.logger.With("task_id", req.TaskID, "capability", req.Capability)

	work, ok := s.handlers[req.Capability]
	if !ok {
		err := fmt.Errorf("%w: %s", domain.ErrCapabilityNotFound, req.Capability)
		span.SetStatus(codes.Error, "unknown capability")
		metrics.WorkerExecutionsTotal.WithLabelValues(req.Capability, "rejected").Inc()
		logger.Warn("rejecting task for unknown capability")
		return nil, rpc.ToStatus(err)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = rpc.ToStatus(fmt.Errorf("panic: %v", r))
			span.SetStatus(codes.Error, "task panicked")
			metrics.WorkerExecutionsTotal.WithLabelValues(req.Capability, "failed").Inc()
			logger.Error("task panicked", "panic", r)
		}
	}()

	out, execErr := work(ctx, req.Payload)
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "task failed")
		metrics.WorkerExecutionsTotal.WithLabelValues(req.Capability, "failed").Inc()
		logger.Error("task failed", "error", execErr)
		return nil, rpc.ToStatus(execErr)
	}

	metrics.WorkerExecutionsTotal.WithLabelValues(req.Capability, "success").Inc()
	span.SetStatus(codes.Ok, "task completed")
	logger.Info("task completed", "in_bytes", len(req.Payload), "out_bytes", len(out), "cost", time.Since(start))
	return &rpc.TaskReply{Payload: out}, nil
}
