package pool

import (
	"context"
	"log/slog"
	"time"

	"distributed-resize/internal/domain"
	"distributed-resize/internal/rpc"
)

// MinCallTimeout is the floor of the payload-scaled Execute timeout.
const MinCallTimeout = time.Second

// Executor runs a task on a remote worker. *rpc.WorkerClient satisfies it.
type Executor interface {
	Execute(ctx context.Context, task domain.Task, pol rpc.Policy) ([]byte, error)
}

// RemoteOptions bound the Execute calls of a remote pool.
type RemoteOptions struct {
	// Policy carries the retry settings; its Timeout is the ceiling of the
	// scaled timeout.
	Policy rpc.Policy
	// BytesPerSecond is the assumed transfer rate used to scale the timeout
	// to the payload size. Zero disables scaling.
	BytesPerSecond int
}

// Remote proxies tasks to one worker through the RPC envelope.
type Remote struct {
	*slots
	addr   domain.WorkerAddress
	client Executor
	opts   RemoteOptions
	logger *slog.Logger
}

// NewRemote creates a pool for the worker at addr with capacity slots.
func NewRemote(addr domain.WorkerAddress, capacity int, client Executor, opts RemoteOptions, logger *slog.Logger) *Remote {
	return &Remote{
		slots:  newSlots(capacity),
		addr:   addr,
		client: client,
		opts:   opts,
		logger: logger.With("component", "remote-pool", "addr", addr.String()),
	}
}

func (r *Remote) Kind() domain.PoolKind { return domain.PoolRemote }

func (r *Remote) Address() domain.WorkerAddress { return r.addr }

// Submit sends task to the worker. The call timeout grows with the payload.
func (r *Remote) Submit(ctx context.Context, task domain.Task) ([]byte, error) {
	if err := r.acquire(); err != nil {
		return nil, err
	}
	defer r.release()

	timeout := ScaledTimeout(len(task.Payload), r.opts.BytesPerSecond, MinCallTimeout, r.opts.Policy.Timeout)
	r.logger.Debug("sending task", "task_id", task.ID, "bytes", len(task.Payload), "timeout", timeout)
	return r.client.Execute(ctx, task, r.opts.Policy.WithTimeout(timeout))
}

// ScaledTimeout returns the time needed to move size bytes at bytesPerSecond,
// clamped to [floor, ceiling]. A non-positive rate returns ceiling.
func ScaledTimeout(size, bytesPerSecond int, floor, ceiling time.Duration) time.Duration {
	if bytesPerSecond <= 0 {
		return ceiling
	}
	d := time.Duration(float64(size) / float64(bytesPerSecond) * float64(time.Second))
	if d < floor {
		d = floor
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}
