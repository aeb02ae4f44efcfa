package pool

import (
	"context"
	"fmt"
	"log/slog"

	"distributed-resize/internal/domain"
)

// Local runs tasks in-process with the capability's work function.
type Local struct {
	*slots
	work   domain.WorkFunc
	logger *slog.Logger
}

// NewLocal creates a local pool with capacity concurrent slots.
func NewLocal(capacity int, work domain.WorkFunc, logger *slog.Logger) *Local {
	return &Local{
		slots:  newSlots(capacity),
		work:   work,
		logger: logger.With("component", "local-pool"),
	}
}

func (l *Local) Kind() domain.PoolKind { return domain.PoolLocal }

func (l *Local) Address() domain.WorkerAddress { return domain.LocalAddress }

// Submit runs task on the calling goroutine. A panicking work function is
// reported as an error so the task can be reassigned.
func (l *Local) Submit(ctx context.Context, task domain.Task) (out []byte, err error) {
	if err := l.acquire(); err != nil {
		return nil, err
	}
	defer l.release()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("work function panicked", "task_id", task.ID, "panic", r)
			out, err = nil, fmt.Errorf("local work panicked: %v", r)
		}
	}()
	return l.work(ctx, task.Payload)
}
