// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"distributed-resize/internal/domain"
	"distributed-resize/internal/metrics"
	"distributed-resize/internal/pool"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TableSource returns the current dispatch table. *Refresher satisfies it.
type TableSource interface {
	Current() *Table
}

// Options tune the selection loop.
type Options struct {
	// IdlePoll is how long to wait when no pool has a free slot.
	IdlePoll time.Duration
	// UnavailableTimeout is how long an empty table is tolerated before
	// the task fails with domain.ErrCapabilityNotFound.
	UnavailableTimeout time.Duration
}

// Dispatcher routes tasks to pools and reassigns them on failure until one
// pool completes them.
type Dispatcher struct {
	tables TableSource
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
}

// NewDispatcher creates a dispatcher reading tables from src.
func NewDispatcher(src TableSource, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = 50 * time.Millisecond
	}
	return &Dispatcher{
		tables: src,
		opts:   opts,
		logger: logger.With("component", "dispatcher"),
		tracer: otel.Tracer("distributed-resize-dispatcher"),
	}
}

// Dispatch runs task on exactly one pool at a time. A failed pool is
// excluded from the next selection when another pool is usable; there is no
// limit on reassignments. It returns when a pool completes the task, when
// no provider exists for UnavailableTimeout, or when ctx is done.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.Task) (domain.Result, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Dispatch", trace.WithAttributes(attribute.String("task.id", task.ID)))
	defer span.End()

	logger := d.logger.With("task_id", task.ID)
	start := time.Now()
	retries := 0
	var excluded domain.WorkerAddress
	var emptySince time.Time

	for {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "canceled")
			return domain.Result{}, err
		}

		table := d.tables.Current()
		if table.Empty() {
			if emptySince.IsZero() {
				emptySince = time.Now()
				logger.Warn("no pool available, waiting for providers")
			} else if time.Since(emptySince) >= d.opts.UnavailableTimeout {
				err := fmt.Errorf("%w: %s", domain.ErrCapabilityNotFound, task.Capability)
				span.SetStatus(codes.Error, "no provider")
				metrics.TasksDispatchedTotal.WithLabelValues("none", "unavailable").Inc()
				return domain.Result{}, err
			}
			if err := d.wait(ctx); err != nil {
				return domain.Result{}, err
			}
			continue
		}
		emptySince = time.Time{}

		// The excluded pool is only skipped while there is an alternative.
		skip := domain.WorkerAddress{}
		if table.Len() > 1 {
			skip = excluded
		}

		p := table.Pick().Pool
		if p.Address() == skip || !p.Idle() {
			if !table.AnyIdle(skip) {
				if err := d.wait(ctx); err != nil {
					return domain.Result{}, err
				}
			}
			continue
		}

		out, err := p.Submit(ctx, task)
		if errors.Is(err, pool.ErrBusy) {
			continue
		}
		if err == nil {
			elapsed := time.Since(start)
			metrics.TasksDispatchedTotal.WithLabelValues(p.Kind().String(), "success").Inc()
			metrics.TaskDuration.WithLabelValues(p.Kind().String()).Observe(elapsed.Seconds())
			logger.Info("task completed",
				"pool", p.Kind().String(),
				"addr", p.Address().String(),
				"retries", retries,
				"cost", elapsed,
				"speed_kib_s", speed(len(task.Payload), elapsed),
			)
			span.SetAttributes(attribute.String("pool.addr", p.Address().String()), attribute.Int("task.retries", retries))
			return domain.Result{
				TaskID:   task.ID,
				Output:   out,
				Kind:     p.Kind(),
				Address:  p.Address(),
				Retries:  retries,
				Duration: elapsed,
			}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, "canceled")
			return domain.Result{}, ctxErr
		}

		metrics.TasksDispatchedTotal.WithLabelValues(p.Kind().String(), "failure").Inc()
		metrics.TaskReassignmentsTotal.Inc()
		span.AddEvent("reassign", trace.WithAttributes(attribute.String("pool.addr", p.Address().String())))
		retries++
		excluded = p.Address()
		logger.Warn("task failed, reassigning",
			"from_pool", p.Kind().String(),
			"from_addr", p.Address().String(),
			"retry", retries,
			"error", err,
		)
	}
}

func (d *Dispatcher) wait(ctx context.Context) error {
	timer := time.NewTimer(d.opts.IdlePoll)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func speed(size int, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f", float64(size)/1024/elapsed.Seconds())
}
