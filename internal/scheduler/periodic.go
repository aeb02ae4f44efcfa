// internal/scheduler/periodic.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Periodic runs named jobs on fixed intervals. A run that is still in
// progress when the next tick arrives causes that tick to be skipped.
type Periodic struct {
	cron   *cron.Cron
	jobs   map[string]cron.EntryID
	mu     sync.Mutex
	logger *slog.Logger
	tracer trace.Tracer
}

// NewPeriodic creates a stopped scheduler.
func NewPeriodic(logger *slog.Logger) *Periodic {
	logger = logger.With("component", "periodic-scheduler")
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger}),
		cron.SkipIfStillRunning(cronLogger{logger}),
	))
	return &Periodic{
		cron:   c,
		jobs:   make(map[string]cron.EntryID),
		logger: logger,
		tracer: otel.Tracer("distributed-resize-scheduler"),
	}
}

// Every registers fn to run on interval. Intervals below one second are
// rounded up to one second by the cron schedule.
func (p *Periodic) Every(name string, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s for job %s", interval, name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if entryID, ok := p.jobs[name]; ok {
		p.cron.Remove(entryID)
	}

	job := &periodicJob{name: name, fn: fn, tracer: p.tracer}
	p.jobs[name] = p.cron.Schedule(cron.Every(interval), job)
	p.logger.Info("added periodic job", "job_name", name, "interval", interval)
	return nil
}

// Remove unregisters a job.
func (p *Periodic) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entryID, ok := p.jobs[name]; ok {
		p.cron.Remove(entryID)
		delete(p.jobs, name)
		p.logger.Info("removed periodic job", "job_name", name)
	}
}

// Start runs the jobs until ctx is done, then waits for running jobs.
func (p *Periodic) Start(ctx context.Context) error {
	p.logger.Info("periodic scheduler started")
	p.cron.Start()
	<-ctx.Done()
	p.logger.Info("periodic scheduler stopping...")
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
	p.logger.Info("periodic scheduler stopped")
	return ctx.Err()
}

type periodicJob struct {
	name   string
	fn     func(ctx context.Context)
	tracer trace.Tracer
}

// Run is called by the cron library.
func (j *periodicJob) Run() {
	ctx, span := j.tracer.Start(context.Background(), "scheduler.Run",
		trace.WithAttributes(attribute.String("job.name", j.name)))
	defer span.End()
	j.fn(ctx)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
