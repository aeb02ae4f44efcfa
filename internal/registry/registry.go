// internal/registry/registry.go
package registry

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"distributed-resize/internal/domain"
	"distributed-resize/internal/metrics"
	"distributed-resize/internal/scheduler"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Prober checks whether a worker answers and returns its current capacity.
type Prober interface {
	Probe(ctx context.Context, addr domain.WorkerAddress) (threads int, err error)
}

// workerState is replaced wholesale on every change so readers holding a
// copy never observe a partially updated record.
type workerState struct {
	record       domain.WorkerRecord
	alive        bool
	registeredAt time.Time
	lastProbeAt  time.Time
	// generation changes on every Register; sweep results carrying an
	// older generation are discarded.
	generation uint64
}

type endpointKey struct {
	worker domain.WorkerAddress
	port   int
}

// Registry maps capability names to live workers. Records are never
// deleted; a worker that stops answering is only marked dead.
type Registry struct {
	mu      sync.RWMutex
	workers map[domain.WorkerAddress]workerState
	index   map[string]map[endpointKey]struct{}

	prober   Prober
	validate *validator.Validate
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates an empty registry that probes workers through prober.
func New(prober Prober, logger *slog.Logger) *Registry {
	return &Registry{
		workers:  make(map[domain.WorkerAddress]workerState),
		index:    make(map[string]map[endpointKey]struct{}),
		prober:   prober,
		validate: validator.New(),
		logger:   logger.With("component", "registry"),
		tracer:   otel.Tracer("distributed-resize-registry"),
		now:      time.Now,
	}
}

// Register probes the advertised address once and, only if it answers,
// inserts or refreshes the record and marks it alive.
func (r *Registry) Register(ctx context.Context, record domain.WorkerRecord) error {
	ctx, span := r.tracer.Start(ctx, "registry.Register")
	defer span.End()

	if record.Address.Host == "" || record.Address.Port <= 0 {
		span.SetStatus(codes.Error, "missing address")
		return domain.ErrMissingAddress
	}
	span.SetAttributes(attribute.String("worker.addr", record.Address.String()))

	if err := r.validate.Struct(record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid record")
		return fmt.Errorf("%w: %v", domain.ErrInvalidRecord, err)
	}

	if _, err := r.prober.Probe(ctx, record.Address); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "probe failed")
		r.logger.Warn("rejecting registration, worker did not answer alive", "addr", record.Address.String(), "error", err)
		return fmt.Errorf("%w: worker %s did not answer alive: %v", domain.ErrRegistrationRejected, record.Address, err)
	}

	now := r.now()
	r.mu.Lock()
	state, existed := r.workers[record.Address]
	if !existed {
		state.registeredAt = now
	}
	state.record = cloneRecord(record)
	state.alive = true
	state.lastProbeAt = now
	state.generation++
	r.workers[record.Address] = state

	for _, c := range record.Capabilities {
		set, ok := r.index[c.Capability]
		if !ok {
			set = make(map[endpointKey]struct{})
			r.index[c.Capability] = set
		}
		set[endpointKey{worker: record.Address, port: c.Port}] = struct{}{}
	}
	r.mu.Unlock()
	r.updateGauges()

	r.logger.Info("worker registered",
		"addr", record.Address.String(),
		"platform", record.Platform,
		"arch", record.Arch,
		"cpus", record.CPUs,
		"free_mem_gb", fmt.Sprintf("%.1f", float64(record.FreeMemory)/(1<<30)),
		"threads", record.Threads,
		"runtime", record.GoVersion,
		"reused", existed,
	)
	return nil
}

// GetMethodConfig returns every live endpoint serving capability together
// with the worker's current self-reported threads.
func (r *Registry) GetMethodConfig(ctx context.Context, capability string) ([]domain.MethodEndpoint, error) {
	_, span := r.tracer.Start(ctx, "registry.GetMethodConfig")
	defer span.End()
	span.SetAttributes(attribute.String("capability", capability))

	if capability == "" {
		return nil, domain.ErrEmptyCapability
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.index[capability]
	if !ok {
		span.SetStatus(codes.Error, "capability not found")
		return nil, fmt.Errorf("%w: %s", domain.ErrCapabilityNotFound, capability)
	}

	endpoints := make([]domain.MethodEndpoint, 0, len(set))
	for key := range set {
		state, ok := r.workers[key.worker]
		if !ok || !state.alive || !advertises(state.record, capability, key.port) {
			continue
		}
		endpoints = append(endpoints, domain.MethodEndpoint{
			Host:    key.worker.Host,
			Port:    key.port,
			Threads: state.record.Threads,
		})
	}
	slices.SortFunc(endpoints, func(a, b domain.MethodEndpoint) int {
		return cmp.Or(cmp.Compare(a.Host, b.Host), cmp.Compare(a.Port, b.Port))
	})
	span.SetAttributes(attribute.Int("endpoints", len(endpoints)))
	return endpoints, nil
}

// ProbeAll runs one heartbeat sweep over every known worker, dead or alive.
// Probe failures only flip the liveness flag.
func (r *Registry) ProbeAll(ctx context.Context) {
	type target struct {
		addr       domain.WorkerAddress
		generation uint64
	}

	r.mu.RLock()
	targets := make([]target, 0, len(r.workers))
	for addr, state := range r.workers {
		targets = append(targets, target{addr: addr, generation: state.generation})
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, t := range targets {
		g.Go(func() error {
			threads, err := r.prober.Probe(ctx, t.addr)
			r.recordProbe(t.addr, t.generation, threads, err)
			return nil
		})
	}
	_ = g.Wait()

	r.updateGauges()
	if len(targets) > 0 {
		r.logger.Info("heartbeat sweep", "workers", r.statusLine())
	}
}

func (r *Registry) recordProbe(addr domain.WorkerAddress, generation uint64, threads int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.workers[addr]
	if !ok {
		return
	}
	if state.generation != generation {
		r.logger.Debug("discarding probe result from before re-registration", "addr", addr.String())
		return
	}
	wasAlive := state.alive
	state.lastProbeAt = r.now()

	if err != nil {
		metrics.HeartbeatProbesTotal.WithLabelValues("failure").Inc()
		state.alive = false
		if wasAlive {
			r.logger.Warn("worker down", "addr", addr.String(), "error", err)
		}
	} else {
		metrics.HeartbeatProbesTotal.WithLabelValues("success").Inc()
		state.alive = true
		if threads >= 1 && threads != state.record.Threads {
			record := cloneRecord(state.record)
			record.Threads = threads
			state.record = record
		}
		if !wasAlive {
			r.logger.Info("worker back online", "addr", addr.String())
		}
	}
	r.workers[addr] = state
}

// Workers returns a snapshot of every known record, sorted by address.
func (r *Registry) Workers() []domain.WorkerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.WorkerStatus, 0, len(r.workers))
	for _, state := range r.workers {
		out = append(out, domain.WorkerStatus{
			Record:       cloneRecord(state.record),
			Alive:        state.alive,
			RegisteredAt: state.registeredAt,
			LastProbeAt:  state.lastProbeAt,
		})
	}
	slices.SortFunc(out, func(a, b domain.WorkerStatus) int {
		return strings.Compare(a.Record.Address.String(), b.Record.Address.String())
	})
	return out
}

// Schedule registers the heartbeat loop on p.
func (r *Registry) Schedule(p *scheduler.Periodic, interval time.Duration) error {
	return p.Every("heartbeat", interval, r.ProbeAll)
}

// Close releases the prober's connections.
func (r *Registry) Close() error {
	if c, ok := r.prober.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (r *Registry) statusLine() string {
	parts := make([]string, 0)
	for _, w := range r.Workers() {
		state := "online"
		if !w.Alive {
			state = "down"
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", w.Record.Address, state))
	}
	return strings.Join(parts, " | ")
}

func (r *Registry) updateGauges() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live := 0
	for _, state := range r.workers {
		if state.alive {
			live++
		}
	}
	metrics.RegisteredWorkers.WithLabelValues("known").Set(float64(len(r.workers)))
	metrics.RegisteredWorkers.WithLabelValues("live").Set(float64(live))
}

func advertises(record domain.WorkerRecord, capability string, port int) bool {
	for _, c := range record.Capabilities {
		if c.Capability == capability && c.Port == port {
			return true
		}
	}
	return false
}

func cloneRecord(record domain.WorkerRecord) domain.WorkerRecord {
	record.Capabilities = slices.Clone(record.Capabilities)
	return record
}
