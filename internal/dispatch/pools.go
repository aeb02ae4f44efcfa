package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"distributed-resize/internal/domain"
	"distributed-resize/internal/pool"
	"distributed-resize/internal/rpc"
)

// RemoteFactory creates the pool for a newly seen endpoint.
type RemoteFactory func(ep domain.MethodEndpoint) (pool.Pool, error)

// PoolRegistry owns every pool the dispatcher has ever created. A pool is
// created once per address and kept warm: endpoints that disappear from the
// registry are parked as inactive and resurrected when they come back.
type PoolRegistry struct {
	mu       sync.Mutex
	local    pool.Pool
	active   map[domain.WorkerAddress]pool.Pool
	inactive map[domain.WorkerAddress]pool.Pool
	factory  RemoteFactory
	logger   *slog.Logger
}

// NewPoolRegistry creates a registry around the local pool, which may be nil
// when local execution is disabled.
func NewPoolRegistry(local pool.Pool, factory RemoteFactory, logger *slog.Logger) *PoolRegistry {
	return &PoolRegistry{
		local:    local,
		active:   make(map[domain.WorkerAddress]pool.Pool),
		inactive: make(map[domain.WorkerAddress]pool.Pool),
		factory:  factory,
		logger:   logger.With("component", "pool-registry"),
	}
}

// Sync aligns the active set with endpoints and returns the table entries:
// the local pool first, then one entry per endpoint weighted by its threads.
func (r *PoolRegistry) Sync(endpoints []domain.MethodEndpoint) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(endpoints)+1)
	if r.local != nil {
		entries = append(entries, Entry{Pool: r.local, Weight: r.local.Capacity()})
	}

	seen := make(map[domain.WorkerAddress]struct{}, len(endpoints))
	for _, ep := range endpoints {
		addr := ep.Address()
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}

		p, err := r.poolFor(ep)
		if err != nil {
			r.logger.Error("failed to create pool", "addr", addr.String(), "error", err)
			continue
		}
		entries = append(entries, Entry{Pool: p, Weight: ep.Threads})
	}

	for addr, p := range r.active {
		if _, ok := seen[addr]; ok {
			continue
		}
		delete(r.active, addr)
		r.inactive[addr] = p
		r.logger.Info("pool parked", "addr", addr.String())
	}
	return entries
}

// poolFor returns the active pool for ep, resurrecting or creating it.
// Callers hold r.mu.
func (r *PoolRegistry) poolFor(ep domain.MethodEndpoint) (pool.Pool, error) {
	addr := ep.Address()
	if p, ok := r.active[addr]; ok {
		return p, nil
	}
	if p, ok := r.inactive[addr]; ok {
		delete(r.inactive, addr)
		r.active[addr] = p
		r.logger.Info("pool resurrected", "addr", addr.String(), "threads", ep.Threads)
		return p, nil
	}
	p, err := r.factory(ep)
	if err != nil {
		return nil, err
	}
	r.active[addr] = p
	r.logger.Info("pool created", "addr", addr.String(), "threads", ep.Threads)
	return p, nil
}

// Active returns the addresses of the active remote pools.
func (r *PoolRegistry) Active() []domain.WorkerAddress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.active)
}

// Inactive returns the addresses of the parked remote pools.
func (r *PoolRegistry) Inactive() []domain.WorkerAddress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.inactive)
}

// Close closes the local, active and inactive pools.
func (r *PoolRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.local != nil {
		if err := r.local.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close local pool: %w", err))
		}
	}
	for _, m := range []map[domain.WorkerAddress]pool.Pool{r.active, r.inactive} {
		for addr, p := range m {
			if err := p.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close pool %s: %w", addr, err))
			}
			delete(m, addr)
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[domain.WorkerAddress]pool.Pool) []domain.WorkerAddress {
	out := make([]domain.WorkerAddress, 0, len(m))
	for addr := range m {
		out = append(out, addr)
	}
	slices.SortFunc(out, func(a, b domain.WorkerAddress) int {
		if a.Host != b.Host {
			if a.Host < b.Host {
				return -1
			}
			return 1
		}
		return a.Port - b.Port
	})
	return out
}

// NewRemoteFactory returns a factory that dials endpoints through conns and
// wraps them in remote pools sized by the endpoint's threads.
func NewRemoteFactory(conns *rpc.ConnCache, tracker *rpc.Tracker, opts pool.RemoteOptions, logger *slog.Logger) RemoteFactory {
	return func(ep domain.MethodEndpoint) (pool.Pool, error) {
		conn, err := conns.Get(ep.Address().String())
		if err != nil {
			return nil, err
		}
		return pool.NewRemote(ep.Address(), ep.Threads, rpc.NewWorkerClient(conn, tracker), opts, logger), nil
	}
}
