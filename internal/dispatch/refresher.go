package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"distributed-resize/internal/domain"
	"distributed-resize/internal/metrics"
	"distributed-resize/internal/rpc"
	"distributed-resize/internal/scheduler"
)

// Lookup answers capability queries. *rpc.RegistryClient satisfies it.
type Lookup interface {
	GetMethodConfig(ctx context.Context, capability string, pol rpc.Policy) ([]domain.MethodEndpoint, error)
}

// Refresher keeps the current dispatch table in sync with the registry.
// Readers load the table without locking; the refresher is the only writer.
type Refresher struct {
	lookup     Lookup
	pools      *PoolRegistry
	capability string
	policy     rpc.Policy
	table      atomic.Pointer[Table]
	logger     *slog.Logger
}

// NewRefresher publishes a table holding only the local pool until the
// first successful refresh.
func NewRefresher(lookup Lookup, pools *PoolRegistry, capability string, policy rpc.Policy, logger *slog.Logger) *Refresher {
	r := &Refresher{
		lookup:     lookup,
		pools:      pools,
		capability: capability,
		policy:     policy,
		logger:     logger.With("component", "table-refresher", "capability", capability),
	}
	r.publish(NewTable(pools.Sync(nil)))
	return r
}

// Current returns the latest published table.
func (r *Refresher) Current() *Table {
	return r.table.Load()
}

// RefreshOnce queries the registry and publishes a new table. On failure the
// previous table stays in place and the error is returned. A capability the
// registry has never seen yields a local-only table.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	endpoints, err := r.lookup.GetMethodConfig(ctx, r.capability, r.policy)
	if err != nil {
		if !errors.Is(err, domain.ErrCapabilityNotFound) {
			metrics.DispatchTableRefreshFailures.Inc()
			r.logger.Warn("table refresh failed, keeping previous table", "error", err)
			return err
		}
		endpoints = nil
	}

	r.publish(NewTable(r.pools.Sync(endpoints)))
	return nil
}

// Schedule registers the refresh loop on p.
func (r *Refresher) Schedule(p *scheduler.Periodic, interval time.Duration) error {
	return p.Every("dispatch-table-refresh", interval, func(ctx context.Context) {
		_ = r.RefreshOnce(ctx)
	})
}

func (r *Refresher) publish(t *Table) {
	old := r.table.Swap(t)

	local, remote := 0, 0
	for _, e := range t.entries {
		if e.Pool.Kind() == domain.PoolLocal {
			local++
		} else {
			remote++
		}
	}
	metrics.DispatchTableEntries.WithLabelValues(domain.PoolLocal.String()).Set(float64(local))
	metrics.DispatchTableEntries.WithLabelValues(domain.PoolRemote.String()).Set(float64(remote))

	if old == nil || !sameShape(old, t) {
		r.logger.Info("dispatch table updated", "local", local, "remote", remote, "total_weight", t.TotalWeight())
	}
}

func sameShape(a, b *Table) bool {
	if len(a.entries) != len(b.entries) {
		return false
	}
	for i := range a.entries {
		if a.entries[i].Pool.Address() != b.entries[i].Pool.Address() || a.entries[i].Weight != b.entries[i].Weight {
			return false
		}
	}
	return true
}
