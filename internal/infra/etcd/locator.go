// internal/infra/etcd/locator.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// RegistryPrefix is the etcd prefix under which registries announce their
// gRPC address.
const RegistryPrefix = "/resize/registry/"

// ErrRegistryNotAnnounced is returned by Resolve when no registry key exists.
var ErrRegistryNotAnnounced = errors.New("no registry announced in etcd")

// Locator publishes and finds the registry address in etcd. The key is bound
// to a lease so it disappears when the registry stops refreshing it.
type Locator struct {
	kv     clientv3.KV
	lease  clientv3.Lease
	logger *slog.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	key     string
}

// NewLocator creates a locator. *clientv3.Client satisfies both kv and lease.
func NewLocator(kv clientv3.KV, lease clientv3.Lease, logger *slog.Logger) *Locator {
	return &Locator{
		kv:     kv,
		lease:  lease,
		logger: logger.With("component", "registry-locator"),
	}
}

// Announce stores addr under the registry prefix with a ttl-second lease and
// keeps the lease alive until Withdraw is called.
func (l *Locator) Announce(ctx context.Context, nodeID, addr string, ttl int64) error {
	key := RegistryPrefix + nodeID

	leaseResp, err := l.lease.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}

	if _, err := l.kv.Put(ctx, key, addr, clientv3.WithLease(leaseResp.ID)); err != nil {
		return fmt.Errorf("failed to put registry key: %w", err)
	}

	keepAliveCh, err := l.lease.KeepAlive(context.Background(), leaseResp.ID)
	if err != nil {
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	l.mu.Lock()
	l.leaseID, l.key = leaseResp.ID, key
	l.mu.Unlock()

	go func() {
		for ka := range keepAliveCh {
			l.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		l.logger.Warn("keep-alive channel closed, registry announcement may have expired", "key", key)
	}()

	l.logger.Info("registry announced", "key", key, "addr", addr, "ttl", ttl)
	return nil
}

// Withdraw revokes the lease, deleting the announced key.
func (l *Locator) Withdraw(ctx context.Context) error {
	l.mu.Lock()
	leaseID, key := l.leaseID, l.key
	l.leaseID, l.key = 0, ""
	l.mu.Unlock()

	if leaseID == 0 {
		return nil
	}
	l.logger.Info("withdrawing registry announcement", "key", key)
	if _, err := l.lease.Revoke(ctx, leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}

// Resolve returns the address of the most recently announced registry.
func (l *Locator) Resolve(ctx context.Context) (string, error) {
	resp, err := l.kv.Get(ctx, RegistryPrefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend),
		clientv3.WithLimit(1),
	)
	if err != nil {
		return "", fmt.Errorf("failed to get registry key: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", ErrRegistryNotAnnounced
	}
	kv := resp.Kvs[0]
	l.logger.Info("found registry", "key", string(kv.Key), "addr", string(kv.Value))
	return string(kv.Value), nil
}

// LookupRegistry connects to endpoints just long enough to resolve the
// registry address.
func LookupRegistry(ctx context.Context, endpoints []string, timeout time.Duration, logger *slog.Logger) (string, error) {
	cli, err := NewClient(endpoints, timeout)
	if err != nil {
		return "", err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return NewLocator(cli, cli, logger).Resolve(ctx)
}
