package registry

import (
	"context"

	"distributed-resize/internal/domain"
	"distributed-resize/internal/rpc"
)

// RPCProber probes workers with the Alive RPC.
type RPCProber struct {
	conns   *rpc.ConnCache
	tracker *rpc.Tracker
	policy  rpc.Policy
}

// NewRPCProber creates a prober that shares conns across sweeps.
func NewRPCProber(conns *rpc.ConnCache, tracker *rpc.Tracker, policy rpc.Policy) *RPCProber {
	return &RPCProber{conns: conns, tracker: tracker, policy: policy}
}

// Probe calls Alive on addr.
func (p *RPCProber) Probe(ctx context.Context, addr domain.WorkerAddress) (int, error) {
	conn, err := p.conns.Get(addr.String())
	if err != nil {
		return 0, err
	}
	return rpc.NewWorkerClient(conn, p.tracker).Alive(ctx, p.policy)
}

// Close closes the cached connections.
func (p *RPCProber) Close() error {
	return p.conns.Close()
}
