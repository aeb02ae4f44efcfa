package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"distributed-resize/internal/domain"
	"distributed-resize/internal/rpc"
	"distributed-resize/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu      sync.Mutex
	down    map[domain.WorkerAddress]bool
	threads map[domain.WorkerAddress]int
	calls   map[domain.WorkerAddress]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		down:    make(map[domain.WorkerAddress]bool),
		threads: make(map[domain.WorkerAddress]int),
		calls:   make(map[domain.WorkerAddress]int),
	}
}

func (p *fakeProber) Probe(_ context.Context, addr domain.WorkerAddress) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[addr]++
	if p.down[addr] {
		return 0, errors.New("connection refused")
	}
	return p.threads[addr], nil
}

func (p *fakeProber) setDown(addr domain.WorkerAddress, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[addr] = down
}

func (p *fakeProber) setThreads(addr domain.WorkerAddress, threads int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads[addr] = threads
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(host string, threads int) domain.WorkerRecord {
	return domain.WorkerRecord{
		Address:      domain.WorkerAddress{Host: host, Port: 4000},
		Threads:      threads,
		Capabilities: []domain.CapabilityPort{{Capability: "resize", Port: 4000}},
		Platform:     "linux",
		Arch:         "amd64",
		CPUs:         8,
	}
}

func TestRegistry_RegisterAndQuery(t *testing.T) {
	reg := New(newFakeProber(), testLogger())
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, record("10.0.0.1", 4)))

	endpoints, err := reg.GetMethodConfig(ctx, "resize")
	require.NoError(t, err)
	assert.Equal(t, []domain.MethodEndpoint{{Host: "10.0.0.1", Port: 4000, Threads: 4}}, endpoints)
}

func TestRegistry_RejectsMalformedRecords(t *testing.T) {
	prober := newFakeProber()
	reg := New(prober, testLogger())
	ctx := context.Background()

	noHost := record("", 2)
	assert.ErrorIs(t, reg.Register(ctx, noHost), domain.ErrMissingAddress)

	noThreads := record("10.0.0.1", 0)
	assert.ErrorIs(t, reg.Register(ctx, noThreads), domain.ErrInvalidRecord)

	noCapabilities := record("10.0.0.1", 2)
	noCapabilities.Capabilities = nil
	assert.ErrorIs(t, reg.Register(ctx, noCapabilities), domain.ErrInvalidRecord)

	assert.Empty(t, reg.Workers())
	assert.Empty(t, prober.calls, "malformed records must fail before probing")
}

func TestRegistry_ProbeFailureRejectsWithoutState(t *testing.T) {
	prober := newFakeProber()
	rec := record("10.0.0.9", 2)
	prober.setDown(rec.Address, true)
	reg := New(prober, testLogger())

	err := reg.Register(context.Background(), rec)
	assert.ErrorIs(t, err, domain.ErrRegistrationRejected)
	assert.Empty(t, reg.Workers())

	_, err = reg.GetMethodConfig(context.Background(), "resize")
	assert.ErrorIs(t, err, domain.ErrCapabilityNotFound)
}

func TestRegistry_QueryErrors(t *testing.T) {
	reg := New(newFakeProber(), testLogger())

	_, err := reg.GetMethodConfig(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrEmptyCapability)

	_, err = reg.GetMethodConfig(context.Background(), "blur")
	assert.ErrorIs(t, err, domain.ErrCapabilityNotFound)
}

func TestRegistry_LivenessFiltering(t *testing.T) {
	prober := newFakeProber()
	reg := New(prober, testLogger())
	ctx := context.Background()

	a, b, c := record("10.0.0.1", 2), record("10.0.0.2", 3), record("10.0.0.3", 5)
	for _, rec := range []domain.WorkerRecord{a, b, c} {
		require.NoError(t, reg.Register(ctx, rec))
	}

	prober.setDown(b.Address, true)
	reg.ProbeAll(ctx)

	endpoints, err := reg.GetMethodConfig(ctx, "resize")
	require.NoError(t, err)
	assert.Equal(t, []domain.MethodEndpoint{
		{Host: "10.0.0.1", Port: 4000, Threads: 2},
		{Host: "10.0.0.3", Port: 4000, Threads: 5},
	}, endpoints)

	statuses := reg.Workers()
	require.Len(t, statuses, 3)
	assert.False(t, statuses[1].Alive, "record is kept, only marked dead")
}

func TestRegistry_DeadWorkerRecovers(t *testing.T) {
	prober := newFakeProber()
	reg := New(prober, testLogger())
	ctx := context.Background()

	rec := record("10.0.0.1", 2)
	require.NoError(t, reg.Register(ctx, rec))
	registeredAt := reg.Workers()[0].RegisteredAt

	prober.setDown(rec.Address, true)
	reg.ProbeAll(ctx)
	endpoints, err := reg.GetMethodConfig(ctx, "resize")
	require.NoError(t, err)
	assert.Empty(t, endpoints)

	// Dead workers are still probed and come back on their own.
	prober.setDown(rec.Address, false)
	reg.ProbeAll(ctx)
	endpoints, err = reg.GetMethodConfig(ctx, "resize")
	require.NoError(t, err)
	assert.Len(t, endpoints, 1)

	// Re-registration reuses the record and refreshes capacity.
	rec.Threads = 6
	require.NoError(t, reg.Register(ctx, rec))
	statuses := reg.Workers()
	require.Len(t, statuses, 1)
	assert.Equal(t, 6, statuses[0].Record.Threads)
	assert.Equal(t, registeredAt, statuses[0].RegisteredAt)
}

func TestRegistry_HeartbeatRefreshesThreads(t *testing.T) {
	prober := newFakeProber()
	reg := New(prober, testLogger())
	ctx := context.Background()

	rec := record("10.0.0.1", 2)
	require.NoError(t, reg.Register(ctx, rec))

	prober.setThreads(rec.Address, 7)
	reg.ProbeAll(ctx)

	endpoints, err := reg.GetMethodConfig(ctx, "resize")
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, 7, endpoints[0].Threads)
}

func TestRegistry_CapabilityRemovedOnReregistration(t *testing.T) {
	reg := New(newFakeProber(), testLogger())
	ctx := context.Background()

	rec := record("10.0.0.1", 2)
	rec.Capabilities = append(rec.Capabilities, domain.CapabilityPort{Capability: "thumbnail", Port: 4001})
	require.NoError(t, reg.Register(ctx, rec))

	rec.Capabilities = rec.Capabilities[:1]
	require.NoError(t, reg.Register(ctx, rec))

	endpoints, err := reg.GetMethodConfig(ctx, "thumbnail")
	require.NoError(t, err)
	assert.Empty(t, endpoints)
}

func TestRegistry_ConcurrentQueriesDuringSweeps(t *testing.T) {
	prober := newFakeProber()
	reg := New(prober, testLogger())
	ctx := context.Background()

	a, b := record("10.0.0.1", 2), record("10.0.0.2", 3)
	require.NoError(t, reg.Register(ctx, a))
	require.NoError(t, reg.Register(ctx, b))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				endpoints, err := reg.GetMethodConfig(ctx, "resize")
				if assert.NoError(t, err) {
					for _, ep := range endpoints {
						assert.Positive(t, ep.Threads)
					}
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		prober.setDown(b.Address, i%2 == 0)
		reg.ProbeAll(ctx)
	}
	close(stop)
	wg.Wait()
}

func TestServer_OverGRPC(t *testing.T) {
	prober := newFakeProber()
	reg := New(prober, testLogger())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := rpc.NewServer()
	rpc.RegisterRegistryServer(srv, NewServer(reg))
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := rpc.Dial(lis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	client := rpc.NewRegistryClient(conn, rpc.NewTracker(testLogger()))
	pol := rpc.Policy{Timeout: 2 * time.Second, MaxRetry: 3, Backoff: 10 * time.Millisecond}
	ctx := context.Background()

	require.NoError(t, client.Register(ctx, record("10.0.0.1", 3), pol))

	endpoints, err := client.GetMethodConfig(ctx, "resize", pol)
	require.NoError(t, err)
	assert.Equal(t, []domain.MethodEndpoint{{Host: "10.0.0.1", Port: 4000, Threads: 3}}, endpoints)

	_, err = client.GetMethodConfig(ctx, "blur", pol)
	assert.ErrorIs(t, err, domain.ErrCapabilityNotFound)

	assert.ErrorIs(t, client.Register(ctx, record("", 1), pol), domain.ErrMissingAddress)

	down := record("10.0.0.2", 1)
	prober.setDown(down.Address, true)
	assert.ErrorIs(t, client.Register(ctx, down, pol), domain.ErrRegistrationRejected)
}

func TestRegistry_ScheduleRunsHeartbeat(t *testing.T) {
	prober := newFakeProber()
	reg := New(prober, testLogger())
	rec := record("10.0.0.1", 2)
	require.NoError(t, reg.Register(context.Background(), rec))

	p := scheduler.NewPeriodic(testLogger())
	require.NoError(t, reg.Schedule(p, time.Second))

	prober.setDown(rec.Address, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Start(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		return !reg.Workers()[0].Alive
	}, 3*time.Second, 20*time.Millisecond)
}

// gatedProber holds the first probe after arm until release is closed and
// then fails it. Every other probe goes to the inner fake.
type gatedProber struct {
	inner   *fakeProber
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (p *gatedProber) Probe(ctx context.Context, addr domain.WorkerAddress) (int, error) {
	if p.armed.CompareAndSwap(true, false) {
		close(p.entered)
		<-p.release
		return 0, errors.New("connection reset")
	}
	return p.inner.Probe(ctx, addr)
}

func TestRegistry_SweepResultOlderThanRegistrationIsDiscarded(t *testing.T) {
	prober := &gatedProber{
		inner:   newFakeProber(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	reg := New(prober, testLogger())
	ctx := context.Background()

	rec := record("10.0.0.1", 2)
	require.NoError(t, reg.Register(ctx, rec))

	prober.armed.Store(true)
	done := make(chan struct{})
	go func() {
		reg.ProbeAll(ctx)
		close(done)
	}()
	<-prober.entered

	// The worker restarts and registers again while the sweep's probe is
	// still outstanding.
	require.NoError(t, reg.Register(ctx, rec))
	endpoints, err := reg.GetMethodConfig(ctx, "resize")
	require.NoError(t, err)
	require.Len(t, endpoints, 1)

	close(prober.release)
	<-done

	endpoints, err = reg.GetMethodConfig(ctx, "resize")
	require.NoError(t, err)
	assert.Len(t, endpoints, 1)
	assert.True(t, reg.Workers()[0].Alive)

	// The next sweep is judged normally.
	prober.inner.setDown(rec.Address, true)
	reg.ProbeAll(ctx)
	assert.False(t, reg.Workers()[0].Alive)
}
