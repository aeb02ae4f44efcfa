package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"distributed-resize/internal/domain"
	"distributed-resize/internal/registry"
	"distributed-resize/internal/rpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func upper(_ context.Context, payload []byte) ([]byte, error) {
	out := make([]byte, len(payload))
	for i, b := range payload {
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		out[i] = b
	}
	return out, nil
}

func TestServer_Alive(t *testing.T) {
	s := NewServer(nil, func() int { return 4 }, testLogger())

	reply, err := s.Alive(context.Background(), &rpc.AliveRequest{})
	require.NoError(t, err)
	assert.Equal(t, rpc.AliveStatus, reply.Status)
	assert.Equal(t, 4, reply.Threads)
}

func TestServer_Execute(t *testing.T) {
	s := NewServer(map[string]domain.WorkFunc{
		"upper": upper,
		"fail": func(context.Context, []byte) ([]byte, error) {
			return nil, errors.New("decode failed")
		},
		"panic": func(context.Context, []byte) ([]byte, error) {
			panic("bad image")
		},
	}, func() int { return 1 }, testLogger())
	ctx := context.Background()

	reply, err := s.Execute(ctx, &rpc.TaskRequest{TaskID: "t1", Capability: "upper", Payload: []byte("abc")})
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(reply.Payload))

	_, err = s.Execute(ctx, &rpc.TaskRequest{TaskID: "t2", Capability: "blur"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = s.Execute(ctx, &rpc.TaskRequest{TaskID: "t3", Capability: "fail"})
	assert.Equal(t, codes.Internal, status.Code(err))

	_, err = s.Execute(ctx, &rpc.TaskRequest{TaskID: "t4", Capability: "panic"})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func serve(t *testing.T, register func(*grpc.Server)) (net.Listener, *grpc.Server) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := rpc.NewServer()
	register(srv)
	go func() { _ = srv.Serve(lis) }()
	return lis, srv
}

// TestWorker_RegistersWithRegistry runs a registry and a worker over real
// gRPC and follows the worker through registration, a crash and a restart.
func TestWorker_RegistersWithRegistry(t *testing.T) {
	logger := testLogger()
	tracker := rpc.NewTracker(logger)
	probePolicy := rpc.Policy{Timeout: 600 * time.Millisecond}
	reg := registry.New(registry.NewRPCProber(rpc.NewConnCache(logger), tracker, probePolicy), logger)
	defer reg.Close()

	regLis, regSrv := serve(t, func(s *grpc.Server) { rpc.RegisterRegistryServer(s, registry.NewServer(reg)) })
	defer regSrv.Stop()

	var threads atomic.Int64
	threads.Store(2)
	currentThreads := func() int { return int(threads.Load()) }
	workerLis, workerSrv := serve(t, func(s *grpc.Server) {
		rpc.RegisterWorkerServer(s, NewServer(map[string]domain.WorkFunc{"resize": upper}, currentThreads, logger))
	})
	workerAddr := workerLis.Addr().(*net.TCPAddr)

	conn, err := rpc.Dial(regLis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	registrar := NewRegistrar(rpc.NewRegistryClient(conn, tracker), rpc.Policy{Timeout: time.Second}, logger)

	record := BuildRecord(SystemInfo{Platform: "linux", CPUs: 4}, FixedPolicy(2), "127.0.0.1", workerAddr.Port, "resize")
	require.NoError(t, registrar.Register(context.Background(), record))

	endpoints, err := reg.GetMethodConfig(context.Background(), "resize")
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, workerAddr.Port, endpoints[0].Port)
	assert.Equal(t, 2, endpoints[0].Threads)

	workerSrv.Stop()
	reg.ProbeAll(context.Background())
	endpoints, err = reg.GetMethodConfig(context.Background(), "resize")
	require.NoError(t, err)
	assert.Empty(t, endpoints, "stopped worker is filtered out")

	// Restart on the same port with more capacity; the heartbeat picks it up.
	threads.Store(5)
	lis, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(workerAddr.Port)))
	require.NoError(t, err)
	restarted := rpc.NewServer()
	rpc.RegisterWorkerServer(restarted, NewServer(map[string]domain.WorkFunc{"resize": upper}, currentThreads, logger))
	go func() { _ = restarted.Serve(lis) }()
	defer restarted.Stop()

	require.Eventually(t, func() bool {
		reg.ProbeAll(context.Background())
		eps, err := reg.GetMethodConfig(context.Background(), "resize")
		return err == nil && len(eps) == 1 && eps[0].Threads == 5
	}, 5*time.Second, 100*time.Millisecond)
}

func TestRegistrar_RejectedWhenWorkerUnreachable(t *testing.T) {
	logger := testLogger()
	tracker := rpc.NewTracker(logger)
	reg := registry.New(registry.NewRPCProber(rpc.NewConnCache(logger), tracker, rpc.Policy{Timeout: 300 * time.Millisecond}), logger)
	defer reg.Close()

	regLis, regSrv := serve(t, func(s *grpc.Server) { rpc.RegisterRegistryServer(s, registry.NewServer(reg)) })
	defer regSrv.Stop()

	// Reserve a port and release it so nothing answers there.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())

	conn, err := rpc.Dial(regLis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	registrar := NewRegistrar(rpc.NewRegistryClient(conn, tracker), rpc.Policy{Timeout: 2 * time.Second}, logger)

	err = registrar.Register(context.Background(), BuildRecord(SystemInfo{}, FixedPolicy(1), "127.0.0.1", port, "resize"))
	assert.ErrorIs(t, err, domain.ErrRegistrationRejected)
	assert.Empty(t, reg.Workers())
}
