package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"distributed-resize/internal/domain"
	"distributed-resize/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type invokerFunc func(ctx context.Context, method string, args, reply any) error

func (f invokerFunc) Invoke(ctx context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	return f(ctx, method, args, reply)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() Policy {
	return Policy{Timeout: time.Second, MaxRetry: 3, Backoff: time.Millisecond}
}

func TestDo_Success(t *testing.T) {
	tracker := NewTracker(testLogger())
	inv := invokerFunc(func(_ context.Context, _ string, args, reply any) error {
		reply.(*TaskReply).Payload = args.(*TaskRequest).Payload
		return nil
	})

	reply, err := Do[TaskReply](context.Background(), tracker, inv, "/test.Echo/Call", &TaskRequest{Payload: []byte("hi")}, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), reply.Payload)
	assert.Equal(t, 0, tracker.Pending())
}

func TestDo_LateReplyIsDropped(t *testing.T) {
	const method = "/test.Late/Call"
	tracker := NewTracker(testLogger())
	lateBefore := testutil.ToFloat64(metrics.RPCLateRepliesTotal.WithLabelValues(method))

	var replies atomic.Int32
	inv := invokerFunc(func(_ context.Context, _ string, _, reply any) error {
		time.Sleep(150 * time.Millisecond)
		reply.(*AliveReply).Status = AliveStatus
		replies.Add(1)
		return nil
	})

	start := time.Now()
	reply, err := Do[AliveReply](context.Background(), tracker, inv, method, &AliveRequest{}, fastPolicy().WithTimeout(30*time.Millisecond))
	assert.Nil(t, reply)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, time.Since(start), 120*time.Millisecond, "timeout must be delivered before the late reply")

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.RPCLateRepliesTotal.WithLabelValues(method)) == lateBefore+1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), replies.Load())
	assert.Equal(t, 0, tracker.Pending())
}

func TestDo_BoundedRetry(t *testing.T) {
	tracker := NewTracker(testLogger())

	var attempts atomic.Int32
	var lastErr atomic.Value
	inv := invokerFunc(func(_ context.Context, _ string, _, _ any) error {
		n := attempts.Add(1)
		err := fmt.Errorf("connection reset %d", n)
		lastErr.Store(err)
		return err
	})

	_, err := Do[TaskReply](context.Background(), tracker, inv, "/test.Flaky/Call", &TaskRequest{}, fastPolicy())
	require.Error(t, err)
	assert.Equal(t, int32(4), attempts.Load(), "one send plus MaxRetry resends")
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.ErrorIs(t, err, lastErr.Load().(error))

	// The next call starts from a fresh counter and succeeds after two failures.
	attempts.Store(0)
	inv = invokerFunc(func(_ context.Context, _ string, _, _ any) error {
		if attempts.Add(1) <= 2 {
			return errors.New("connection refused")
		}
		return nil
	})
	_, err = Do[TaskReply](context.Background(), tracker, inv, "/test.Flaky/Call", &TaskRequest{}, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 0, tracker.Pending())
}

func TestDo_PermanentErrorIsNotRetried(t *testing.T) {
	tracker := NewTracker(testLogger())

	var attempts atomic.Int32
	inv := invokerFunc(func(_ context.Context, _ string, _, _ any) error {
		attempts.Add(1)
		return status.Error(codes.NotFound, domain.ErrCapabilityNotFound.Error())
	})

	_, err := Do[MethodConfigReply](context.Background(), tracker, inv, MethodGetMethodConfig, &MethodConfigRequest{Capability: "resize"}, fastPolicy())
	assert.ErrorIs(t, err, domain.ErrCapabilityNotFound)
	assert.NotErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestDo_TimeoutStopsRetryChain(t *testing.T) {
	tracker := NewTracker(testLogger())

	var attempts atomic.Int32
	inv := invokerFunc(func(_ context.Context, _ string, _, _ any) error {
		attempts.Add(1)
		return errors.New("connection refused")
	})

	pol := Policy{Timeout: 80 * time.Millisecond, MaxRetry: 100, Backoff: 30 * time.Millisecond}
	_, err := Do[TaskReply](context.Background(), tracker, inv, "/test.Slow/Call", &TaskRequest{}, pol)
	assert.ErrorIs(t, err, domain.ErrTimeout)

	time.Sleep(100 * time.Millisecond)
	settled := attempts.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, attempts.Load(), "no resend after the timeout fired")
	assert.LessOrEqual(t, settled, int32(4))
}

func TestDo_ContextCancel(t *testing.T) {
	tracker := NewTracker(testLogger())
	inv := invokerFunc(func(ctx context.Context, _ string, _, _ any) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := Do[TaskReply](ctx, tracker, inv, "/test.Cancel/Call", &TaskRequest{}, fastPolicy())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, tracker.Pending())
}

func TestStatusMapping(t *testing.T) {
	sentinels := []error{
		domain.ErrCapabilityNotFound,
		domain.ErrRegistrationRejected,
		domain.ErrMissingAddress,
		domain.ErrEmptyCapability,
		domain.ErrInvalidRecord,
	}
	for _, sentinel := range sentinels {
		wire := ToStatus(fmt.Errorf("handler: %w", sentinel))
		_, ok := status.FromError(wire)
		require.True(t, ok)
		assert.ErrorIs(t, FromStatus(wire), sentinel)
		assert.False(t, Retryable(wire))
	}

	assert.Equal(t, codes.Internal, status.Code(ToStatus(errors.New("decode failed"))))
	assert.Nil(t, ToStatus(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(errors.New("connection reset")))
	assert.True(t, Retryable(status.Error(codes.Unavailable, "down")))
	assert.True(t, Retryable(status.Error(codes.Internal, "panic")))
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(status.Error(codes.InvalidArgument, "bad")))
	assert.False(t, Retryable(status.Error(codes.Unimplemented, "no method")))
}
