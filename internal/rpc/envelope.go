package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"distributed-resize/internal/domain"
	"distributed-resize/internal/metrics"

	"github.com/google/uuid"
	"google.golang.org/grpc"
)

// Invoker sends one unary request. *grpc.ClientConn satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// Policy bounds one logical call.
type Policy struct {
	Timeout  time.Duration
	MaxRetry int
	Backoff  time.Duration
}

// WithTimeout returns a copy of p with another timeout.
func (p Policy) WithTimeout(d time.Duration) Policy {
	p.Timeout = d
	return p
}

type outcome struct {
	reply any
	err   error
}

// PendingCall is the state of one logical call and all of its retries.
// Exactly one outcome is ever written to result.
type PendingCall struct {
	ID     string
	Method string

	retries  atomic.Int32
	timedOut atomic.Bool
	settled  atomic.Bool
	timer    *time.Timer
	result   chan outcome
}

// Retries returns how many times the request has been resent so far.
func (c *PendingCall) Retries() int {
	return int(c.retries.Load())
}

// TimedOut reports whether the timer fired before any reply.
func (c *PendingCall) TimedOut() bool {
	return c.timedOut.Load()
}

func (c *PendingCall) settle(reply any, err error) bool {
	if !c.settled.CompareAndSwap(false, true) {
		return false
	}
	c.result <- outcome{reply: reply, err: err}
	return true
}

// Tracker owns the in-flight calls of a process.
type Tracker struct {
	mu     sync.Mutex
	calls  map[string]*PendingCall
	logger *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		calls:  make(map[string]*PendingCall),
		logger: logger.With("component", "rpc-tracker"),
	}
}

// Pending returns the number of calls that have not reached an outcome.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *Tracker) begin(method string) *PendingCall {
	call := &PendingCall{
		ID:     uuid.NewString(),
		Method: method,
		result: make(chan outcome, 1),
	}
	t.mu.Lock()
	t.calls[call.ID] = call
	t.mu.Unlock()
	return call
}

func (t *Tracker) end(call *PendingCall) {
	t.mu.Lock()
	delete(t.calls, call.ID)
	t.mu.Unlock()
}

// Do performs method through inv under pol and returns at most one outcome:
// the reply, the last error once retries are exhausted, domain.ErrTimeout, or
// the context error. A reply arriving after the timeout is dropped.
func Do[Resp any](ctx context.Context, t *Tracker, inv Invoker, method string, req any, pol Policy, opts ...grpc.CallOption) (*Resp, error) {
	call := t.begin(method)
	defer t.end(call)

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	call.timer = time.AfterFunc(pol.Timeout, func() {
		call.timedOut.Store(true)
		call.settle(nil, fmt.Errorf("%w: call %s to %s after %s", domain.ErrTimeout, call.ID, method, pol.Timeout))
	})
	defer call.timer.Stop()

	go t.attempt(attemptCtx, call, inv, req, func() any { return new(Resp) }, pol, opts)

	var out outcome
	select {
	case out = <-call.result:
	case <-ctx.Done():
		call.settle(nil, ctx.Err())
		out = <-call.result
	}

	metrics.RPCCallsTotal.WithLabelValues(method, outcomeLabel(out.err)).Inc()
	if out.err != nil {
		return nil, out.err
	}
	return out.reply.(*Resp), nil
}

// attempt runs the send/retry chain of one call. Every resend reuses the
// call id so the single timer governs the whole chain.
func (t *Tracker) attempt(ctx context.Context, call *PendingCall, inv Invoker, req any, newResp func() any, pol Policy, opts []grpc.CallOption) {
	for {
		resp := newResp()
		err := inv.Invoke(ctx, call.Method, req, resp, opts...)

		if call.TimedOut() {
			if !errors.Is(err, context.Canceled) {
				metrics.RPCLateRepliesTotal.WithLabelValues(call.Method).Inc()
				t.logger.Debug("dropping reply of timed out call", "call_id", call.ID, "method", call.Method, "error", err)
			}
			return
		}

		if err == nil {
			call.timer.Stop()
			call.retries.Store(0)
			call.settle(resp, nil)
			return
		}

		if ctx.Err() != nil {
			call.settle(nil, ctx.Err())
			return
		}

		if !Retryable(err) || call.Retries() >= pol.MaxRetry {
			call.timer.Stop()
			call.retries.Store(0)
			call.settle(nil, finalError(call.Method, err))
			return
		}

		t.logger.Debug("retrying call", "call_id", call.ID, "method", call.Method, "retry", call.Retries()+1, "error", err)

		select {
		case <-time.After(pol.Backoff):
		case <-ctx.Done():
			call.settle(nil, ctx.Err())
			return
		}
		if call.TimedOut() {
			return
		}
		call.retries.Add(1)
	}
}

// finalError maps a failed attempt to the error surfaced to the caller.
func finalError(method string, err error) error {
	if mapped := FromStatus(err); mapped != err {
		return fmt.Errorf("%s: %w", method, mapped)
	}
	for _, sentinel := range permanentErrors {
		if errors.Is(err, sentinel) {
			return fmt.Errorf("%s: %w", method, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrTransport, method, err)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
