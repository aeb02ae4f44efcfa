// internal/pool/pool.go
package pool

import (
	"context"
	"errors"
	"sync/atomic"

	"distributed-resize/internal/domain"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrBusy is returned by Submit when every slot is taken. Callers treat
	// it as a rejection, not a failure of the pool.
	ErrBusy = errors.New("pool has no free slot")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("pool is closed")
)

// Pool is a bounded executor for tasks of one capability.
type Pool interface {
	Kind() domain.PoolKind
	Address() domain.WorkerAddress
	Capacity() int
	InFlight() int
	// Idle reports whether at least one slot is free. It never blocks.
	Idle() bool
	// Submit runs task in a free slot and returns its output. It never
	// queues: a full pool returns ErrBusy immediately.
	Submit(ctx context.Context, task domain.Task) ([]byte, error)
	Close() error
}

// slots is the capacity bookkeeping shared by local and remote pools.
type slots struct {
	sem      *semaphore.Weighted
	capacity int
	inFlight atomic.Int64
	closed   atomic.Bool
}

func newSlots(capacity int) *slots {
	if capacity < 1 {
		capacity = 1
	}
	return &slots{sem: semaphore.NewWeighted(int64(capacity)), capacity: capacity}
}

func (s *slots) acquire() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.sem.TryAcquire(1) {
		return ErrBusy
	}
	s.inFlight.Add(1)
	return nil
}

func (s *slots) release() {
	s.inFlight.Add(-1)
	s.sem.Release(1)
}

func (s *slots) Capacity() int {
	return s.capacity
}

func (s *slots) InFlight() int {
	return int(s.inFlight.Load())
}

func (s *slots) Idle() bool {
	return !s.closed.Load() && s.inFlight.Load() < int64(s.capacity)
}

func (s *slots) Close() error {
	s.closed.Store(true)
	return nil
}
