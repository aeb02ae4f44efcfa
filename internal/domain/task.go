package domain

import (
	"context"
	"time"
)

// Task is one interruptible unit of work. Tasks are identical in shape; the
// payload is opaque to the dispatch core.
type Task struct {
	ID         string `json:"id"`
	Capability string `json:"capability"`
	Payload    []byte `json:"payload"`
}

// WorkFunc executes a capability in-process.
type WorkFunc func(ctx context.Context, payload []byte) ([]byte, error)

// PoolKind tags a pool as local or remote.
type PoolKind int

const (
	PoolLocal PoolKind = iota
	PoolRemote
)

func (k PoolKind) String() string {
	if k == PoolLocal {
		return "local"
	}
	return "remote"
}

// Result is the outcome of a dispatched task.
type Result struct {
	TaskID   string        `json:"task_id"`
	Output   []byte        `json:"-"`
	Kind     PoolKind      `json:"kind"`
	Address  WorkerAddress `json:"address"`
	Retries  int           `json:"retries"`
	Duration time.Duration `json:"duration"`
}
