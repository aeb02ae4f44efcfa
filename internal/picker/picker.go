// Package picker turns a list of integer capacities into a biased random
// index generator.
package picker

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
)

var (
	// ErrZeroTotal is returned when no weight is positive. Callers must treat an
	// empty dispatch table before reaching the picker.
	ErrZeroTotal = errors.New("picker: total weight is zero")
	// ErrNegativeWeight is returned for weights below zero.
	ErrNegativeWeight = errors.New("picker: negative weight")
)

// Picker returns index i with probability w[i]/total.
type Picker struct {
	pre   []int
	total int

	mu  sync.Mutex
	rnd *rand.Rand
}

// New builds a picker from weights using a randomly seeded source.
func New(weights []int) (*Picker, error) {
	return NewWithRand(weights, rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
}

// NewWithRand builds a picker drawing from rnd.
func NewWithRand(weights []int, rnd *rand.Rand) (*Picker, error) {
	pre := make([]int, len(weights))
	total := 0
	for i, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("%w: index %d has weight %d", ErrNegativeWeight, i, w)
		}
		total += w
		pre[i] = total
	}
	if total == 0 {
		return nil, ErrZeroTotal
	}
	return &Picker{pre: pre, total: total, rnd: rnd}, nil
}

// Pick draws x in [1, total] and returns the smallest i with pre[i] >= x.
func (p *Picker) Pick() int {
	p.mu.Lock()
	x := p.rnd.IntN(p.total) + 1
	p.mu.Unlock()
	return sort.SearchInts(p.pre, x)
}

// Len returns the number of weights.
func (p *Picker) Len() int {
	return len(p.pre)
}

// Total returns the sum of weights.
func (p *Picker) Total() int {
	return p.total
}
