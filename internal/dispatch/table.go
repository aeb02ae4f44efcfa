// internal/dispatch/table.go
package dispatch

import (
	"distributed-resize/internal/domain"
	"distributed-resize/internal/picker"
	"distributed-resize/internal/pool"
)

// Entry is one selectable pool and its weight.
type Entry struct {
	Pool   pool.Pool
	Weight int
}

// Table is an immutable snapshot of the selectable pools. It is replaced
// wholesale on refresh and never modified after construction.
type Table struct {
	entries []Entry
	picker  *picker.Picker
}

// NewTable drops zero-weight entries and builds the picker over the rest.
// The result may be empty; an empty table has no picker.
func NewTable(entries []Entry) *Table {
	kept := make([]Entry, 0, len(entries))
	weights := make([]int, 0, len(entries))
	for _, e := range entries {
		if e.Pool == nil || e.Weight <= 0 {
			continue
		}
		kept = append(kept, e)
		weights = append(weights, e.Weight)
	}

	t := &Table{entries: kept}
	if len(kept) > 0 {
		// weights are all positive here, so construction cannot fail.
		t.picker, _ = picker.New(weights)
	}
	return t
}

// Len returns the number of usable entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Empty reports whether no pool can be selected.
func (t *Table) Empty() bool {
	return t == nil || len(t.entries) == 0
}

// Entries returns a copy of the entries in table order.
func (t *Table) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Pick draws one entry with probability proportional to its weight.
func (t *Table) Pick() Entry {
	return t.entries[t.picker.Pick()]
}

// AnyIdle reports whether some pool other than the one at skip has a free
// slot. Pass a zero address to consider every pool.
func (t *Table) AnyIdle(skip domain.WorkerAddress) bool {
	for _, e := range t.entries {
		if e.Pool.Address() == skip {
			continue
		}
		if e.Pool.Idle() {
			return true
		}
	}
	return false
}

// TotalWeight returns the sum of the entry weights.
func (t *Table) TotalWeight() int {
	if t.picker == nil {
		return 0
	}
	return t.picker.Total()
}
