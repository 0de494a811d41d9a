package thread

import (
	"sync/atomic"

	"rtcore/chain"
)

// Table resolves thread slots and owns the link words every thread queue threads through.
// Its size is fixed; a thread sits on at most one queue, so queues never share a link word.
type Table struct {
	threads []atomic.Pointer[Thread]
	links   *chain.Links
}

// NewTable creates a table for n threads.
func NewTable(n int) *Table {
	return &Table{threads: make([]atomic.Pointer[Thread], n), links: chain.NewLinks(n)}
}

// Len returns the number of slots.
func (tb *Table) Len() int { return len(tb.threads) }

// Links returns the shared thread queue link table.
func (tb *Table) Links() *chain.Links { return tb.links }

// Set publishes t at its slot; nil clears it.
func (tb *Table) Set(slot uint32, t *Thread) bool {
	if int(slot) >= len(tb.threads) {
		return false
	}
	tb.threads[slot].Store(t)
	return true
}

// Get returns the thread at slot, nil if none.
func (tb *Table) Get(slot uint32) *Thread {
	if int(slot) >= len(tb.threads) {
		return nil
	}
	return tb.threads[slot].Load()
}
