// ════════════════════════════════════════════════════════════════════════════════════════════════
// Watchdog Timing Wheel
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Tick-Driven Timeout Source
//
// Description:
//   Hashed timing wheel of 4096 tick buckets over a preallocated arena of entries. Entries are
//   borrowed from a free chain, armed with an absolute expiry tick and a routine, and fire from
//   Tick once the clock reaches their expiry. Expiries further away than one wheel lap simply
//   stay in their bucket until the lap that matches.
//
// Features:
//   - Zero allocation: entries, bucket heads and the fired batch are sized at construction
//   - Generation-tagged handles: cancelling a handle that already fired and was reused is a no-op
//   - Two-level bucket occupancy bitmap for NextExpiry scans
//   - Routines run with the wheel lock released so they may take object locks
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package watchdog

import (
	"errors"
	"math/bits"
	"sync"

	"rtcore/constants"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONFIGURATION CONSTANTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

const (
	numBuckets       = constants.WatchdogBuckets
	groupSize        = 64
	numGroups        = numBuckets / groupSize
	bucketMask       = numBuckets - 1
	nilIdx     idx32 = ^idx32(0)
)

var _ [-int(numBuckets & (numBuckets - 1))]byte
var _ [64 - numGroups]byte

type idx32 uint32

// Entry states.
const (
	stateFree uint8 = iota
	stateIdle
	stateArmed
	stateFiring
)

var (
	ErrFull     = errors.New("watchdog: no free entries")
	ErrStale    = errors.New("watchdog: stale handle")
	ErrNotArmed = errors.New("watchdog: entry not armed")
	ErrArmed    = errors.New("watchdog: entry already armed")
)

// Routine is invoked when an entry expires. obj and arg are whatever Insert was given.
type Routine func(obj any, arg uint64)

// Handle names one borrowed entry. The upper half is a generation counter.
type Handle uint64

// Invalid is never returned by Borrow.
const Invalid Handle = ^Handle(0)

//go:nosplit
//go:inline
func (h Handle) index() idx32 { return idx32(h) }

//go:nosplit
//go:inline
func (h Handle) gen() uint32 { return uint32(h >> 32) }

type node struct {
	next, prev idx32
	expire     uint64
	gen        uint32
	state      uint8
	once       bool // created by InsertOnce: released after firing
	freeAfter  bool // returned while firing
	routine    Routine
	obj        any
	arg        uint64
}

type firing struct {
	i       idx32
	routine Routine
	obj     any
	arg     uint64
}

// Header is one timing wheel.
type Header struct {
	tickMu    sync.Mutex // serializes Tick; guards fired
	mu        sync.Mutex
	arena     []node
	freeHead  idx32
	buckets   [numBuckets]idx32
	summary   uint64
	groupBits [numGroups]uint64
	ticks     uint64
	armed     int
	fired     []firing
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// New creates a wheel with capacity preallocated entries.
func New(capacity int) *Header {
	if capacity <= 0 {
		capacity = constants.DefaultWatchdogSlots
	}
	w := &Header{
		arena: make([]node, capacity),
		fired: make([]firing, 0, capacity),
	}
	for i := capacity - 1; i > 0; i-- {
		w.arena[i-1].next = idx32(i)
	}
	w.arena[capacity-1].next = nilIdx
	w.freeHead = 0
	for i := range w.buckets {
		w.buckets[i] = nilIdx
	}
	return w
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ENTRY LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Borrow takes an idle entry from the free chain.
func (w *Header) Borrow() (Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.borrowLocked()
}

func (w *Header) borrowLocked() (Handle, error) {
	if w.freeHead == nilIdx {
		return Invalid, ErrFull
	}
	i := w.freeHead
	n := &w.arena[i]
	w.freeHead = n.next
	n.next, n.prev = nilIdx, nilIdx
	n.state = stateIdle
	n.once, n.freeAfter = false, false
	n.gen++
	return Handle(uint64(n.gen)<<32 | uint64(i)), nil
}

// Return gives an entry back. An armed entry is cancelled first.
func (w *Header) Return(h Handle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.lookup(h)
	if err != nil {
		return err
	}
	switch n.state {
	case stateArmed:
		w.unlink(h.index())
	case stateFiring:
		// Tick releases the entry once its routine returned.
		n.freeAfter = true
		return nil
	}
	w.release(h.index())
	return nil
}

func (w *Header) lookup(h Handle) (*node, error) {
	i := h.index()
	if int(i) >= len(w.arena) {
		return nil, ErrStale
	}
	n := &w.arena[i]
	if n.gen != h.gen() || n.state == stateFree {
		return nil, ErrStale
	}
	return n, nil
}

func (w *Header) release(i idx32) {
	n := &w.arena[i]
	n.state = stateFree
	n.once, n.freeAfter = false, false
	n.routine, n.obj, n.arg = nil, nil, 0
	n.prev = nilIdx
	n.next = w.freeHead
	w.freeHead = i
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ARMING & CANCELLATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Insert arms h to fire delta ticks from now. delta 0 fires on the next tick.
func (w *Header) Insert(h Handle, delta uint64, routine Routine, obj any, arg uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.lookup(h)
	if err != nil {
		return err
	}
	if n.state == stateArmed {
		return ErrArmed
	}
	if delta == 0 {
		delta = 1
	}
	n.routine, n.obj, n.arg = routine, obj, arg
	w.link(h.index(), w.ticks+delta)
	return nil
}

// InsertOnce borrows an entry and arms it in one step. The entry returns to the free chain
// after it fires or is removed with Cancel.
func (w *Header) InsertOnce(delta uint64, routine Routine, obj any, arg uint64) (Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, err := w.borrowLocked()
	if err != nil {
		return Invalid, err
	}
	if delta == 0 {
		delta = 1
	}
	n := &w.arena[h.index()]
	n.routine, n.obj, n.arg = routine, obj, arg
	n.once = true
	w.link(h.index(), w.ticks+delta)
	return h, nil
}

// Remove disarms h. It reports false when the entry is not armed (already fired, firing, or
// never inserted).
func (w *Header) Remove(h Handle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.lookup(h)
	if err != nil || n.state != stateArmed {
		return false
	}
	w.unlink(h.index())
	if n.once {
		w.release(h.index())
	} else {
		n.state = stateIdle
	}
	return true
}

// Cancel is Remove for entries created with InsertOnce.
func (w *Header) Cancel(h Handle) bool { return w.Remove(h) }

// IsArmed reports whether h is waiting to fire.
func (w *Header) IsArmed(h Handle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.lookup(h)
	return err == nil && n.state == stateArmed
}

// Expiry returns the absolute tick an armed entry fires at.
func (w *Header) Expiry(h Handle) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.lookup(h)
	if err != nil {
		return 0, err
	}
	if n.state != stateArmed {
		return 0, ErrNotArmed
	}
	return n.expire, nil
}

func (w *Header) link(i idx32, expire uint64) {
	n := &w.arena[i]
	bkt := expire & bucketMask
	n.expire = expire
	n.state = stateArmed
	n.prev = nilIdx
	n.next = w.buckets[bkt]
	if n.next != nilIdx {
		w.arena[n.next].prev = i
	}
	w.buckets[bkt] = i
	g := bkt >> 6
	w.groupBits[g] |= 1 << (bkt & 63)
	w.summary |= 1 << g
	w.armed++
}

func (w *Header) unlink(i idx32) {
	n := &w.arena[i]
	bkt := n.expire & bucketMask
	if n.prev != nilIdx {
		w.arena[n.prev].next = n.next
	} else {
		w.buckets[bkt] = n.next
	}
	if n.next != nilIdx {
		w.arena[n.next].prev = n.prev
	}
	if w.buckets[bkt] == nilIdx {
		g := bkt >> 6
		w.groupBits[g] &^= 1 << (bkt & 63)
		if w.groupBits[g] == 0 {
			w.summary &^= 1 << g
		}
	}
	n.next, n.prev = nilIdx, nilIdx
	w.armed--
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CLOCK
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Ticks returns the current tick count.
func (w *Header) Ticks() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ticks
}

// Armed returns the number of armed entries.
func (w *Header) Armed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

// Tick advances the clock by one tick and runs every routine that expires at the new time.
// It returns the number of routines run.
func (w *Header) Tick() int {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()
	w.mu.Lock()
	w.ticks++
	now := w.ticks
	bkt := now & bucketMask
	batch := w.fired[:0]
	for i := w.buckets[bkt]; i != nilIdx; {
		n := &w.arena[i]
		next := n.next
		if n.expire <= now {
			w.unlink(i)
			n.state = stateFiring
			batch = append(batch, firing{i: i, routine: n.routine, obj: n.obj, arg: n.arg})
		}
		i = next
	}
	w.fired = batch
	w.mu.Unlock()

	for k := range batch {
		f := &batch[k]
		f.routine(f.obj, f.arg)
	}

	w.mu.Lock()
	for k := range batch {
		i := batch[k].i
		n := &w.arena[i]
		if n.state != stateFiring {
			// Re-armed by its routine, or returned and reused meanwhile.
			continue
		}
		if n.once || n.freeAfter {
			w.release(i)
			continue
		}
		n.state = stateIdle
		n.routine, n.obj, n.arg = nil, nil, 0
	}
	fired := len(batch)
	for k := range batch {
		batch[k] = firing{}
	}
	w.fired = batch[:0]
	w.mu.Unlock()
	return fired
}

// NextExpiry returns the absolute tick of the earliest armed entry.
func (w *Header) NextExpiry() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.armed == 0 {
		return 0, false
	}
	now := w.ticks
	start := (now + 1) & bucketMask
	best := ^uint64(0)
	for d := uint64(0); d < numBuckets; {
		bkt := (start + d) & bucketMask
		next, ok := w.nextSetBucket(bkt)
		if !ok {
			break
		}
		dist := (next - start) & bucketMask
		if dist < d {
			break
		}
		t := now + 1 + dist
		for i := w.buckets[next]; i != nilIdx; i = w.arena[i].next {
			e := w.arena[i].expire
			if e == t {
				return t, true
			}
			if e < best {
				best = e
			}
		}
		d = dist + 1
	}
	return best, best != ^uint64(0)
}

// nextSetBucket finds the first occupied bucket at or after bkt, wrapping around once.
func (w *Header) nextSetBucket(bkt uint64) (uint64, bool) {
	g := bkt >> 6
	if m := w.groupBits[g] &^ (1<<(bkt&63) - 1); m != 0 {
		return g<<6 | uint64(bits.TrailingZeros64(m)), true
	}
	if m := w.summary &^ (1<<(g+1) - 1); g+1 < numGroups && m != 0 {
		ng := uint64(bits.TrailingZeros64(m))
		return ng<<6 | uint64(bits.TrailingZeros64(w.groupBits[ng])), true
	}
	if w.summary != 0 {
		ng := uint64(bits.TrailingZeros64(w.summary))
		return ng<<6 | uint64(bits.TrailingZeros64(w.groupBits[ng])), true
	}
	return 0, false
}
