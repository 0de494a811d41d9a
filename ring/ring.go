// ════════════════════════════════════════════════════════════════════════════════════════════════
// Event Ring
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Lock-Free SPSC Transport for Recorded Events
//
// Description:
//   Single-producer/single-consumer ring of fixed 24-byte records. Each slot carries a sequence
//   stamp, so Push and Pop need one atomic load and one atomic store each and never block. The
//   kernel paths that record events serialize their pushes per processor; the recorder owns the
//   only consumer.
//
// Safety model:
//   - One producer and one consumer at a time; the ring does not check this
//   - Pop results are valid until the next Pop
//   - Push reports false when full; the caller counts the drop
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package ring

import "sync/atomic"

// Size is the payload width of one slot.
const Size = 24

// slot pairs a payload with its sequence stamp: seq == pos when free for the producer at pos,
// seq == pos+1 once published.
type slot struct {
	val [Size]byte
	seq atomic.Uint64
}

// Ring is the SPSC buffer. Producer and consumer cursors sit on separate cache lines.
type Ring struct {
	_    [64]byte
	head uint64 // consumer
	_    [56]byte
	tail uint64 // producer
	_    [56]byte

	mask uint64
	step uint64
	buf  []slot
}

// New allocates a ring of size slots. size must be a positive power of two.
func New(size int) *Ring {
	if size <= 0 || size&(size-1) != 0 {
		panic("ring: size must be >0 and a power of two")
	}
	r := &Ring{
		mask: uint64(size - 1),
		step: uint64(size),
		buf:  make([]slot, size),
	}
	for i := range r.buf {
		r.buf[i].seq.Store(uint64(i))
	}
	return r
}

// Cap returns the number of slots.
func (r *Ring) Cap() int { return len(r.buf) }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PRODUCER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Push copies val into the next slot. It returns false when the ring is full.
//
//go:nosplit
func (r *Ring) Push(val *[Size]byte) bool {
	t := r.tail
	s := &r.buf[t&r.mask]
	if s.seq.Load() != t {
		return false
	}
	s.val = *val
	s.seq.Store(t + 1)
	r.tail = t + 1
	return true
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSUMER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Pop returns the oldest payload, or nil when empty.
//
//go:nosplit
func (r *Ring) Pop() *[Size]byte {
	h := r.head
	s := &r.buf[h&r.mask]
	if s.seq.Load() != h+1 {
		return nil
	}
	val := s.val
	s.seq.Store(h + r.step)
	r.head = h + 1
	return &val
}

// PopWait spins until a payload is available.
func (r *Ring) PopWait() *[Size]byte {
	for {
		if p := r.Pop(); p != nil {
			return p
		}
		cpuRelax()
	}
}
