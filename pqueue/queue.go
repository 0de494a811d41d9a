// ════════════════════════════════════════════════════════════════════════════════════════════════
// Indexed Priority Queue
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Deadline-Ordered Ready Set
//
// Description:
//   Fixed-capacity binary min-heap over externally managed handles. Keys are arbitrary 64-bit
//   priorities (EDF absolute deadlines do not fit a bounded bitmap), and equal keys keep a stable
//   order through a generation stamp: appended entries draw from an increasing counter,
//   prepended entries from a decreasing one, so "insert behind equals" and "insert in front of
//   equals" both stay O(log n).
//
// Features:
//   - Handle-indexed position table gives O(log n) removal and re-keying of any entry
//   - No allocation after New; capacity is the handle space
//   - PeepMax scan for small sets (SMP scheduled sets hold one entry per processor)
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package pqueue

import "errors"

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPE DEFINITIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Handle identifies an entry; it must be below the queue capacity.
type Handle uint32

// Nil is returned when no entry exists.
const Nil Handle = ^Handle(0)

const (
	absent     = ^uint32(0)
	generation = uint64(1) << 63
)

var (
	ErrHandle  = errors.New("pqueue: handle out of range")
	ErrPresent = errors.New("pqueue: handle already queued")
	ErrAbsent  = errors.New("pqueue: handle not queued")
)

type entry struct {
	key uint64
	gen uint64
	h   Handle
}

// Queue is the indexed heap.
type Queue struct {
	heap     []entry
	pos      []uint32 // handle → heap index, absent when not queued
	appendG  uint64   // increasing generation for append
	prependG uint64   // decreasing generation for prepend
}

// New creates a queue able to hold handles 0..capacity-1.
func New(capacity int) *Queue {
	q := &Queue{
		heap:     make([]entry, 0, capacity),
		pos:      make([]uint32, capacity),
		appendG:  generation,
		prependG: generation - 1,
	}
	for i := range q.pos {
		q.pos[i] = absent
	}
	return q
}

// Grow raises the handle capacity to n.
func (q *Queue) Grow(n int) {
	if n <= len(q.pos) {
		return
	}
	np := make([]uint32, n)
	copy(np, q.pos)
	for i := len(q.pos); i < n; i++ {
		np[i] = absent
	}
	q.pos = np
	nh := make([]entry, len(q.heap), n)
	copy(nh, q.heap)
	q.heap = nh
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Size returns the number of queued handles.
//
//go:inline
func (q *Queue) Size() int { return len(q.heap) }

// Empty reports whether the queue is empty.
//
//go:inline
func (q *Queue) Empty() bool { return len(q.heap) == 0 }

// Contains reports whether h is queued.
func (q *Queue) Contains(h Handle) bool {
	return int(h) < len(q.pos) && q.pos[h] != absent
}

// Key returns the key of a queued handle.
func (q *Queue) Key(h Handle) (uint64, bool) {
	if !q.Contains(h) {
		return 0, false
	}
	return q.heap[q.pos[h]].key, true
}

// PeepMin returns the entry with the smallest key (earliest among equals), or Nil.
//
//go:inline
func (q *Queue) PeepMin() (Handle, uint64) {
	if len(q.heap) == 0 {
		return Nil, 0
	}
	return q.heap[0].h, q.heap[0].key
}

// PeepMax returns the entry with the largest key (latest among equals) by scanning the leaves.
// Intended for small queues.
func (q *Queue) PeepMax() (Handle, uint64) {
	n := len(q.heap)
	if n == 0 {
		return Nil, 0
	}
	best := n / 2
	for i := best + 1; i < n; i++ {
		if less(&q.heap[best], &q.heap[i]) {
			best = i
		}
	}
	return q.heap[best].h, q.heap[best].key
}

// Less reports whether a would be served before b. Both must be queued.
func (q *Queue) Less(a, b Handle) bool {
	return less(&q.heap[q.pos[a]], &q.heap[q.pos[b]])
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MUTATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Push inserts h with key. With appendFlag it queues behind existing equal keys, otherwise in
// front of them.
func (q *Queue) Push(h Handle, key uint64, appendFlag bool) error {
	if int(h) >= len(q.pos) {
		return ErrHandle
	}
	if q.pos[h] != absent {
		return ErrPresent
	}
	e := entry{key: key, h: h}
	if appendFlag {
		e.gen = q.appendG
		q.appendG++
	} else {
		e.gen = q.prependG
		q.prependG--
	}
	i := uint32(len(q.heap))
	q.heap = append(q.heap, e)
	q.pos[h] = i
	q.up(i)
	return nil
}

// PopMin removes and returns the minimum entry, or Nil.
func (q *Queue) PopMin() (Handle, uint64) {
	if len(q.heap) == 0 {
		return Nil, 0
	}
	top := q.heap[0]
	q.removeAt(0)
	return top.h, top.key
}

// Remove unlinks h.
func (q *Queue) Remove(h Handle) error {
	if !q.Contains(h) {
		return ErrAbsent
	}
	q.removeAt(q.pos[h])
	return nil
}

// MoveKey re-keys a queued handle, placing it behind (appendFlag) or in front of equal keys.
func (q *Queue) MoveKey(h Handle, key uint64, appendFlag bool) error {
	if err := q.Remove(h); err != nil {
		return err
	}
	return q.Push(h, key, appendFlag)
}

func (q *Queue) removeAt(i uint32) {
	last := uint32(len(q.heap) - 1)
	h := q.heap[i].h
	if i != last {
		q.swap(i, last)
	}
	q.heap = q.heap[:last]
	q.pos[h] = absent
	if i < last {
		q.down(i)
		q.up(i)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// HEAP MAINTENANCE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

//go:nosplit
//go:inline
func less(a, b *entry) bool {
	return a.key < b.key || (a.key == b.key && a.gen < b.gen)
}

func (q *Queue) swap(i, j uint32) {
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
	q.pos[q.heap[i].h] = i
	q.pos[q.heap[j].h] = j
}

func (q *Queue) up(i uint32) {
	for i > 0 {
		p := (i - 1) / 2
		if !less(&q.heap[i], &q.heap[p]) {
			return
		}
		q.swap(i, p)
		i = p
	}
}

func (q *Queue) down(i uint32) {
	n := uint32(len(q.heap))
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		m := l
		if r := l + 1; r < n && less(&q.heap[r], &q.heap[l]) {
			m = r
		}
		if !less(&q.heap[m], &q.heap[i]) {
			return
		}
		q.swap(i, m)
		i = m
	}
}
