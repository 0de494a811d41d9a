// ════════════════════════════════════════════════════════════════════════════════════════════════
// Index Chains
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Arena-Backed Doubly-Linked Lists
//
// Description:
//   Intrusive lists without pointers into the owning objects. The link words of every element
//   live in a side table (Links) indexed by the element's arena index; a List only stores its
//   head, tail and length. One Links table can back many lists as long as each element sits on
//   at most one of them at a time, which is exactly the rule for free chains, ready queues and
//   wait queues.
//
// Features:
//   - O(1) append, prepend, insert-before/after and extract
//   - Zero-value List is an empty list
//   - Link storage is preallocated; Grow is only called under an allocator lock
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package chain

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPE DEFINITIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Nil is returned where no element exists.
const Nil uint32 = ^uint32(0)

// link stores neighbour indices biased by one so the zero value means "none".
type link struct {
	next, prev uint32
	on         bool
}

// Links is the side table holding the link words of every arena element.
type Links struct {
	l []link
}

// NewLinks allocates link storage for n elements.
func NewLinks(n int) *Links {
	return &Links{l: make([]link, n)}
}

// Grow extends the table to hold n elements. Existing links are preserved.
func (k *Links) Grow(n int) {
	if n <= len(k.l) {
		return
	}
	nl := make([]link, n)
	copy(nl, k.l)
	k.l = nl
}

// Len returns the number of elements the table can link.
func (k *Links) Len() int { return len(k.l) }

// IsLinked reports whether element i currently sits on some list.
//
//go:nosplit
//go:inline
func (k *Links) IsLinked(i uint32) bool { return k.l[i].on }

// Next returns the successor of i, or Nil.
//
//go:nosplit
//go:inline
func (k *Links) Next(i uint32) uint32 { return k.l[i].next - 1 }

// Prev returns the predecessor of i, or Nil.
//
//go:nosplit
//go:inline
func (k *Links) Prev(i uint32) uint32 { return k.l[i].prev - 1 }

// List is the header of one chain. The zero value is an empty list.
type List struct {
	head, tail uint32 // biased by one
	n          int
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// IsEmpty reports whether the list has no elements.
//
//go:nosplit
//go:inline
func (c *List) IsEmpty() bool { return c.head == 0 }

// Len returns the number of elements.
//
//go:nosplit
//go:inline
func (c *List) Len() int { return c.n }

// First returns the head element, or Nil.
//
//go:nosplit
//go:inline
func (c *List) First() uint32 { return c.head - 1 }

// Last returns the tail element, or Nil.
//
//go:nosplit
//go:inline
func (c *List) Last() uint32 { return c.tail - 1 }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MUTATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Append links i at the tail.
func (c *List) Append(k *Links, i uint32) {
	e := &k.l[i]
	e.next, e.prev, e.on = 0, c.tail, true
	if c.tail != 0 {
		k.l[c.tail-1].next = i + 1
	} else {
		c.head = i + 1
	}
	c.tail = i + 1
	c.n++
}

// Prepend links i at the head.
func (c *List) Prepend(k *Links, i uint32) {
	e := &k.l[i]
	e.next, e.prev, e.on = c.head, 0, true
	if c.head != 0 {
		k.l[c.head-1].prev = i + 1
	} else {
		c.tail = i + 1
	}
	c.head = i + 1
	c.n++
}

// InsertBefore links i directly in front of pos. pos == Nil appends.
func (c *List) InsertBefore(k *Links, pos, i uint32) {
	if pos == Nil {
		c.Append(k, i)
		return
	}
	p := &k.l[pos]
	if p.prev == 0 {
		c.Prepend(k, i)
		return
	}
	e := &k.l[i]
	e.next, e.prev, e.on = pos+1, p.prev, true
	k.l[p.prev-1].next = i + 1
	p.prev = i + 1
	c.n++
}

// InsertAfter links i directly behind pos. pos == Nil prepends.
func (c *List) InsertAfter(k *Links, pos, i uint32) {
	if pos == Nil {
		c.Prepend(k, i)
		return
	}
	p := &k.l[pos]
	if p.next == 0 {
		c.Append(k, i)
		return
	}
	e := &k.l[i]
	e.next, e.prev, e.on = p.next, pos+1, true
	k.l[p.next-1].prev = i + 1
	p.next = i + 1
	c.n++
}

// Extract unlinks i, which must be on this list.
func (c *List) Extract(k *Links, i uint32) {
	e := &k.l[i]
	if e.prev != 0 {
		k.l[e.prev-1].next = e.next
	} else {
		c.head = e.next
	}
	if e.next != 0 {
		k.l[e.next-1].prev = e.prev
	} else {
		c.tail = e.prev
	}
	*e = link{}
	c.n--
}

// Get unlinks and returns the head element, or Nil when empty.
func (c *List) Get(k *Links) uint32 {
	if c.head == 0 {
		return Nil
	}
	i := c.head - 1
	c.Extract(k, i)
	return i
}

// Reset forgets every element. The caller must not rely on their link words afterwards.
func (c *List) Reset() { *c = List{} }
