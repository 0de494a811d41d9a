package scheduler

import (
	"rtcore/chain"
	"rtcore/pqueue"
	"rtcore/prioritybitmap"
	"rtcore/status"
)

// readyQueue is the ordered set a variant keeps its ready nodes in.
// Lower keys come first; appendFlag places a node behind equal keys, otherwise in front.
type readyQueue interface {
	insert(h Handle, key uint64, appendFlag bool)
	extract(h Handle)
	first() Handle
	len() int
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// BITMAP QUEUE: one FIFO per priority, indexed by the priority bit map
// ═══════════════════════════════════════════════════════════════════════════════════════════════

type bitmapQueue struct {
	links  *chain.Links
	lists  []chain.List
	info   []prioritybitmap.Info
	bitmap prioritybitmap.Map
	prio   []uint32
	n      int
}

func newBitmapQueue(capacity int, maxPriority uint64) *bitmapQueue {
	q := &bitmapQueue{
		links: chain.NewLinks(capacity),
		lists: make([]chain.List, maxPriority+1),
		info:  make([]prioritybitmap.Info, maxPriority+1),
		prio:  make([]uint32, capacity),
	}
	for p := range q.info {
		q.info[p] = prioritybitmap.NewInfo(uint32(p))
	}
	return q
}

func (q *bitmapQueue) insert(h Handle, key uint64, appendFlag bool) {
	if key >= uint64(len(q.lists)) {
		status.Fatal(status.SourceScheduler, "priority %d beyond ready queue", key)
	}
	l := &q.lists[key]
	if l.IsEmpty() {
		q.bitmap.Add(&q.info[key])
	}
	if appendFlag {
		l.Append(q.links, uint32(h))
	} else {
		l.Prepend(q.links, uint32(h))
	}
	q.prio[h] = uint32(key)
	q.n++
}

func (q *bitmapQueue) extract(h Handle) {
	p := q.prio[h]
	l := &q.lists[p]
	l.Extract(q.links, uint32(h))
	if l.IsEmpty() {
		q.bitmap.Remove(&q.info[p])
	}
	q.n--
}

func (q *bitmapQueue) first() Handle {
	p := q.bitmap.Highest()
	if p == prioritybitmap.None {
		return NoNode
	}
	return Handle(q.lists[p].First())
}

func (q *bitmapQueue) len() int { return q.n }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// LIST QUEUE: one chain kept in key order
// ═══════════════════════════════════════════════════════════════════════════════════════════════

type listQueue struct {
	links *chain.Links
	list  chain.List
	keys  []uint64
}

func newListQueue(capacity int) *listQueue {
	return &listQueue{links: chain.NewLinks(capacity), keys: make([]uint64, capacity)}
}

func (q *listQueue) insert(h Handle, key uint64, appendFlag bool) {
	q.keys[h] = key
	pos := q.list.First()
	for pos != chain.Nil {
		k := q.keys[pos]
		if k > key || (!appendFlag && k == key) {
			break
		}
		pos = q.links.Next(pos)
	}
	q.list.InsertBefore(q.links, pos, uint32(h))
}

func (q *listQueue) extract(h Handle) { q.list.Extract(q.links, uint32(h)) }

func (q *listQueue) first() Handle { return Handle(q.list.First()) }

// last returns the least urgent node.
func (q *listQueue) last() Handle { return Handle(q.list.Last()) }

func (q *listQueue) next(h Handle) Handle { return Handle(q.links.Next(uint32(h))) }

func (q *listQueue) len() int { return q.list.Len() }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// HEAP QUEUE: deadline-ordered indexed heap
// ═══════════════════════════════════════════════════════════════════════════════════════════════

type heapQueue struct {
	q *pqueue.Queue
}

func newHeapQueue(capacity int) *heapQueue {
	return &heapQueue{q: pqueue.New(capacity)}
}

func (q *heapQueue) insert(h Handle, key uint64, appendFlag bool) {
	if err := q.q.Push(pqueue.Handle(h), key, appendFlag); err != nil {
		status.Fatal(status.SourceScheduler, "heap insert of node %d: %v", h, err)
	}
}

func (q *heapQueue) extract(h Handle) {
	if err := q.q.Remove(pqueue.Handle(h)); err != nil {
		status.Fatal(status.SourceScheduler, "heap extract of node %d: %v", h, err)
	}
}

func (q *heapQueue) first() Handle {
	h, _ := q.q.PeepMin()
	if h == pqueue.Nil {
		return NoNode
	}
	return Handle(h)
}

func (q *heapQueue) len() int { return q.q.Size() }
