// ════════════════════════════════════════════════════════════════════════════════════════════════
// Thread Queues
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Blocking, Release & Timeout Synchronization
//
// Description:
//   Every primitive that can make a thread wait owns a Queue. Waiters are linked through the
//   thread table's shared link words, so blocking never allocates. A wait resolves exactly once:
//   the release path and the timeout path both remove the thread under the queue lock, and only
//   the one that finds it still linked (with a matching wait sequence) commits a result.
//
// Blocking protocol:
//   Enqueue links the thread and marks IntendToBlock under the queue lock, arms the timeout, then
//   blocks the scheduler node and tries IntendToBlock→Blocked. A winner that observes
//   IntendToBlock only flips it to ReadyAgain and leaves the unblock to the enqueuing side; a
//   winner that observes Blocked unblocks the node itself.
//
// Priority inheritance:
//   Owners of PriorityInherit queues receive the most urgent waiter's priority as a contribution.
//   Changes propagate along owner→queue→owner chains. Chain walks and ownership changes are
//   serialized by the manager's inheritance lock, taken before any queue lock.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package threadq

import (
	"sync"
	"sync/atomic"

	"rtcore/chain"
	"rtcore/constants"
	"rtcore/status"
	"rtcore/thread"
	"rtcore/watchdog"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Discipline selects the wake order.
type Discipline uint8

const (
	FIFO Discipline = iota
	Priority
	PriorityInherit
)

func (d Discipline) String() string {
	switch d {
	case Priority:
		return "priority"
	case PriorityInherit:
		return "priority-inherit"
	default:
		return "fifo"
	}
}

// Observer is told about waits and wakes. Calls happen under the queue lock and must not block.
type Observer interface {
	Enqueued(q *Queue, t *thread.Thread)
	Woken(q *Queue, t *thread.Thread, code status.Code)
}

// Config describes one queue.
type Config struct {
	Discipline Discipline
	// State is the blocking reason set while waiting. Zero selects thread.WaitingForObject.
	State thread.State
	// TimeoutStatus is reported when a wait expires. Zero selects status.Timeout.
	TimeoutStatus status.Code
	Observer      Observer
}

// Manager holds what every queue of one kernel shares: the thread table with its link words,
// the watchdog for timeouts, the wait sequence and the inheritance lock.
type Manager struct {
	table   *thread.Table
	wd      *watchdog.Header
	seq     atomic.Uint64
	inherit sync.Mutex
}

// NewManager creates the shared queue context.
func NewManager(table *thread.Table, wd *watchdog.Header) *Manager {
	return &Manager{table: table, wd: wd}
}

// Queue is one wait list.
type Queue struct {
	m             *Manager
	disc          Discipline
	state         thread.State
	timeoutStatus status.Code
	obs           Observer
	fire          watchdog.Routine

	mu      sync.Mutex
	waiters chain.List
	owner   *thread.Thread
}

// New creates a queue.
func (m *Manager) New(cfg Config) *Queue {
	q := &Queue{
		m:             m,
		disc:          cfg.Discipline,
		state:         cfg.State,
		timeoutStatus: cfg.TimeoutStatus,
		obs:           cfg.Observer,
	}
	if q.state == thread.Ready {
		q.state = thread.WaitingForObject
	}
	if q.timeoutStatus == status.Successful {
		q.timeoutStatus = status.Timeout
	}
	q.fire = q.processTimeout
	return q
}

// Discipline returns the wake order.
func (q *Queue) Discipline() Discipline { return q.disc }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Count returns the number of waiters.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters.Len()
}

// First returns the waiter a release would wake, or nil.
func (q *Queue) First() *thread.Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.firstLocked()
}

func (q *Queue) firstLocked() *thread.Thread {
	if q.waiters.IsEmpty() {
		return nil
	}
	return q.m.table.Get(q.waiters.First())
}

// Waiters returns the waiters in wake order.
func (q *Queue) Waiters() []*thread.Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*thread.Thread, 0, q.waiters.Len())
	links := q.m.table.Links()
	for i := q.waiters.First(); i != chain.Nil; i = links.Next(i) {
		out = append(out, q.m.table.Get(i))
	}
	return out
}

// Owner returns the thread whose priority this queue raises, or nil.
func (q *Queue) Owner() *thread.Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.owner
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// LINKING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// insertLocked links t by discipline. Priority order is stable: t goes behind every waiter with
// an equal or more urgent key.
func (q *Queue) insertLocked(t *thread.Thread) {
	links := q.m.table.Links()
	slot := t.Slot()
	if q.disc == FIFO {
		q.waiters.Append(links, slot)
		return
	}
	key := t.Wait.Key
	pos := q.waiters.Last()
	for pos != chain.Nil && q.m.table.Get(pos).Wait.Key > key {
		pos = links.Prev(pos)
	}
	q.waiters.InsertAfter(links, pos, slot)
}

func (q *Queue) linkedLocked(t *thread.Thread) bool {
	return t.WaitingOn() == q
}

func (q *Queue) unlinkLocked(t *thread.Thread) {
	q.waiters.Extract(q.m.table.Links(), t.Slot())
	t.SetWaitingOn(nil)
}

// wakeLocked commits the outcome of a wait whose thread was just unlinked.
func (q *Queue) wakeLocked(t *thread.Thread, code status.Code) {
	w := &t.Wait
	w.ReturnCode = code
	if w.Timeout != watchdog.Invalid {
		q.m.wd.Cancel(w.Timeout)
		w.Timeout = watchdog.Invalid
	}
	if q.obs != nil {
		q.obs.Woken(q, t, code)
	}
	if t.TryWaitFlags(thread.IntendToBlock, thread.ReadyAgain) {
		return
	}
	t.SetWaitFlags(thread.ReadyAgain)
	t.ClearState(q.state)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ENQUEUE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Enqueue blocks t on the queue. A finite timeout (in ticks) resumes it with the queue's timeout
// status. The outcome is read from t.Wait.ReturnCode once the thread is ready again.
//
// Errors: status.Deadlock when t would wait on a chain of owners leading back to itself, and
// status.TooMany when no watchdog entry is free for the timeout. Neither leaves t linked.
func (q *Queue) Enqueue(t *thread.Thread, timeout uint64) error {
	if q.disc == PriorityInherit {
		q.m.inherit.Lock()
		defer q.m.inherit.Unlock()
		if q.deadlocks(t) {
			return status.Deadlock
		}
	}
	if err := q.link(t, timeout); err != nil {
		return err
	}
	if q.disc == PriorityInherit {
		q.propagate()
	}

	t.SetState(q.state)
	if !t.TryWaitFlags(thread.IntendToBlock, thread.Blocked) {
		// Released or timed out before the node was blocked.
		t.ClearState(q.state)
	}
	return nil
}

func (q *Queue) link(t *thread.Thread, timeout uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.WaitingOn() != nil {
		status.Fatal(status.SourceThreadQueue, "%v enqueued while already waiting", t.ID())
	}
	w := &t.Wait
	w.Seq = q.m.seq.Add(1)
	w.ReturnCode = status.Successful
	w.ReturnArgument = nil
	w.Key = t.Key()
	w.Timeout = watchdog.Invalid
	if timeout != constants.NoTimeout {
		h, err := q.m.wd.InsertOnce(timeout, q.fire, t, w.Seq)
		if err != nil {
			return status.TooMany
		}
		w.Timeout = h
	}
	t.SetWaitingOn(q)
	q.insertLocked(t)
	t.SetWaitFlags(thread.IntendToBlock)
	if q.obs != nil {
		q.obs.Enqueued(q, t)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// RELEASE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Surrender wakes the first waiter with status success and arg as its return argument.
// It returns the woken thread, or nil when the queue was empty.
func (q *Queue) Surrender(arg any) *thread.Thread {
	if q.disc == PriorityInherit {
		q.m.inherit.Lock()
		defer q.m.inherit.Unlock()
	}
	q.mu.Lock()
	t := q.firstLocked()
	if t != nil {
		q.unlinkLocked(t)
		t.Wait.ReturnArgument = arg
		q.wakeLocked(t, status.Successful)
	}
	q.mu.Unlock()
	if t != nil && q.disc == PriorityInherit {
		q.propagate()
	}
	return t
}

// Transfer wakes the first waiter and makes it the new owner. The previous owner loses what the
// queue contributed to its priority; the new owner gains the remaining waiters' urgency.
func (q *Queue) Transfer(arg any) *thread.Thread {
	q.m.inherit.Lock()
	defer q.m.inherit.Unlock()
	q.mu.Lock()
	old := q.owner
	t := q.firstLocked()
	if t != nil {
		q.unlinkLocked(t)
		t.Wait.ReturnArgument = arg
		q.wakeLocked(t, status.Successful)
	}
	q.owner = t
	q.mu.Unlock()

	if old != nil && old != t && old.RemoveContribution(q) {
		follow(old)
	}
	q.propagate()
	return t
}

// SetOwner names the thread whose priority the waiters raise. Only PriorityInherit queues track
// owners.
func (q *Queue) SetOwner(t *thread.Thread) {
	if q.disc != PriorityInherit {
		return
	}
	q.m.inherit.Lock()
	defer q.m.inherit.Unlock()
	q.mu.Lock()
	old := q.owner
	q.owner = t
	q.mu.Unlock()
	if old != nil && old != t && old.RemoveContribution(q) {
		follow(old)
	}
	q.propagate()
}

// Extract removes t wherever it is queued and wakes it with the return code already in its wait
// record. It reports false when t is not waiting here, for example because a timeout won.
func (q *Queue) Extract(t *thread.Thread) bool {
	return q.extract(t, nil)
}

// ExtractWith is Extract with an explicit return code.
func (q *Queue) ExtractWith(t *thread.Thread, code status.Code) bool {
	return q.extract(t, &code)
}

func (q *Queue) extract(t *thread.Thread, code *status.Code) bool {
	if q.disc == PriorityInherit {
		q.m.inherit.Lock()
		defer q.m.inherit.Unlock()
	}
	q.mu.Lock()
	if !q.linkedLocked(t) {
		q.mu.Unlock()
		return false
	}
	q.unlinkLocked(t)
	c := t.Wait.ReturnCode
	if code != nil {
		c = *code
	}
	q.wakeLocked(t, c)
	q.mu.Unlock()
	if q.disc == PriorityInherit {
		q.propagate()
	}
	return true
}

// Flush wakes every waiter with code and returns how many were woken.
func (q *Queue) Flush(code status.Code) int {
	if q.disc == PriorityInherit {
		q.m.inherit.Lock()
		defer q.m.inherit.Unlock()
	}
	q.mu.Lock()
	n := 0
	for t := q.firstLocked(); t != nil; t = q.firstLocked() {
		q.unlinkLocked(t)
		q.wakeLocked(t, code)
		n++
	}
	q.mu.Unlock()
	if n > 0 && q.disc == PriorityInherit {
		q.propagate()
	}
	return n
}

// processTimeout is the watchdog routine armed by Enqueue. It commits the timeout only if t is
// still waiting here for the same wait.
func (q *Queue) processTimeout(obj any, seq uint64) {
	t := obj.(*thread.Thread)
	if q.disc == PriorityInherit {
		q.m.inherit.Lock()
		defer q.m.inherit.Unlock()
	}
	q.mu.Lock()
	if !q.linkedLocked(t) || t.Wait.Seq != seq {
		q.mu.Unlock()
		return
	}
	q.unlinkLocked(t)
	// The entry is firing and returns to the watchdog by itself.
	t.Wait.Timeout = watchdog.Invalid
	q.wakeLocked(t, q.timeoutStatus)
	q.mu.Unlock()
	if q.disc == PriorityInherit {
		q.propagate()
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PRIORITY CHANGES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Requeue re-sorts t after its priority changed while waiting.
func (q *Queue) Requeue(t *thread.Thread) {
	if q.disc == FIFO {
		return
	}
	if q.disc == PriorityInherit {
		q.m.inherit.Lock()
		defer q.m.inherit.Unlock()
	}
	if !q.resort(t) {
		return
	}
	if q.disc == PriorityInherit {
		q.propagate()
	}
}

func (q *Queue) resort(t *thread.Thread) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.linkedLocked(t) {
		return false
	}
	q.waiters.Extract(q.m.table.Links(), t.Slot())
	t.Wait.Key = t.Key()
	q.insertLocked(t)
	return true
}

// deadlocks reports whether the owner chain starting at q leads back to t.
// The inheritance lock is held.
func (q *Queue) deadlocks(t *thread.Thread) bool {
	for next := q; next != nil; {
		next.mu.Lock()
		o := next.owner
		next.mu.Unlock()
		if o == nil {
			return false
		}
		if o == t {
			return true
		}
		nq, ok := o.WaitingOn().(*Queue)
		if !ok || nq.disc != PriorityInherit {
			return false
		}
		next = nq
	}
	return false
}

// propagate refreshes the owner's contribution from q. The owner inherits the top waiter's
// ready-queue key, so a job deadline carries over as well as a priority. The inheritance lock
// is held.
func (q *Queue) propagate() {
	q.mu.Lock()
	owner := q.owner
	top := q.firstLocked()
	var key uint64
	if top != nil {
		key = top.Wait.Key
	}
	q.mu.Unlock()
	if owner == nil {
		return
	}
	var changed bool
	if top == nil {
		changed = owner.RemoveContribution(q)
	} else {
		changed = owner.AddContribution(q, key)
	}
	if changed {
		follow(owner)
	}
}

// follow re-sorts t in the queue it waits on after its priority changed and carries the change
// on to that queue's owner. The inheritance lock is held.
func follow(t *thread.Thread) {
	next, ok := t.WaitingOn().(*Queue)
	if !ok || !next.resort(t) {
		return
	}
	if next.disc == PriorityInherit {
		next.propagate()
	}
}
