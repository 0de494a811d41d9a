// ════════════════════════════════════════════════════════════════════════════════════════════════
// Thread Control
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Thread State, Priority Aggregation & Wait Record
//
// Description:
//   A Thread is an object directory entry plus everything the core needs to block, wake and
//   prioritize it. State bits decide readiness: the thread is ready exactly when no bit is set,
//   and the transitions to and from zero are the only points where the scheduler node is blocked
//   or unblocked. The current priority is the most urgent of the real priority and every
//   inherited or ceiling contribution.
//
// Locking:
//   mu guards state, wait flags and priorities. It nests inside a thread queue lock and outside
//   the scheduler instance lock.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package thread

import (
	"fmt"
	"strings"
	"sync"

	"rtcore/constants"
	"rtcore/objects"
	"rtcore/scheduler"
	"rtcore/status"
	"rtcore/watchdog"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// STATES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// State is a set of blocking reasons; Ready is the empty set.
type State uint32

const Ready State = 0

const (
	Dormant State = 1 << iota
	Suspended
	WaitingForTime
	WaitingForObject
	WaitingForMutex
	WaitingForPeriod
	Zombie
)

var stateNames = []struct {
	s    State
	name string
}{
	{Dormant, "dormant"},
	{Suspended, "suspended"},
	{WaitingForTime, "waiting-for-time"},
	{WaitingForObject, "waiting-for-object"},
	{WaitingForMutex, "waiting-for-mutex"},
	{WaitingForPeriod, "waiting-for-period"},
	{Zombie, "zombie"},
}

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	var parts []string
	for _, n := range stateNames {
		if s&n.s != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Blocking is every state bit that represents a wait on a thread queue or timer.
const Blocking = WaitingForTime | WaitingForObject | WaitingForMutex | WaitingForPeriod

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// WAIT RECORD
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Flags track one blocking operation.
type Flags uint8

const (
	// NotBlocking: no wait in progress.
	NotBlocking Flags = iota
	// IntendToBlock: enqueued but not yet blocked; a release or timeout may still win.
	IntendToBlock
	// Blocked: the scheduler node is blocked; the winner must unblock it.
	Blocked
	// ReadyAgain: a release or timeout has decided the outcome.
	ReadyAgain
)

func (f Flags) String() string {
	switch f {
	case IntendToBlock:
		return "intend-to-block"
	case Blocked:
		return "blocked"
	case ReadyAgain:
		return "ready-again"
	default:
		return "not-blocking"
	}
}

// WaitQueue is implemented by the queues a thread can wait on.
type WaitQueue interface {
	Extract(t *Thread) bool
}

// Wait describes the thread's current blocking operation. Its fields belong to the queue the
// thread waits on and are accessed under that queue's lock.
type Wait struct {
	Seq            uint64
	ReturnCode     status.Code
	Count          uint32
	ReturnArgument any
	Option         uint32
	Key            uint64
	Timeout        watchdog.Handle
	queue          WaitQueue
	flags          Flags
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// THREAD
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Class is the object class of threads.
const Class objects.Class = 1

type contribution struct {
	source   any
	priority uint64
}

// Thread is the thread control block.
type Thread struct {
	objects.Control

	mu       sync.Mutex
	state    State
	real     uint64
	current  uint64
	contribs []contribution

	sched scheduler.Scheduler
	node  scheduler.Handle

	// Wait is the record of the current blocking operation.
	Wait Wait

	// Timer is this thread's watchdog entry for delays, borrowed at creation.
	Timer watchdog.Handle

	resources int
	restarts  int
}

// New returns a dormant thread without a scheduler node.
func New() *Thread {
	return &Thread{
		state:    Dormant,
		node:     scheduler.NoNode,
		contribs: make([]contribution, 0, constants.MaximumPriorityContributions),
		Timer:    watchdog.Invalid,
		Wait:     Wait{Timeout: watchdog.Invalid},
	}
}

// Slot is the zero-based index of the thread in its directory and in thread queue links.
//
//go:inline
func (t *Thread) Slot() uint32 { return t.ID().Index() - constants.IndexMinimum }

func (t *Thread) String() string { return fmt.Sprintf("thread %v", t.ID()) }

// Bind attaches a scheduler node created for this thread.
func (t *Thread) Bind(s scheduler.Scheduler, h scheduler.Handle, real uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sched, t.node = s, h
	t.real, t.current = real, real
	t.contribs = t.contribs[:0]
}

// Migrate destroys the current node and continues on node h of s at real priority real. A
// ready thread competes in s at once. The caller makes sure the thread holds no resources and
// waits on no queue, so no contribution is carried over.
func (t *Thread) Migrate(s scheduler.Scheduler, h scheduler.Handle, real uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sched != nil {
		t.sched.NodeDestroy(t.node)
	}
	t.sched, t.node = s, h
	t.real, t.current = real, real
	t.contribs = t.contribs[:0]
	if t.state == Ready {
		s.Unblock(h)
	}
}

// Unbind detaches the node after it was destroyed.
func (t *Thread) Unbind() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sched, t.node = nil, scheduler.NoNode
}

// Scheduler returns the home scheduler instance.
func (t *Thread) Scheduler() scheduler.Scheduler { return t.sched }

// Node returns the scheduler node handle.
func (t *Thread) Node() scheduler.Handle { return t.node }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// STATE TRANSITIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// State returns the current blocking reasons.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsReady reports whether no blocking reason is set.
func (t *Thread) IsReady() bool { return t.State() == Ready }

// SetState adds blocking reasons and blocks the scheduler node when the thread was ready.
// It returns the previous state.
func (t *Thread) SetState(s State) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.state
	t.state |= s
	if prev == Ready && t.state != Ready && t.sched != nil {
		t.sched.Block(t.node)
	}
	return prev
}

// ClearState removes blocking reasons and unblocks the node when none remain.
// It returns the previous state.
func (t *Thread) ClearState(s State) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.state
	t.state &^= s
	if prev != Ready && t.state == Ready && t.sched != nil {
		t.sched.Unblock(t.node)
	}
	return prev
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// WAIT FLAGS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// WaitFlags returns the flags of the current blocking operation.
func (t *Thread) WaitFlags() Flags {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Wait.flags
}

// SetWaitFlags overwrites the flags.
func (t *Thread) SetWaitFlags(f Flags) {
	t.mu.Lock()
	t.Wait.flags = f
	t.mu.Unlock()
}

// TryWaitFlags changes the flags from expected to desired and reports success.
func (t *Thread) TryWaitFlags(expected, desired Flags) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Wait.flags != expected {
		return false
	}
	t.Wait.flags = desired
	return true
}

// WaitingOn returns the queue the thread is linked into, or nil.
func (t *Thread) WaitingOn() WaitQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Wait.queue
}

// SetWaitingOn records the queue the thread is linked into. Only queue implementations call it.
func (t *Thread) SetWaitingOn(q WaitQueue) {
	t.mu.Lock()
	t.Wait.queue = q
	t.mu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PRIORITIES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Priority returns the current (aggregated) core priority.
func (t *Thread) Priority() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// RealPriority returns the priority set by the application.
func (t *Thread) RealPriority() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.real
}

// Key returns the scheduler ordering key, which also reflects a running job's deadline.
func (t *Thread) Key() uint64 {
	t.mu.Lock()
	s, h, cur := t.sched, t.node, t.current
	t.mu.Unlock()
	if s == nil {
		return cur
	}
	return s.Key(h)
}

// SetRealPriority changes the real priority and returns the previous one.
func (t *Thread) SetRealPriority(p uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.real
	t.real = p
	t.updateLocked(false)
	return old
}

// AddContribution raises the thread to at least p for as long as source holds it.
// It reports whether the current priority changed.
func (t *Thread) AddContribution(source any, p uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.contribs {
		if t.contribs[i].source == source {
			t.contribs[i].priority = p
			return t.updateLocked(false)
		}
	}
	t.contribs = append(t.contribs, contribution{source: source, priority: p})
	return t.updateLocked(false)
}

// RemoveContribution drops what source contributed. A thread losing urgency is placed in front
// of its new priority group.
func (t *Thread) RemoveContribution(source any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.contribs {
		if t.contribs[i].source == source {
			last := len(t.contribs) - 1
			t.contribs[i] = t.contribs[last]
			t.contribs[last] = contribution{}
			t.contribs = t.contribs[:last]
			return t.updateLocked(true)
		}
	}
	return false
}

// Contribution returns what source currently contributes.
func (t *Thread) Contribution(source any) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.contribs {
		if c.source == source {
			return c.priority, true
		}
	}
	return 0, false
}

// updateLocked recomputes the current priority and pushes it to the scheduler node.
func (t *Thread) updateLocked(prepend bool) bool {
	p := t.real
	for _, c := range t.contribs {
		if c.priority < p {
			p = c.priority
		}
	}
	if p == t.current {
		return false
	}
	t.current = p
	if t.sched != nil {
		t.sched.UpdatePriority(t.node, p, prepend)
	}
	return true
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// RESOURCES & LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// AcquireResource counts a held mutex.
func (t *Thread) AcquireResource() {
	t.mu.Lock()
	t.resources++
	t.mu.Unlock()
}

// ReleaseResource uncounts a held mutex.
func (t *Thread) ReleaseResource() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resources == 0 {
		status.Fatal(status.SourceThread, "%v releases a resource it does not hold", t.ID())
	}
	t.resources--
}

// Resources returns the number of held mutexes.
func (t *Thread) Resources() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resources
}

// Reset returns the thread to the dormant state for reuse or restart. The caller has already
// removed it from any thread queue.
func (t *Thread) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Ready && t.sched != nil {
		t.sched.Block(t.node)
	}
	t.state = Dormant
	t.contribs = t.contribs[:0]
	t.current = t.real
	if t.sched != nil {
		t.sched.UpdatePriority(t.node, t.real, false)
	}
	t.resources = 0
	t.restarts++
	t.Wait = Wait{Timeout: watchdog.Invalid}
}

// Restarts returns how many times Reset ran.
func (t *Thread) Restarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}
