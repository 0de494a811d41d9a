// ════════════════════════════════════════════════════════════════════════════════════════════════
// Core Mutex
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Ownership, Nesting & Priority Protocols
//
// Description:
//   A mutex is a thread queue plus an owner. Protocol None hands ownership over in FIFO or
//   priority order, Inherit lends waiter urgency to the owner through the queue, and Ceiling
//   raises every owner to a fixed priority for as long as it holds the mutex.
//
// Locking:
//   mu is held across the enqueue of a contender so a concurrent release cannot slip in between
//   the ownership check and the wait. Order: mutex → inheritance → queue → thread → scheduler.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package mutex

import (
	"sync"

	"rtcore/objects"
	"rtcore/scheduler"
	"rtcore/status"
	"rtcore/thread"
	"rtcore/threadq"
)

// Protocol selects how owners are prioritized.
type Protocol uint8

const (
	ProtocolNone Protocol = iota
	ProtocolInherit
	ProtocolCeiling
)

func (p Protocol) String() string {
	switch p {
	case ProtocolInherit:
		return "inherit"
	case ProtocolCeiling:
		return "ceiling"
	default:
		return "none"
	}
}

// Class is the object class of mutexes.
const Class objects.Class = 2

// Config describes a mutex.
type Config struct {
	Protocol Protocol
	// Discipline applies to ProtocolNone; the other protocols always wake by priority.
	Discipline threadq.Discipline
	// Ceiling is the core priority owners run at under ProtocolCeiling.
	Ceiling   uint64
	Recursive bool
	Observer  threadq.Observer
}

// Mutex is a core mutex. The zero value must be initialized before use.
type Mutex struct {
	objects.Control

	mu       sync.Mutex
	q        *threadq.Queue
	protocol Protocol
	ceiling  uint64
	nestOK   bool
	owner    *thread.Thread
	nest     int
}

// New returns an uninitialized mutex for an object directory.
func New() *Mutex { return &Mutex{} }

// Initialize prepares the mutex on the queues of m.
func (mx *Mutex) Initialize(m *threadq.Manager, cfg Config) error {
	if cfg.Protocol > ProtocolCeiling || cfg.Discipline > threadq.Priority {
		return status.InvalidNumber
	}
	d := cfg.Discipline
	switch cfg.Protocol {
	case ProtocolInherit:
		d = threadq.PriorityInherit
	case ProtocolCeiling:
		d = threadq.Priority
	}
	mx.mu.Lock()
	defer mx.mu.Unlock()
	mx.q = m.New(threadq.Config{Discipline: d, State: thread.WaitingForMutex, Observer: cfg.Observer})
	mx.protocol, mx.ceiling, mx.nestOK = cfg.Protocol, cfg.Ceiling, cfg.Recursive
	mx.owner, mx.nest = nil, 0
	return nil
}

// Protocol returns the priority protocol.
func (mx *Mutex) Protocol() Protocol { return mx.protocol }

// Ceiling returns the ceiling priority.
func (mx *Mutex) Ceiling() uint64 { return mx.ceiling }

// Queue returns the wait queue.
func (mx *Mutex) Queue() *threadq.Queue { return mx.q }

// Owner returns the owner, or nil when unlocked.
func (mx *Mutex) Owner() *thread.Thread {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	return mx.owner
}

// Nest returns how often the owner has seized the mutex.
func (mx *Mutex) Nest() int {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	return mx.nest
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SEIZE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Seize obtains the mutex for executing. It reports true when the mutex was obtained at once.
// With wait set, false means executing now waits; the outcome arrives in executing.Wait.ReturnCode
// and ownership has already passed to it when that code is successful.
//
// Errors: status.InvalidPriority when executing is more urgent than the ceiling, free or busy,
// status.Unsatisfied when the mutex is busy and wait is false or nesting is not allowed, and the
// errors of threadq.Queue.Enqueue.
func (mx *Mutex) Seize(executing *thread.Thread, wait bool, timeout uint64) (bool, error) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	switch {
	case mx.owner == nil:
		if mx.violatesCeiling(executing) {
			return false, status.InvalidPriority
		}
		mx.acquireLocked(executing)
		return true, nil
	case mx.owner == executing:
		if !mx.nestOK {
			return false, status.Unsatisfied
		}
		mx.nest++
		return true, nil
	case !wait:
		return false, status.Unsatisfied
	case mx.violatesCeiling(executing):
		return false, status.InvalidPriority
	}
	if err := mx.q.Enqueue(executing, timeout); err != nil {
		return false, err
	}
	return false, nil
}

// violatesCeiling reports whether t is more urgent than the ceiling. Priorities inherited from a
// job deadline lie outside the ceiling's range and are not compared.
func (mx *Mutex) violatesCeiling(t *thread.Thread) bool {
	if mx.protocol != ProtocolCeiling {
		return false
	}
	p := t.Priority()
	return p < mx.ceiling && p&scheduler.EDFBackground == mx.ceiling&scheduler.EDFBackground
}

func (mx *Mutex) acquireLocked(t *thread.Thread) {
	mx.owner, mx.nest = t, 1
	t.AcquireResource()
	switch mx.protocol {
	case ProtocolInherit:
		mx.q.SetOwner(t)
	case ProtocolCeiling:
		t.AddContribution(mx, mx.ceiling)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SURRENDER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Surrender releases one level of ownership. The last level hands the mutex to the first waiter,
// which is returned.
//
// Errors: status.NotOwner when executing does not own the mutex.
func (mx *Mutex) Surrender(executing *thread.Thread) (*thread.Thread, error) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	if mx.owner != executing || executing == nil {
		return nil, status.NotOwner
	}
	if mx.nest--; mx.nest > 0 {
		return nil, nil
	}
	executing.ReleaseResource()
	var next *thread.Thread
	switch mx.protocol {
	case ProtocolInherit:
		next = mx.q.Transfer(nil)
	case ProtocolCeiling:
		executing.RemoveContribution(mx)
		next = mx.q.Surrender(nil)
	default:
		next = mx.q.Surrender(nil)
	}
	mx.owner, mx.nest = nil, 0
	if next != nil {
		mx.owner, mx.nest = next, 1
		next.AcquireResource()
		// Waiters were checked against the ceiling on enqueue. One raised above it while
		// waiting still takes ownership and keeps its own, more urgent priority.
		if mx.protocol == ProtocolCeiling {
			next.AddContribution(mx, mx.ceiling)
		}
	}
	return next, nil
}

// Flush wakes every waiter with code, as done when the mutex is deleted. It fails with
// status.ResourceInUse while the mutex is owned.
func (mx *Mutex) Flush(code status.Code) (int, error) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	if mx.owner != nil {
		return 0, status.ResourceInUse
	}
	return mx.q.Flush(code), nil
}
