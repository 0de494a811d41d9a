package scheduler

import (
	"sync"

	"rtcore/chain"
	"rtcore/percpu"
	"rtcore/status"
)

// base is the part shared by every variant: the node arena, the processor list and the
// per-instance lock. Exported methods lock; *Locked helpers expect mu held.
type base struct {
	mu          sync.Mutex
	name        string
	alg         Algorithm
	maxPriority uint64

	nodes    []node
	links    *chain.Links // free chain
	free     chain.List
	threads  int
	maxNodes int

	cpus    []*percpu.Processor
	maxCPUs int
	self    func() *percpu.Processor
}

func newBase(cfg Config, capacity int) *base {
	b := &base{
		name:        cfg.Name,
		alg:         cfg.Algorithm,
		maxPriority: cfg.MaximumPriority,
		nodes:       make([]node, capacity),
		links:       chain.NewLinks(capacity),
		maxNodes:    cfg.MaximumNodes,
		maxCPUs:     cfg.MaximumProcessors,
		self:        cfg.Self,
	}
	for i := range b.nodes {
		b.free.Append(b.links, uint32(i))
	}
	return b
}

func (b *base) Name() string            { return b.name }
func (b *base) Algorithm() Algorithm    { return b.alg }
func (b *base) MaximumPriority() uint64 { return b.maxPriority }

// Processors returns a copy of the owned processors.
func (b *base) Processors() []*percpu.Processor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*percpu.Processor(nil), b.cpus...)
}

// requester is the processor a heir change comes from.
func (b *base) requester() *percpu.Processor {
	if b.self == nil {
		return nil
	}
	return b.self()
}

// at returns the live node h; a dead handle is a broken invariant.
func (b *base) at(h Handle) *node {
	if int(h) >= len(b.nodes) || !b.nodes[h].inUse {
		status.Fatal(status.SourceScheduler, "%s: node %d not in use", b.name, h)
	}
	return &b.nodes[h]
}

func (b *base) allocLocked(owner uint32, priority uint64, idle bool) (Handle, error) {
	if !idle && b.threads >= b.maxNodes {
		return NoNode, status.TooMany
	}
	i := b.free.Get(b.links)
	if i == chain.Nil {
		return NoNode, status.TooMany
	}
	if !idle {
		b.threads++
	}
	b.nodes[i] = node{
		owner:       owner,
		priority:    priority,
		key:         priority,
		inUse:       true,
		idle:        idle,
		preemptible: true,
		server:      -1,
	}
	return Handle(i), nil
}

func (b *base) freeLocked(h Handle) {
	n := &b.nodes[h]
	if !n.idle {
		b.threads--
	}
	*n = node{}
	b.free.Append(b.links, uint32(h))
}

func (b *base) idleKey() uint64 { return b.MapPriority(b.maxPriority) }

// rekey recomputes the ready-queue key from priority and job deadline.
//
//go:inline
func (n *node) rekey() {
	n.key = n.priority
	if n.deadline != 0 && n.deadline < n.key {
		n.key = n.deadline
	}
}

// clampDeadline keeps deadlines inside the job range below EDFBackground.
func clampDeadline(d uint64) uint64 {
	if d == 0 {
		return 1
	}
	if d >= EDFBackground {
		return EDFBackground - 1
	}
	return d
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// NODE ACCESSORS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (b *base) Node(h Handle) NodeInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.at(h)
	cpu, affinity := -1, -1
	if n.cpu != nil {
		cpu = n.cpu.Index()
	}
	if n.affinity != nil {
		affinity = n.affinity.Index()
	}
	return NodeInfo{
		Owner:       n.owner,
		Priority:    n.priority,
		Deadline:    n.deadline,
		Key:         n.key,
		State:       n.state,
		CPU:         cpu,
		Affinity:    affinity,
		Idle:        n.idle,
		Preemptible: n.preemptible,
		Budget:      n.budget,
		BudgetLeft:  n.budgetLeft,
		Timeslice:   n.timeslice,
		Executed:    n.executed,
		Server:      n.server,
	}
}

func (b *base) Key(h Handle) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.at(h).key
}

// SetBudget selects the budget algorithm; ticks is the timeslice length.
func (b *base) SetBudget(h Handle, alg BudgetAlgorithm, ticks uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.at(h)
	n.budget = alg
	n.timeslice = ticks
	n.budgetLeft = ticks
}

// ResetBudget is called when the node's owner is dispatched.
func (b *base) ResetBudget(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := b.at(h); n.budget == BudgetResetTimeslice {
		n.budgetLeft = n.timeslice
	}
}

func (b *base) SetPreemptible(h Handle, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.at(h).preemptible = on
}

// tickLocked charges one tick to the executing node. It reports whether the timeslice ran out
// and whether a callout budget was exhausted.
func (b *base) tickLocked(h Handle) (yield, exhausted bool) {
	n := b.at(h)
	n.executed++
	if !n.preemptible || n.idle {
		return false, false
	}
	switch n.budget {
	case BudgetResetTimeslice, BudgetExhaustTimeslice:
		if n.budgetLeft > 0 {
			n.budgetLeft--
		}
		if n.budgetLeft == 0 {
			n.budgetLeft = n.timeslice
			return true, false
		}
	case BudgetCallout:
		if n.budgetLeft > 0 {
			n.budgetLeft--
			return false, n.budgetLeft == 0
		}
	}
	return false, false
}
