// ════════════════════════════════════════════════════════════════════════════════════════════════
// Scheduler Framework
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Scheduler Nodes & Algorithm Interface
//
// Description:
//   A scheduler instance owns a node arena, a ready structure and one or more processors. Each
//   thread that may run on the instance holds one node, referenced by Handle. The algorithm is
//   chosen once by New; afterwards every call goes straight to the variant's methods.
//
//   Keys order the ready structures: lower is more urgent. A node's key is its priority, or for
//   deadline-driven variants the earlier of its priority and its current job deadline.
//
// Variants:
//   - priority      bitmap + FIFO per priority
//   - simple        one priority-ordered list
//   - edf           deadline-ordered heap, background priorities above every deadline
//   - cbs           edf plus constant bandwidth servers
//   - *-smp         scheduled/ready set framework over the matching ready structure
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package scheduler

import (
	"fmt"
	"strings"

	"rtcore/constants"
	"rtcore/percpu"
	"rtcore/status"
	"rtcore/watchdog"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPE DEFINITIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Handle references a node in its scheduler's arena.
type Handle uint32

// NoNode is the invalid handle.
const NoNode Handle = ^Handle(0)

// Algorithm selects the variant at configuration time.
type Algorithm uint8

const (
	AlgorithmPriority Algorithm = iota
	AlgorithmSimple
	AlgorithmEDF
	AlgorithmCBS
	AlgorithmPrioritySMP
	AlgorithmSimpleSMP
	AlgorithmEDFSMP
)

var algorithmNames = [...]string{
	AlgorithmPriority:    "priority",
	AlgorithmSimple:      "simple",
	AlgorithmEDF:         "edf",
	AlgorithmCBS:         "cbs",
	AlgorithmPrioritySMP: "priority-smp",
	AlgorithmSimpleSMP:   "simple-smp",
	AlgorithmEDFSMP:      "edf-smp",
}

func (a Algorithm) String() string {
	if int(a) < len(algorithmNames) {
		return algorithmNames[a]
	}
	return fmt.Sprintf("algorithm(%d)", uint8(a))
}

// SMP reports whether the variant manages several processors.
func (a Algorithm) SMP() bool { return a >= AlgorithmPrioritySMP }

// ParseAlgorithm maps a configuration name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	for a, n := range algorithmNames {
		if strings.EqualFold(n, name) {
			return Algorithm(a), nil
		}
	}
	return 0, fmt.Errorf("scheduler: unknown algorithm %q: %w", name, status.InvalidName)
}

// BudgetAlgorithm is the CPU budget policy applied by Tick to the executing node.
type BudgetAlgorithm uint8

const (
	BudgetNone BudgetAlgorithm = iota
	// BudgetResetTimeslice yields at exhaustion and refills on every dispatch.
	BudgetResetTimeslice
	// BudgetExhaustTimeslice yields at exhaustion; a preempted node keeps what is left.
	BudgetExhaustTimeslice
	// BudgetCallout hands exhaustion to the owning server.
	BudgetCallout
)

// NodeState is the SMP node state; uniprocessor variants use Blocked and Ready only.
type NodeState uint8

const (
	Blocked NodeState = iota
	Ready
	Scheduled
)

func (s NodeState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Scheduled:
		return "scheduled"
	default:
		return "blocked"
	}
}

type node struct {
	owner       uint32
	priority    uint64 // supplied by the owner, already mapped
	deadline    uint64 // current job deadline, 0 without a job
	key         uint64 // ready-queue key: min(priority, deadline)
	state       NodeState
	cpu         *percpu.Processor // scheduled processor (SMP) or home processor
	affinity    *percpu.Processor // the one processor allowed, nil for all
	inUse       bool
	idle        bool
	preemptible bool
	budget      BudgetAlgorithm
	budgetLeft  uint64
	timeslice   uint64
	executed    uint64
	server      int
}

// NodeInfo is a snapshot of a node.
type NodeInfo struct {
	Owner       uint32
	Priority    uint64
	Deadline    uint64
	Key         uint64
	State       NodeState
	CPU         int
	Affinity    int // -1 when every processor of the instance is allowed
	Idle        bool
	Preemptible bool
	Budget      BudgetAlgorithm
	BudgetLeft  uint64
	Timeslice   uint64
	Executed    uint64
	Server      int
}

// Scheduler is the capability set every variant provides.
type Scheduler interface {
	Name() string
	Algorithm() Algorithm

	// MaximumPriority is the API-level idle priority; application priorities are below it.
	MaximumPriority() uint64
	MapPriority(p uint64) uint64
	UnmapPriority(p uint64) uint64

	AddProcessor(cpu *percpu.Processor, idleOwner uint32) error
	RemoveProcessor(cpu *percpu.Processor) (idleOwner uint32, err error)
	Processors() []*percpu.Processor

	NodeInitialize(owner uint32, priority uint64) (Handle, error)
	NodeDestroy(h Handle)
	Node(h Handle) NodeInfo
	Key(h Handle) uint64

	Block(h Handle)
	Unblock(h Handle)
	Yield(h Handle)
	Tick(h Handle)
	UpdatePriority(h Handle, priority uint64, prepend bool) uint64
	Schedule(cpu *percpu.Processor) uint32
	AskForHelp(h Handle) bool
	Highest() Handle

	SetBudget(h Handle, alg BudgetAlgorithm, ticks uint64)
	ResetBudget(h Handle)
	SetPreemptible(h Handle, on bool)

	// SetAffinity restricts h to one processor of the instance, or lifts the restriction when
	// cpu is nil. Only edf-smp pins nodes inside a multi-processor instance; other variants
	// fail with status.InvalidNumber for a processor they cannot hold the node to.
	SetAffinity(h Handle, cpu *percpu.Processor) error

	// ReleaseJob starts a job with an absolute deadline and returns the node's key.
	// Variants without deadlines ignore it.
	ReleaseJob(h Handle, deadline uint64) uint64
	CancelJob(h Handle) uint64
}

// LateUnblockRule decides when a CBS thread unblocks too late to use its remaining budget.
type LateUnblockRule uint8

const (
	// LateUtilization demotes when budgetLeft/deadlineLeft exceeds budget/period.
	LateUtilization LateUnblockRule = iota
	// LateAbsoluteDeadline compares deadline*budgetLeft against budget*deadlineLeft,
	// with the absolute deadline in place of the period.
	LateAbsoluteDeadline
)

var lateRuleNames = [...]string{
	LateUtilization:      "utilization",
	LateAbsoluteDeadline: "absolute-deadline",
}

func (r LateUnblockRule) String() string {
	if int(r) < len(lateRuleNames) {
		return lateRuleNames[r]
	}
	return fmt.Sprintf("late-rule(%d)", uint8(r))
}

// ParseLateUnblockRule maps a configuration name to a rule. The empty name selects
// LateUtilization.
func ParseLateUnblockRule(name string) (LateUnblockRule, error) {
	if name == "" {
		return LateUtilization, nil
	}
	for r, n := range lateRuleNames {
		if strings.EqualFold(n, name) {
			return LateUnblockRule(r), nil
		}
	}
	return 0, fmt.Errorf("scheduler: unknown late unblock rule %q: %w", name, status.InvalidName)
}

// Config describes one scheduler instance.
type Config struct {
	Name      string
	Algorithm Algorithm
	// MaximumPriority is the idle priority. Zero selects constants.DefaultMaximumPriority.
	MaximumPriority uint64
	// MaximumNodes bounds thread nodes; idle nodes are added on top.
	MaximumNodes int
	// MaximumProcessors bounds the idle nodes. Zero selects one for uniprocessor variants.
	MaximumProcessors int
	// Self returns the processor carrying out the current operation. A heir change on any
	// other processor interrupts it. Nil treats every change as local.
	Self func() *percpu.Processor

	// Watchdog and the fields below are used by the cbs variant only.
	Watchdog       *watchdog.Header
	MaximumServers int
	LateUnblock    LateUnblockRule
}

// New builds the configured variant.
func New(cfg Config) (Scheduler, error) {
	if cfg.MaximumPriority == 0 {
		cfg.MaximumPriority = constants.DefaultMaximumPriority
	}
	if cfg.MaximumNodes <= 0 {
		cfg.MaximumNodes = constants.DefaultMaximumThreads
	}
	if cfg.MaximumProcessors <= 0 {
		cfg.MaximumProcessors = 1
		if cfg.Algorithm.SMP() {
			cfg.MaximumProcessors = constants.MaximumProcessors
		}
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Algorithm.String()
	}
	capacity := cfg.MaximumNodes + cfg.MaximumProcessors

	switch cfg.Algorithm {
	case AlgorithmPriority, AlgorithmPrioritySMP:
		if cfg.MaximumPriority >= constants.PriorityLimit {
			return nil, fmt.Errorf("scheduler: maximum priority %d exceeds bitmap: %w",
				cfg.MaximumPriority, status.InvalidPriority)
		}
	case AlgorithmEDF, AlgorithmCBS, AlgorithmEDFSMP:
		if cfg.MaximumPriority >= EDFBackground {
			return nil, status.InvalidPriority
		}
	case AlgorithmSimple, AlgorithmSimpleSMP:
	default:
		return nil, fmt.Errorf("scheduler: algorithm %d: %w", cfg.Algorithm, status.NotDefined)
	}

	b := newBase(cfg, capacity)
	switch cfg.Algorithm {
	case AlgorithmPriority:
		return newUniprocessor(b, newBitmapQueue(capacity, cfg.MaximumPriority)), nil
	case AlgorithmSimple:
		return newUniprocessor(b, newListQueue(capacity)), nil
	case AlgorithmEDF:
		return newUniprocessor(b, newHeapQueue(capacity)), nil
	case AlgorithmCBS:
		if cfg.Watchdog == nil {
			return nil, fmt.Errorf("scheduler: cbs needs a watchdog: %w", status.NotDefined)
		}
		return newCBS(b, cfg), nil
	case AlgorithmPrioritySMP:
		return newSMP(b, newBitmapQueue(capacity, cfg.MaximumPriority)), nil
	case AlgorithmSimpleSMP:
		return newSMP(b, newListQueue(capacity)), nil
	default:
		return newSMP(b, newHeapQueue(capacity)), nil
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PRIORITY MAPPING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// EDFBackground marks priorities of threads without a job; every deadline sorts before them.
const EDFBackground uint64 = 1 << 63

// deadlineDriven reports whether keys mix deadlines with mapped priorities.
func (a Algorithm) deadlineDriven() bool {
	return a == AlgorithmEDF || a == AlgorithmCBS || a == AlgorithmEDFSMP
}

func (b *base) MapPriority(p uint64) uint64 {
	if b.alg.deadlineDriven() {
		return EDFBackground | p
	}
	return p
}

func (b *base) UnmapPriority(p uint64) uint64 {
	if b.alg.deadlineDriven() {
		return p &^ EDFBackground
	}
	return p
}
