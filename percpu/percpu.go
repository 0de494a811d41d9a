// ════════════════════════════════════════════════════════════════════════════════════════════════
// Per-Processor State
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Processor Control, Dispatch Guards & Platform Hooks
//
// Description:
//   One Processor per execution context. It carries the thread dispatch disable level, the
//   executing and heir thread ids and the "dispatch necessary" flag the schedulers raise when
//   they pick a new heir. The actual context switch is left to the Platform; the core only moves
//   ids and flags.
//
// Features:
//   - Scoped dispatch guards: Enable is idempotent so `defer g.Enable()` is always safe
//   - Heir updates from any processor, with an inter-processor request for remote ones
//   - Simulated platform for hosted builds and tests
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package percpu

import (
	"sync"
	"sync/atomic"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PLATFORM COLLABORATOR
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Level is an opaque interrupt level returned by InterruptDisable.
type Level uint32

// Platform is supplied by the board support layer.
type Platform interface {
	// InterruptDisable masks interrupts on the calling processor and returns the previous level.
	InterruptDisable() Level
	// InterruptEnable restores a level returned by InterruptDisable.
	InterruptEnable(Level)
	// ContextSwitch performs the switch from one thread to another on cpu.
	ContextSwitch(cpu int, from, to uint32)
	// Interrupt asks a remote processor to run its dispatcher.
	Interrupt(cpu int)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PROCESSOR
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Processor is the per-CPU control block.
type Processor struct {
	index    int
	platform Platform

	// Lock serializes heir/executing updates against a remote dispatcher.
	Lock sync.Mutex

	disableLevel      atomic.Int32
	executing         atomic.Uint32
	heir              atomic.Uint32
	dispatchNecessary atomic.Bool
	online            atomic.Bool
	switches          atomic.Uint64

	// Scheduler is the index of the scheduler instance owning this processor, -1 if none.
	Scheduler int
}

// Index returns the processor number.
//
//go:inline
func (p *Processor) Index() int { return p.index }

// Executing returns the id of the thread currently running here.
//
//go:inline
func (p *Processor) Executing() uint32 { return p.executing.Load() }

// Heir returns the id of the thread selected to run next.
//
//go:inline
func (p *Processor) Heir() uint32 { return p.heir.Load() }

// DispatchNecessary reports whether the heir differs from the executing thread.
func (p *Processor) DispatchNecessary() bool { return p.dispatchNecessary.Load() }

// DisableLevel returns the current thread dispatch disable nesting.
func (p *Processor) DisableLevel() int32 { return p.disableLevel.Load() }

// Switches returns the number of context switches performed.
func (p *Processor) Switches() uint64 { return p.switches.Load() }

// Online reports whether the processor takes part in scheduling.
func (p *Processor) Online() bool { return p.online.Load() }

// SetOnline marks the processor as started or stopped.
func (p *Processor) SetOnline(v bool) { p.online.Store(v) }

// Start installs the first thread without a context switch.
func (p *Processor) Start(first uint32) {
	p.Lock.Lock()
	p.executing.Store(first)
	p.heir.Store(first)
	p.dispatchNecessary.Store(false)
	p.Lock.Unlock()
	p.online.Store(true)
}

// SetHeir records a new heir. When it differs from the executing thread a dispatch is flagged;
// a processor other than from is interrupted so it can run its dispatcher.
func (p *Processor) SetHeir(heir uint32, from *Processor) {
	p.Lock.Lock()
	p.heir.Store(heir)
	necessary := heir != p.executing.Load()
	p.dispatchNecessary.Store(necessary)
	p.Lock.Unlock()
	if necessary && from != nil && from != p {
		p.platform.Interrupt(p.index)
	}
}

// Dispatch performs a pending switch. It does nothing while dispatching is disabled.
// Returns true when a switch happened.
func (p *Processor) Dispatch() bool {
	if p.disableLevel.Load() != 0 {
		return false
	}
	p.Lock.Lock()
	if !p.dispatchNecessary.Load() {
		p.Lock.Unlock()
		return false
	}
	from, to := p.executing.Load(), p.heir.Load()
	p.executing.Store(to)
	p.dispatchNecessary.Store(false)
	p.Lock.Unlock()

	p.switches.Add(1)
	p.platform.ContextSwitch(p.index, from, to)
	return true
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// DISPATCH GUARDS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Guard is a scoped "thread dispatch disabled" section.
// The zero value is inert; Enable may be called any number of times.
type Guard struct {
	p *Processor
}

// DisableDispatch enters a dispatch disabled section on p.
func (p *Processor) DisableDispatch() Guard {
	p.disableLevel.Add(1)
	return Guard{p: p}
}

// Active reports whether the guard still holds dispatching disabled.
func (g *Guard) Active() bool { return g.p != nil }

// Processor returns the guarded processor, nil once enabled.
func (g *Guard) Processor() *Processor { return g.p }

// Enable leaves the section. The outermost Enable runs a pending dispatch.
func (g *Guard) Enable() {
	p := g.p
	if p == nil {
		return
	}
	g.p = nil
	if p.disableLevel.Add(-1) == 0 && p.dispatchNecessary.Load() {
		p.Dispatch()
	}
}

// Interrupts is a scoped interrupt disabled section.
type Interrupts struct {
	platform Platform
	level    Level
	on       bool
}

// DisableInterrupts masks interrupts through the platform.
func (p *Processor) DisableInterrupts() Interrupts {
	return Interrupts{platform: p.platform, level: p.platform.InterruptDisable(), on: true}
}

// Enable restores the saved level once.
func (i *Interrupts) Enable() {
	if !i.on {
		return
	}
	i.on = false
	i.platform.InterruptEnable(i.level)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PROCESSOR SET
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Set holds every configured processor.
type Set struct {
	cpus []*Processor
}

// NewSet creates n processors sharing one platform.
func NewSet(n int, platform Platform) *Set {
	s := &Set{cpus: make([]*Processor, n)}
	for i := range s.cpus {
		s.cpus[i] = &Processor{index: i, platform: platform, Scheduler: -1}
	}
	return s
}

// Count returns the number of processors.
//
//go:inline
func (s *Set) Count() int { return len(s.cpus) }

// Get returns processor i, nil when out of range.
func (s *Set) Get(i int) *Processor {
	if i < 0 || i >= len(s.cpus) {
		return nil
	}
	return s.cpus[i]
}

// All returns the processors in index order.
func (s *Set) All() []*Processor { return s.cpus }
