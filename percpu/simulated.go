package percpu

import (
	"sync"
	"sync/atomic"
)

// Switch is one context switch observed by the simulated platform.
type Switch struct {
	CPU      int
	From, To uint32
}

// Simulated is a hosted Platform. Interrupt masking is bookkeeping only; callers that need
// mutual exclusion use the kernel locks. Switches and interrupts are recorded for inspection.
type Simulated struct {
	level atomic.Uint32

	mu         sync.Mutex
	switches   []Switch
	interrupts []int

	// OnSwitch, when set, observes every context switch.
	OnSwitch func(Switch)
	// OnInterrupt, when set, services an inter-processor request.
	OnInterrupt func(cpu int)
}

func (s *Simulated) InterruptDisable() Level {
	return Level(s.level.Add(1) - 1)
}

func (s *Simulated) InterruptEnable(l Level) {
	s.level.Store(uint32(l))
}

func (s *Simulated) ContextSwitch(cpu int, from, to uint32) {
	sw := Switch{CPU: cpu, From: from, To: to}
	s.mu.Lock()
	s.switches = append(s.switches, sw)
	s.mu.Unlock()
	if s.OnSwitch != nil {
		s.OnSwitch(sw)
	}
}

func (s *Simulated) Interrupt(cpu int) {
	s.mu.Lock()
	s.interrupts = append(s.interrupts, cpu)
	s.mu.Unlock()
	if s.OnInterrupt != nil {
		s.OnInterrupt(cpu)
	}
}

// Switches returns a copy of the recorded context switches.
func (s *Simulated) Switches() []Switch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Switch(nil), s.switches...)
}

// Interrupts returns a copy of the processors that were interrupted.
func (s *Simulated) Interrupts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.interrupts...)
}
