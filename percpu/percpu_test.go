package percpu

import "testing"

func newCPU(t *testing.T) (*Processor, *Simulated) {
	t.Helper()
	sim := &Simulated{}
	s := NewSet(2, sim)
	p := s.Get(0)
	p.Start(1)
	return p, sim
}

func TestGuardDefersDispatch(t *testing.T) {
	p, sim := newCPU(t)
	g := p.DisableDispatch()
	p.SetHeir(2, p)
	if p.Dispatch() {
		t.Fatal("dispatch must wait while disabled")
	}
	if p.Executing() != 1 {
		t.Fatal("executing changed under guard")
	}
	g.Enable()
	if p.Executing() != 2 || p.DispatchNecessary() {
		t.Fatalf("executing = %d; want 2 after enable", p.Executing())
	}
	if sw := sim.Switches(); len(sw) != 1 || sw[0] != (Switch{CPU: 0, From: 1, To: 2}) {
		t.Fatalf("switches = %+v", sw)
	}
}

func TestGuardEnableIsIdempotent(t *testing.T) {
	p, _ := newCPU(t)
	outer := p.DisableDispatch()
	inner := p.DisableDispatch()
	inner.Enable()
	inner.Enable()
	if p.DisableLevel() != 1 {
		t.Fatalf("level = %d; want 1", p.DisableLevel())
	}
	if inner.Active() {
		t.Fatal("enabled guard still active")
	}
	outer.Enable()
	if p.DisableLevel() != 0 {
		t.Fatalf("level = %d; want 0", p.DisableLevel())
	}
	var zero Guard
	zero.Enable()
}

func TestGuardReleasedOnPanic(t *testing.T) {
	p, _ := newCPU(t)
	func() {
		defer func() { _ = recover() }()
		g := p.DisableDispatch()
		defer g.Enable()
		panic("boom")
	}()
	if p.DisableLevel() != 0 {
		t.Fatal("guard leaked through panic")
	}
}

func TestRemoteHeirInterrupts(t *testing.T) {
	sim := &Simulated{}
	s := NewSet(2, sim)
	a, b := s.Get(0), s.Get(1)
	a.Start(1)
	b.Start(2)
	b.SetHeir(3, a)
	if got := sim.Interrupts(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("interrupts = %v; want [1]", got)
	}
	b.SetHeir(2, a)
	if b.DispatchNecessary() {
		t.Fatal("heir equal to executing needs no dispatch")
	}
	if s.Get(2) != nil || s.Get(-1) != nil {
		t.Fatal("out of range processors must be nil")
	}
}

func TestInterruptsScope(t *testing.T) {
	p, sim := newCPU(t)
	i := p.DisableInterrupts()
	if sim.level.Load() != 1 {
		t.Fatal("interrupts not masked")
	}
	i.Enable()
	i.Enable()
	if sim.level.Load() != 0 {
		t.Fatal("level not restored")
	}
}
