package kernel

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"rtcore/config"
	"rtcore/constants"
	"rtcore/mutex"
	"rtcore/objects"
	"rtcore/percpu"
	"rtcore/record"
	"rtcore/scheduler"
	"rtcore/status"
	"rtcore/threadq"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func newKernel(t *testing.T, mutate func(*config.Config), opts ...Option) *Kernel {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	k, err := New(&cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { k.Close() })
	return k
}

func create(t *testing.T, k *Kernel, tc ThreadConfig) objects.ID {
	t.Helper()
	id, err := k.CreateThread(tc)
	if err != nil {
		t.Fatalf("CreateThread(%+v): %v", tc, err)
	}
	return id
}

func spawn(t *testing.T, k *Kernel, prio uint64) objects.ID {
	t.Helper()
	id := create(t, k, ThreadConfig{Priority: prio})
	if err := k.StartThread(id); err != nil {
		t.Fatalf("StartThread: %v", err)
	}
	return id
}

func expectExecuting(t *testing.T, k *Kernel, cpu int, want objects.ID) {
	t.Helper()
	got, err := k.Executing(cpu)
	if err != nil {
		t.Fatalf("Executing(%d): %v", cpu, err)
	}
	if got != want {
		t.Fatalf("cpu %d executing %v; want %v", cpu, got, want)
	}
}

func expectCode(t *testing.T, err error, want status.Code) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("error = %v; want %v", err, want)
	}
}

func expectStatus(t *testing.T, k *Kernel, id objects.ID, want status.Code) {
	t.Helper()
	got, err := k.Status(id)
	if err != nil {
		t.Fatalf("Status(%v): %v", id, err)
	}
	if got != want {
		t.Fatalf("status of %v = %v; want %v", id, got, want)
	}
}

func wait(t *testing.T, k *Kernel, id objects.ID, q *threadq.Queue, timeout uint64) {
	t.Helper()
	if err := k.Wait(id, q, timeout); err != nil {
		t.Fatalf("Wait(%v): %v", id, err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSTRUCTION & TRANSLATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestNewStartsProcessorsIdle(t *testing.T) {
	k := newKernel(t, func(c *config.Config) {
		c.Processors = 2
		c.Schedulers = []config.Scheduler{
			{Name: "a", Algorithm: "priority", Processors: []int{0}},
			{Name: "b", Algorithm: "simple", Processors: []int{1}},
		}
	})
	expectExecuting(t, k, 0, IdleID(0))
	expectExecuting(t, k, 1, IdleID(1))
	if _, err := k.Executing(2); err == nil {
		t.Fatal("processor 2 must not exist")
	}
	if _, err := k.Scheduler("c"); !errors.Is(err, status.InvalidName) {
		t.Fatalf("unknown scheduler: %v", err)
	}
	if IdleID(1).Class() != IdleClass || IdleID(1).Index() != 2 {
		t.Fatalf("idle id %v", IdleID(1))
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Processors = 0
	if _, err := New(&cfg); !errors.Is(err, status.InvalidNumber) {
		t.Fatalf("New = %v", err)
	}
}

func TestPriorityTranslation(t *testing.T) {
	k := newKernel(t, func(c *config.Config) {
		c.Processors = 2
		c.Schedulers = []config.Scheduler{
			{Name: "fixed", Algorithm: "priority", Processors: []int{0}},
			{Name: "edf", Algorithm: "edf", Processors: []int{1}},
		}
	})
	for _, p := range []uint64{0, constants.DefaultMaximumPriority, 1000} {
		_, err := k.ToCore("fixed", p)
		expectCode(t, err, status.InvalidPriority)
	}
	if core, err := k.ToCore("fixed", 254); err != nil || core != 254 {
		t.Fatalf("ToCore(254) = %d, %v", core, err)
	}
	core, err := k.ToCore("edf", 5)
	if err != nil || core != scheduler.EDFBackground|5 {
		t.Fatalf("edf ToCore(5) = %x, %v", core, err)
	}
	if api, err := k.FromCore("edf", core); err != nil || api != 5 {
		t.Fatalf("edf FromCore = %d, %v", api, err)
	}
	_, err = k.FromCore("fixed", 0)
	expectCode(t, err, status.InvalidPriority)
	_, err = k.CreateThread(ThreadConfig{Priority: 0})
	expectCode(t, err, status.InvalidPriority)
	if k.Threads().ActiveCount() != 0 {
		t.Fatal("rejected priority must not allocate")
	}
}

func TestTicksFor(t *testing.T) {
	k := newKernel(t, func(c *config.Config) { c.MicrosecondsPerTick = 10000 })
	if n := k.TicksFor(20 * time.Millisecond); n != 2 {
		t.Fatalf("TicksFor(20ms) = %d", n)
	}
	if n := k.TicksFor(25 * time.Millisecond); n != 3 {
		t.Fatalf("TicksFor(25ms) = %d", n)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// THREAD LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestMoreUrgentThreadPreempts(t *testing.T) {
	sim := &percpu.Simulated{}
	k := newKernel(t, nil, WithPlatform(sim))
	a := spawn(t, k, 10)
	expectExecuting(t, k, 0, a)
	b := spawn(t, k, 5)
	expectExecuting(t, k, 0, b)

	sw := sim.Switches()
	if len(sw) != 2 || sw[1] != (percpu.Switch{CPU: 0, From: uint32(a), To: uint32(b)}) {
		t.Fatalf("switches = %+v", sw)
	}
	if err := k.StartThread(a); !errors.Is(err, status.IncorrectState) {
		t.Fatalf("second start = %v", err)
	}
	if _, err := k.Heir(0); err != nil {
		t.Fatal(err)
	}
}

func TestNamedThreads(t *testing.T) {
	k := newKernel(t, nil)
	id := create(t, k, ThreadConfig{Name: "IDLE", Priority: 9})
	got, err := k.ThreadByName("IDLE")
	if err != nil || got != id {
		t.Fatalf("ThreadByName = %v, %v; want %v", got, err, id)
	}
	if err := k.DeleteThread(id); err != nil {
		t.Fatal(err)
	}
	if _, err := k.ThreadByName("IDLE"); err == nil {
		t.Fatal("deleted thread still found by name")
	}
}

// The thread class holds four threads; the fifth create fails until one is deleted.
func TestThreadDirectoryExhaustion(t *testing.T) {
	k := newKernel(t, func(c *config.Config) { c.Threads.Maximum = 4 })
	var ids []objects.ID
	for i := 0; i < 4; i++ {
		ids = append(ids, create(t, k, ThreadConfig{Priority: 10}))
	}
	armed := k.Watchdog().Armed()
	_, err := k.CreateThread(ThreadConfig{Priority: 10})
	expectCode(t, err, status.TooMany)
	if k.Watchdog().Armed() != armed {
		t.Fatal("failed create left watchdog state behind")
	}
	if err := k.DeleteThread(ids[1]); err != nil {
		t.Fatal(err)
	}
	if id := create(t, k, ThreadConfig{Priority: 10}); id != ids[1] {
		t.Fatalf("reused id %v; want %v", id, ids[1])
	}
}

func TestDeleteWaitingAndExecutingThreads(t *testing.T) {
	k := newKernel(t, nil)
	q := k.NewQueue(threadq.Config{Discipline: threadq.Priority})
	a := spawn(t, k, 5)
	b := spawn(t, k, 10)
	wait(t, k, a, q, 20)
	expectExecuting(t, k, 0, b)

	if err := k.DeleteThread(a); err != nil {
		t.Fatal(err)
	}
	if q.Count() != 0 {
		t.Fatalf("queue still holds %d", q.Count())
	}
	if _, err := k.Thread(a); !errors.Is(err, status.InvalidID) {
		t.Fatalf("Thread(deleted) = %v", err)
	}
	k.Run(30)
	expectExecuting(t, k, 0, b)

	if err := k.DeleteThread(b); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 0, IdleID(0))
	if k.Threads().ActiveCount() != 0 {
		t.Fatalf("active = %d", k.Threads().ActiveCount())
	}
	expectCode(t, k.DeleteThread(b), status.InvalidID)
	expectCode(t, k.DeleteThread(objects.None), status.InvalidID)
}

func TestRestartLeavesQueue(t *testing.T) {
	k := newKernel(t, nil)
	q := k.NewQueue(threadq.Config{Discipline: threadq.FIFO})
	a := spawn(t, k, 5)
	wait(t, k, a, q, constants.NoTimeout)
	expectExecuting(t, k, 0, IdleID(0))

	if err := k.RestartThread(a); err != nil {
		t.Fatal(err)
	}
	if q.Count() != 0 {
		t.Fatal("restarted thread still queued")
	}
	expectExecuting(t, k, 0, a)
	th, _ := k.Thread(a)
	if th.Restarts() != 1 {
		t.Fatalf("restarts = %d", th.Restarts())
	}

	d := create(t, k, ThreadConfig{Priority: 6})
	expectCode(t, k.RestartThread(d), status.IncorrectState)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SCHEDULING OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestTimesliceRotatesEqualPriorities(t *testing.T) {
	k := newKernel(t, func(c *config.Config) { c.TicksPerTimeslice = 3 })
	a := create(t, k, ThreadConfig{Priority: 10, Budget: scheduler.BudgetResetTimeslice})
	b := create(t, k, ThreadConfig{Priority: 10, Budget: scheduler.BudgetResetTimeslice})
	for _, id := range []objects.ID{a, b} {
		if err := k.StartThread(id); err != nil {
			t.Fatal(err)
		}
	}
	expectExecuting(t, k, 0, a)
	k.Run(2)
	expectExecuting(t, k, 0, a)
	k.Tick()
	expectExecuting(t, k, 0, b)
	k.Run(3)
	expectExecuting(t, k, 0, a)
}

func TestNonPreemptibleIgnoresTimeslice(t *testing.T) {
	k := newKernel(t, func(c *config.Config) { c.TicksPerTimeslice = 2 })
	a := create(t, k, ThreadConfig{Priority: 10, Budget: scheduler.BudgetResetTimeslice, NonPreemptible: true})
	b := create(t, k, ThreadConfig{Priority: 10, Budget: scheduler.BudgetResetTimeslice})
	k.StartThread(a)
	k.StartThread(b)
	k.Run(10)
	expectExecuting(t, k, 0, a)
}

func TestDelay(t *testing.T) {
	k := newKernel(t, nil)
	a := spawn(t, k, 5)
	b := spawn(t, k, 10)
	if err := k.Delay(a, 3); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 0, b)
	expectCode(t, k.Delay(a, 1), status.IncorrectState)
	k.Run(2)
	expectExecuting(t, k, 0, b)
	k.Tick()
	expectExecuting(t, k, 0, a)
}

func TestYield(t *testing.T) {
	k := newKernel(t, nil)
	a := spawn(t, k, 10)
	b := spawn(t, k, 10)
	expectExecuting(t, k, 0, a)
	if err := k.Yield(a); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 0, b)
	if err := k.Delay(b, 0); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 0, a)
}

func TestSuspendResume(t *testing.T) {
	k := newKernel(t, nil)
	a := spawn(t, k, 5)
	b := spawn(t, k, 10)
	if err := k.Suspend(a); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 0, b)
	expectCode(t, k.Suspend(a), status.IncorrectState)
	if err := k.Resume(a); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 0, a)
	expectCode(t, k.Resume(a), status.IncorrectState)
}

func TestSetPriorityRequeuesWaiter(t *testing.T) {
	k := newKernel(t, nil)
	q := k.NewQueue(threadq.Config{Discipline: threadq.Priority})
	a := spawn(t, k, 10)
	b := spawn(t, k, 20)
	wait(t, k, a, q, constants.NoTimeout)
	wait(t, k, b, q, constants.NoTimeout)

	old, err := k.SetPriority(b, 5)
	if err != nil || old != 20 {
		t.Fatalf("SetPriority = %d, %v", old, err)
	}
	if got := k.Release(q, nil); got != b {
		t.Fatalf("first released %v; want %v", got, b)
	}
	if cur, real, _ := k.Priority(b); cur != 5 || real != 5 {
		t.Fatalf("priority = %d/%d", cur, real)
	}
	_, err = k.SetPriority(a, 0)
	expectCode(t, err, status.InvalidPriority)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// WAITING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Priority discipline wakes the most urgent first, FIFO among equal priorities.
func TestWakeOrderPriorityThenArrival(t *testing.T) {
	k := newKernel(t, nil)
	q := k.NewQueue(threadq.Config{Discipline: threadq.Priority})
	t1 := spawn(t, k, 10)
	t2 := spawn(t, k, 5)
	t3 := spawn(t, k, 5)
	for _, id := range []objects.ID{t1, t2, t3} {
		wait(t, k, id, q, constants.NoTimeout)
	}
	expectExecuting(t, k, 0, IdleID(0))
	for i, want := range []objects.ID{t2, t3, t1} {
		if got := k.Release(q, i); got != want {
			t.Fatalf("release %d woke %v; want %v", i, got, want)
		}
	}
	for _, id := range []objects.ID{t1, t2, t3} {
		expectStatus(t, k, id, status.Successful)
	}
	if k.Release(q, nil) != objects.None {
		t.Fatal("empty queue released a thread")
	}
	expectExecuting(t, k, 0, t2)
}

// A bounded wait times out after exactly its ticks; a release before then wins.
func TestWaitTimeout(t *testing.T) {
	k := newKernel(t, nil)
	q := k.NewQueue(threadq.Config{Discipline: threadq.FIFO})
	a := spawn(t, k, 5)

	wait(t, k, a, q, 10)
	k.Run(9)
	if _, err := k.Status(a); !errors.Is(err, status.IncorrectState) {
		t.Fatalf("status before expiry: %v", err)
	}
	k.Tick()
	expectStatus(t, k, a, status.Timeout)
	if q.Count() != 0 {
		t.Fatal("timed out thread still queued")
	}
	expectExecuting(t, k, 0, a)

	wait(t, k, a, q, 10)
	k.Run(5)
	if got := k.Release(q, nil); got != a {
		t.Fatalf("released %v", got)
	}
	expectStatus(t, k, a, status.Successful)
	if q.Count() != 0 {
		t.Fatal("released thread still queued")
	}
	k.Run(10)
	expectStatus(t, k, a, status.Successful)
}

func TestBroadcast(t *testing.T) {
	k := newKernel(t, nil)
	q := k.NewQueue(threadq.Config{Discipline: threadq.FIFO})
	ids := []objects.ID{spawn(t, k, 3), spawn(t, k, 4), spawn(t, k, 5)}
	for _, id := range ids {
		wait(t, k, id, q, constants.NoTimeout)
	}
	if n := k.Broadcast(q, status.ObjectWasDeleted); n != 3 {
		t.Fatalf("woken %d", n)
	}
	for _, id := range ids {
		expectStatus(t, k, id, status.ObjectWasDeleted)
	}
	expectExecuting(t, k, 0, ids[0])
}

func TestBlockedThreadCannotWait(t *testing.T) {
	k := newKernel(t, nil)
	q := k.NewQueue(threadq.Config{})
	a := spawn(t, k, 5)
	wait(t, k, a, q, constants.NoTimeout)
	expectCode(t, k.Wait(a, q, constants.NoTimeout), status.IncorrectState)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MUTEXES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestMutexInheritanceHandOff(t *testing.T) {
	k := newKernel(t, nil)
	m, err := k.CreateMutex(MutexConfig{Name: "LOCK", Protocol: mutex.ProtocolInherit})
	if err != nil {
		t.Fatal(err)
	}
	low := spawn(t, k, 20)
	if ok, err := k.Seize(low, m, true, constants.NoTimeout); !ok || err != nil {
		t.Fatalf("Seize(low) = %v, %v", ok, err)
	}
	high := spawn(t, k, 5)
	expectExecuting(t, k, 0, high)
	if ok, err := k.Seize(high, m, true, constants.NoTimeout); ok || err != nil {
		t.Fatalf("Seize(high) = %v, %v", ok, err)
	}
	expectExecuting(t, k, 0, low)
	if cur, real, _ := k.Priority(low); cur != 5 || real != 20 {
		t.Fatalf("owner priority %d/%d; want 5/20", cur, real)
	}
	expectCode(t, k.DeleteThread(low), status.ResourceInUse)

	next, err := k.Surrender(low, m)
	if err != nil || next != high {
		t.Fatalf("Surrender = %v, %v", next, err)
	}
	if cur, _, _ := k.Priority(low); cur != 20 {
		t.Fatalf("owner kept priority %d", cur)
	}
	expectExecuting(t, k, 0, high)
	expectStatus(t, k, high, status.Successful)

	expectCode(t, k.DeleteMutex(m), status.ResourceInUse)
	_, err = k.Surrender(low, m)
	expectCode(t, err, status.NotOwner)
	if next, err := k.Surrender(high, m); err != nil || next != objects.None {
		t.Fatalf("final Surrender = %v, %v", next, err)
	}
	if err := k.DeleteMutex(m); err != nil {
		t.Fatal(err)
	}
	if _, err := k.Mutex(m); !errors.Is(err, status.InvalidID) {
		t.Fatalf("Mutex(deleted) = %v", err)
	}
}

func TestMutexCeiling(t *testing.T) {
	k := newKernel(t, nil)
	m, err := k.CreateMutex(MutexConfig{Protocol: mutex.ProtocolCeiling, Ceiling: 10})
	if err != nil {
		t.Fatal(err)
	}
	urgent := spawn(t, k, 5)
	_, err = k.Seize(urgent, m, true, constants.NoTimeout)
	expectCode(t, err, status.InvalidPriority)

	k.Suspend(urgent)
	lazy := spawn(t, k, 15)
	if ok, err := k.Seize(lazy, m, false, 0); !ok || err != nil {
		t.Fatalf("Seize = %v, %v", ok, err)
	}
	if cur, real, _ := k.Priority(lazy); cur != 10 || real != 15 {
		t.Fatalf("ceiling priority %d/%d", cur, real)
	}
	if _, err := k.Surrender(lazy, m); err != nil {
		t.Fatal(err)
	}
	if cur, _, _ := k.Priority(lazy); cur != 15 {
		t.Fatalf("priority after surrender %d", cur)
	}
	_, err = k.CreateMutex(MutexConfig{Protocol: mutex.ProtocolCeiling})
	expectCode(t, err, status.InvalidPriority)
}

func onEDF(c *config.Config) {
	c.Schedulers = []config.Scheduler{{Name: "edf", Algorithm: "edf", Processors: []int{0}}}
}

func TestMutexInheritsWaiterDeadline(t *testing.T) {
	k := newKernel(t, onEDF)
	m, err := k.CreateMutex(MutexConfig{Protocol: mutex.ProtocolInherit})
	if err != nil {
		t.Fatal(err)
	}
	low := spawn(t, k, 20)
	if ok, err := k.Seize(low, m, true, constants.NoTimeout); !ok || err != nil {
		t.Fatalf("Seize(low) = %v, %v", ok, err)
	}
	high := spawn(t, k, 5)
	if _, err := k.ReleaseJob(high, 10); err != nil {
		t.Fatal(err)
	}
	if ok, err := k.Seize(high, m, true, constants.NoTimeout); ok || err != nil {
		t.Fatalf("Seize(high) = %v, %v", ok, err)
	}
	mid := spawn(t, k, 10)
	if _, err := k.ReleaseJob(mid, 50); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 0, low)

	// Without its job the waiter lends only its background priority.
	if err := k.CancelJob(high); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 0, mid)
	if _, err := k.ReleaseJob(high, 5); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 0, low)

	if next, err := k.Surrender(low, m); err != nil || next != high {
		t.Fatalf("Surrender = %v, %v", next, err)
	}
	expectExecuting(t, k, 0, high)
	if cur, real, _ := k.Priority(low); cur != 20 || real != 20 {
		t.Fatalf("former owner priority %d/%d; want 20/20", cur, real)
	}
}

func TestMutexCeilingOnEDF(t *testing.T) {
	k := newKernel(t, onEDF)
	m, err := k.CreateMutex(MutexConfig{Protocol: mutex.ProtocolCeiling, Ceiling: 10})
	if err != nil {
		t.Fatal(err)
	}
	low := spawn(t, k, 20)
	if ok, err := k.Seize(low, m, false, 0); !ok || err != nil {
		t.Fatalf("Seize(low) = %v, %v", ok, err)
	}
	mid := spawn(t, k, 15)
	expectExecuting(t, k, 0, low)

	urgent := spawn(t, k, 5)
	_, err = k.Seize(urgent, m, true, constants.NoTimeout)
	expectCode(t, err, status.InvalidPriority)
	k.Suspend(urgent)
	expectExecuting(t, k, 0, low)

	// Any job deadline sorts before the ceiling.
	if _, err := k.ReleaseJob(mid, 30); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 0, mid)
	if err := k.CancelJob(mid); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 0, low)
	if _, err := k.Surrender(low, m); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 0, mid)
}

func TestDeleteMutexWakesWaitersWhenUnowned(t *testing.T) {
	k := newKernel(t, nil)
	m, _ := k.CreateMutex(MutexConfig{Discipline: threadq.FIFO})
	a := spawn(t, k, 5)
	if ok, _ := k.Seize(a, m, false, 0); !ok {
		t.Fatal("seize failed")
	}
	b := spawn(t, k, 6)
	if ok, err := k.Seize(b, m, false, 0); ok || !errors.Is(err, status.Unsatisfied) {
		t.Fatalf("busy seize = %v, %v", ok, err)
	}
	k.Seize(b, m, true, 4)
	k.Run(4)
	expectStatus(t, k, b, status.Timeout)
	k.Surrender(a, m)
	if err := k.DeleteMutex(m); err != nil {
		t.Fatal(err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SMP & CBS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestSMPRunsMostUrgentThreads(t *testing.T) {
	k := newKernel(t, func(c *config.Config) {
		c.Processors = 2
		c.Schedulers = []config.Scheduler{{Name: "smp", Algorithm: "priority-smp", Processors: []int{0, 1}}}
	})
	t10 := spawn(t, k, 10)
	t20 := spawn(t, k, 20)
	t5 := spawn(t, k, 5)

	running := func() map[objects.ID]bool {
		out := map[objects.ID]bool{}
		for cpu := 0; cpu < 2; cpu++ {
			id, _ := k.Executing(cpu)
			out[id] = true
		}
		return out
	}
	if r := running(); !r[t10] || !r[t5] || r[t20] {
		t.Fatalf("running %v; want %v and %v", r, t10, t5)
	}
	if err := k.DeleteThread(t5); err != nil {
		t.Fatal(err)
	}
	if r := running(); !r[t10] || !r[t20] {
		t.Fatalf("running %v after delete", r)
	}
}

func TestPartitionedSchedulers(t *testing.T) {
	k := newKernel(t, func(c *config.Config) {
		c.Processors = 2
		c.Schedulers = []config.Scheduler{
			{Name: "a", Algorithm: "priority", Processors: []int{0}},
			{Name: "b", Algorithm: "priority", Processors: []int{1}},
		}
	})
	a := spawn(t, k, 50)
	b := create(t, k, ThreadConfig{Priority: 60, Scheduler: "b"})
	k.StartThread(b)
	expectExecuting(t, k, 0, a)
	expectExecuting(t, k, 1, b)
}

// maskingPlatform counts interrupt masking on top of the simulated platform.
type maskingPlatform struct {
	percpu.Simulated
	masked, unmasked int
}

func (p *maskingPlatform) InterruptDisable() percpu.Level {
	p.masked++
	return p.Simulated.InterruptDisable()
}

func (p *maskingPlatform) InterruptEnable(l percpu.Level) {
	p.unmasked++
	p.Simulated.InterruptEnable(l)
}

func TestTickMasksInterrupts(t *testing.T) {
	p := &maskingPlatform{}
	k := newKernel(t, nil, WithPlatform(p))
	a := spawn(t, k, 10)
	k.Delay(a, 2)
	k.Run(3)
	if p.masked != 3 || p.unmasked != 3 {
		t.Fatalf("masked %d, unmasked %d; want one pair per tick", p.masked, p.unmasked)
	}
	expectExecuting(t, k, 0, a)
}

func TestRemoteHeirChangeInterrupts(t *testing.T) {
	sim := &percpu.Simulated{}
	buf := record.NewBuffer()
	k := newKernel(t, func(c *config.Config) {
		withRecorder(c)
		c.Processors = 2
		c.Schedulers = []config.Scheduler{{Name: "smp", Algorithm: "priority-smp", Processors: []int{0, 1}}}
	}, WithPlatform(sim), WithSink(buf))
	before := len(sim.Interrupts())
	spawn(t, k, 10)
	spawn(t, k, 20)
	spawn(t, k, 5)
	got := sim.Interrupts()[before:]
	if len(got) == 0 {
		t.Fatal("no interrupt for a new heir on processor 1")
	}
	for _, cpu := range got {
		if cpu != 1 {
			t.Fatalf("processor %d interrupted by its own heir change", cpu)
		}
	}
	if err := k.Flush(); err != nil {
		t.Fatal(err)
	}
	if n := len(buf.Filter(record.EventInterrupt)); n != len(got) {
		t.Fatalf("%d interrupt events for %d interrupts", n, len(got))
	}
}

func TestEDFSMPAffinity(t *testing.T) {
	k := newKernel(t, func(c *config.Config) {
		c.Processors = 2
		c.Schedulers = []config.Scheduler{{Name: "edf", Algorithm: "edf-smp", Processors: []int{0, 1}}}
	})
	a := spawn(t, k, 10)
	b := spawn(t, k, 20)
	c := spawn(t, k, 30)
	for _, id := range []objects.ID{a, b} {
		if err := k.SetAffinity(id, 1); err != nil {
			t.Fatalf("SetAffinity(%v): %v", id, err)
		}
	}
	expectExecuting(t, k, 1, a)
	expectExecuting(t, k, 0, c)
	if cpu, err := k.Affinity(b); err != nil || cpu != 1 {
		t.Fatalf("Affinity = %d, %v", cpu, err)
	}

	if err := k.SetAffinity(b, -1); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 0, b)
	if cpu, _ := k.Affinity(b); cpu != -1 {
		t.Fatalf("Affinity after release = %d", cpu)
	}
	expectCode(t, k.SetAffinity(a, 5), status.InvalidNumber)
}

func TestAffinityOutsideEDFSMP(t *testing.T) {
	k := newKernel(t, func(c *config.Config) {
		c.Processors = 3
		c.Schedulers = []config.Scheduler{
			{Name: "smp", Algorithm: "priority-smp", Processors: []int{0, 1}},
			{Name: "uni", Algorithm: "priority", Processors: []int{2}},
		}
	})
	a := spawn(t, k, 10)
	expectCode(t, k.SetAffinity(a, 1), status.InvalidNumber)
	if err := k.SetAffinity(a, -1); err != nil {
		t.Fatal(err)
	}
	u := create(t, k, ThreadConfig{Priority: 10, Scheduler: "uni"})
	if err := k.SetAffinity(u, 2); err != nil {
		t.Fatalf("own processor = %v", err)
	}
	expectCode(t, k.SetAffinity(u, 0), status.InvalidNumber)
}

func TestSetSchedulerMovesThread(t *testing.T) {
	k := newKernel(t, func(c *config.Config) {
		c.Processors = 2
		c.Schedulers = []config.Scheduler{
			{Name: "a", Algorithm: "priority", Processors: []int{0}},
			{Name: "b", Algorithm: "priority", Processors: []int{1}},
		}
	})
	x := create(t, k, ThreadConfig{Priority: 50, Budget: scheduler.BudgetResetTimeslice, Timeslice: 7})
	if err := k.StartThread(x); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 0, x)

	if err := k.SetScheduler(x, "b", 40); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 0, IdleID(0))
	expectExecuting(t, k, 1, x)
	if cur, real, _ := k.Priority(x); cur != 40 || real != 40 {
		t.Fatalf("priority %d/%d after move; want 40/40", cur, real)
	}
	th, _ := k.Thread(x)
	if info := th.Scheduler().Node(th.Node()); info.Budget != scheduler.BudgetResetTimeslice || info.Timeslice != 7 {
		t.Fatalf("budget %v/%d not carried over", info.Budget, info.Timeslice)
	}

	expectCode(t, k.SetScheduler(x, "c", 40), status.InvalidName)
	expectCode(t, k.SetScheduler(x, "a", 0), status.InvalidPriority)

	m, err := k.CreateMutex(MutexConfig{Protocol: mutex.ProtocolInherit})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := k.Seize(x, m, false, 0); !ok || err != nil {
		t.Fatalf("Seize = %v, %v", ok, err)
	}
	expectCode(t, k.SetScheduler(x, "a", 50), status.ResourceInUse)
	if _, err := k.Surrender(x, m); err != nil {
		t.Fatal(err)
	}

	q := k.NewQueue(threadq.Config{Discipline: threadq.FIFO})
	wait(t, k, x, q, constants.NoTimeout)
	expectCode(t, k.SetScheduler(x, "a", 50), status.ResourceInUse)
	k.Release(q, nil)

	dormant := create(t, k, ThreadConfig{Priority: 60})
	if err := k.SetScheduler(dormant, "b", 30); err != nil {
		t.Fatal(err)
	}
	if err := k.StartThread(dormant); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 1, dormant)
	if err := k.SetScheduler(dormant, "b", 45); err != nil {
		t.Fatal(err)
	}
	expectExecuting(t, k, 1, x)
}

func TestCBSServerBudget(t *testing.T) {
	k := newKernel(t, func(c *config.Config) {
		c.Schedulers = []config.Scheduler{{Name: "cbs", Algorithm: "cbs", Processors: []int{0}, MaximumServers: 2}}
	})
	served := spawn(t, k, 20)
	other := spawn(t, k, 10)
	expectExecuting(t, k, 0, other)

	overruns := 0
	id, err := k.CreateServer("cbs", scheduler.ServerParameters{Budget: 3, Period: 10}, scheduler.OverrunBackground, func(int) { overruns++ })
	if err != nil {
		t.Fatal(err)
	}
	if err := k.AttachThread(id, served); err != nil {
		t.Fatal(err)
	}
	if d, err := k.ReleaseJob(served, 10); err != nil || d != 10 {
		t.Fatalf("ReleaseJob = %d, %v", d, err)
	}
	expectExecuting(t, k, 0, served)

	k.Run(100)
	if overruns != 10 {
		t.Fatalf("overruns = %d; want 10", overruns)
	}
	c, _ := k.CBS("cbs")
	if n, _ := c.Overruns(id); n != 10 {
		t.Fatalf("Overruns = %d", n)
	}
	th, _ := k.Thread(served)
	if ran := c.Node(th.Node()).Executed; ran != 30 {
		t.Fatalf("served thread ran %d ticks; want 30", ran)
	}
	if err := k.DetachThread(id, served); err != nil {
		t.Fatal(err)
	}
	if _, err := k.CBS(""); err != nil {
		t.Fatal(err)
	}
}

func TestCBSRequiresCBSInstance(t *testing.T) {
	k := newKernel(t, nil)
	_, err := k.CBS("")
	expectCode(t, err, status.NotDefined)
	a := spawn(t, k, 5)
	expectCode(t, k.AttachThread(0, a), status.NotDefined)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// RECORDING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// script drives a fixed workload.
func script(t *testing.T, k *Kernel) {
	t.Helper()
	timed := k.NewQueue(threadq.Config{Discipline: threadq.FIFO})
	q := k.NewQueue(threadq.Config{Discipline: threadq.Priority})
	a := spawn(t, k, 5)
	b := spawn(t, k, 7)
	c := spawn(t, k, 9)
	wait(t, k, a, timed, 4)
	wait(t, k, b, q, constants.NoTimeout)
	k.Run(2)
	k.Release(q, nil)
	k.Delay(c, 3)
	k.Run(6)
}

func withRecorder(c *config.Config) {
	c.Recorder.Enabled = true
	c.Recorder.RingSize = 1024
}

func TestRecordingIsDeterministic(t *testing.T) {
	var digests [2][32]byte
	for i := range digests {
		buf := record.NewBuffer()
		k := newKernel(t, withRecorder, WithSink(buf))
		script(t, k)
		if err := k.Flush(); err != nil {
			t.Fatal(err)
		}
		recs := buf.Records()
		if len(recs) == 0 {
			t.Fatal("nothing recorded")
		}
		if len(buf.Filter(record.EventDispatch)) == 0 || len(buf.Filter(record.EventTimeout)) != 1 {
			t.Fatalf("unexpected event mix: %d records", len(recs))
		}
		d, err := record.Digest(recs)
		if err != nil {
			t.Fatal(err)
		}
		digests[i] = d
	}
	if digests[0] != digests[1] {
		t.Fatal("same workload produced different event streams")
	}
}

func TestRecordingToSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	cfg := config.Default()
	cfg.Recorder.Enabled = true
	cfg.Recorder.SQLite = path
	k, err := New(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	script(t, k)
	if err := k.Close(); err != nil {
		t.Fatal(err)
	}

	db, err := record.OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	n, err := db.Count()
	if err != nil || n == 0 {
		t.Fatalf("Count = %d, %v", n, err)
	}
	if _, err := db.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestRecorderConsumersDrainOnClose(t *testing.T) {
	buf := record.NewBuffer()
	k := newKernel(t, withRecorder, WithSink(buf))
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	script(t, k)
	if err := k.Close(); err != nil {
		t.Fatal(err)
	}
	if uint64(len(buf.Records())) != k.Recorder().Recorded() {
		t.Fatalf("sink holds %d of %d records", len(buf.Records()), k.Recorder().Recorded())
	}
}
