package kernel

import (
	"fmt"

	"rtcore/objects"
	"rtcore/percpu"
	"rtcore/record"
	"rtcore/scheduler"
	"rtcore/status"
	"rtcore/thread"
	"rtcore/threadq"
	"rtcore/watchdog"
)

// ThreadConfig describes a thread to create.
type ThreadConfig struct {
	Name string
	// Priority is the API priority in the home scheduler's range.
	Priority uint64
	// Scheduler names the home scheduler instance; "" selects the first.
	Scheduler string
	// Budget enables timeslicing or a callout budget.
	Budget scheduler.BudgetAlgorithm
	// Timeslice is the budget length in ticks; zero selects the configured timeslice.
	Timeslice      uint64
	NonPreemptible bool
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// LOOKUP
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// lookup resolves a thread id inside a dispatch guard on the calling processor. On success the
// caller must release the guard through enable.
func (k *Kernel) lookup(id objects.ID) (*thread.Thread, percpu.Guard, error) {
	th, loc, g := k.threads.Get(id, k.self())
	switch loc {
	case objects.Local:
		return th, g, nil
	case objects.Remote:
		return nil, g, fmt.Errorf("kernel: thread %v is remote: %w", id, status.InvalidID)
	default:
		return nil, g, fmt.Errorf("kernel: thread %v: %w", id, status.InvalidID)
	}
}

// Thread returns the control block of a live thread.
func (k *Kernel) Thread(id objects.ID) (*thread.Thread, error) {
	th, ok := k.threads.GetNoProtection(id)
	if !ok {
		return nil, fmt.Errorf("kernel: thread %v: %w", id, status.InvalidID)
	}
	return th, nil
}

// ThreadByName returns the id of the thread created with name.
func (k *Kernel) ThreadByName(name string) (objects.ID, error) {
	return k.threads.GetByName(objects.NameOf(name))
}

// cpuOf is the processor a thread's events are recorded on.
func (k *Kernel) cpuOf(th *thread.Thread) int {
	if in := k.bySched[th.Scheduler()]; in != nil {
		return in.home()
	}
	return 0
}

func (k *Kernel) note(th *thread.Thread, ev record.Event, arg uint64) {
	k.rec.Record(k.cpuOf(th), ev, uint32(th.ID()), arg)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// CreateThread allocates a dormant thread. Either every resource of the thread is taken or none.
//
// Errors: status.InvalidName for an unknown scheduler, status.InvalidPriority for a priority
// outside the scheduler's range, status.TooMany when the directory, the scheduler or the
// watchdog is exhausted.
func (k *Kernel) CreateThread(tc ThreadConfig) (objects.ID, error) {
	in, err := k.instance(tc.Scheduler)
	if err != nil {
		return objects.None, err
	}
	core, err := in.toCore(tc.Priority)
	if err != nil {
		return objects.None, err
	}

	th, err := k.threads.Allocate()
	if err != nil {
		return objects.None, fmt.Errorf("kernel: thread directory: %w", err)
	}
	h, err := in.sched.NodeInitialize(uint32(th.ID()), core)
	if err != nil {
		k.threads.Free(th)
		return objects.None, fmt.Errorf("kernel: scheduler %q node: %w", in.name, err)
	}
	timer, err := k.wd.Borrow()
	if err != nil {
		in.sched.NodeDestroy(h)
		k.threads.Free(th)
		return objects.None, fmt.Errorf("kernel: thread timer: %w", status.TooMany)
	}
	if tc.Name != "" {
		if err := k.threads.Open(th, objects.NameOf(tc.Name)); err != nil {
			k.wd.Return(timer)
			in.sched.NodeDestroy(h)
			k.threads.Free(th)
			return objects.None, err
		}
	}

	th.Bind(in.sched, h, core)
	th.Timer = timer
	if tc.Budget != scheduler.BudgetNone {
		slice := tc.Timeslice
		if slice == 0 {
			slice = uint64(k.cfg.TicksPerTimeslice)
		}
		in.sched.SetBudget(h, tc.Budget, slice)
	}
	if tc.NonPreemptible {
		in.sched.SetPreemptible(h, false)
	}
	k.table.Set(th.Slot(), th)
	k.note(th, record.EventAllocate, core)
	return th.ID(), nil
}

// StartThread makes a dormant thread ready.
func (k *Kernel) StartThread(id objects.ID) error {
	th, g, err := k.lookup(id)
	if err != nil {
		return err
	}
	defer k.enable(&g)
	if th.State()&thread.Dormant == 0 {
		return fmt.Errorf("kernel: %v already started: %w", id, status.IncorrectState)
	}
	th.ClearState(thread.Dormant)
	k.note(th, record.EventStart, 0)
	return nil
}

// RestartThread returns a started thread to its initial priority and makes it ready again.
// A thread holding mutexes cannot be restarted.
func (k *Kernel) RestartThread(id objects.ID) error {
	th, g, err := k.lookup(id)
	if err != nil {
		return err
	}
	defer k.enable(&g)
	if th.State()&thread.Dormant != 0 {
		return fmt.Errorf("kernel: %v not started: %w", id, status.IncorrectState)
	}
	if th.Resources() > 0 {
		return fmt.Errorf("kernel: %v holds %d resources: %w", id, th.Resources(), status.ResourceInUse)
	}
	k.quiesce(th)
	th.ClearState(thread.Dormant)
	k.note(th, record.EventStart, uint64(th.Restarts()))
	return nil
}

// DeleteThread removes a thread wherever it is: waiting, delayed, ready or executing.
// A thread holding mutexes cannot be deleted.
func (k *Kernel) DeleteThread(id objects.ID) error {
	th, g, err := k.lookup(id)
	if err != nil {
		return err
	}
	defer k.enable(&g)
	if th.Resources() > 0 {
		return fmt.Errorf("kernel: %v holds %d resources: %w", id, th.Resources(), status.ResourceInUse)
	}
	k.quiesce(th)
	cpu := k.cpuOf(th)
	k.rec.Record(cpu, record.EventDelete, uint32(id), 0)

	th.Scheduler().NodeDestroy(th.Node())
	th.Unbind()
	k.wd.Return(th.Timer)
	th.Timer = watchdog.Invalid
	k.table.Set(th.Slot(), nil)
	if err := k.threads.Free(th); err != nil {
		status.Fatal(status.SourceKernel, "free %v: %v", id, err)
	}
	k.rec.Record(cpu, record.EventFree, uint32(id), 0)
	return nil
}

// quiesce leaves th dormant: off every queue, without an armed timer, at its real priority.
func (k *Kernel) quiesce(th *thread.Thread) {
	th.SetState(thread.Dormant)
	if q := th.WaitingOn(); q != nil {
		q.Extract(th)
	}
	k.wd.Cancel(th.Timer)
	th.Reset()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SCHEDULING OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// SetPriority changes the real priority of a thread and returns the previous one, both as API
// priorities. A waiting thread is re-sorted in its queue.
func (k *Kernel) SetPriority(id objects.ID, p uint64) (uint64, error) {
	th, g, err := k.lookup(id)
	if err != nil {
		return 0, err
	}
	defer k.enable(&g)
	in := k.bySched[th.Scheduler()]
	core, err := in.toCore(p)
	if err != nil {
		return 0, err
	}
	old := th.SetRealPriority(core)
	requeue(th)
	k.note(th, record.EventPriority, core)
	return in.sched.UnmapPriority(old), nil
}

// Priority returns the current and real API priority of a thread.
func (k *Kernel) Priority(id objects.ID) (current, real uint64, err error) {
	th, err := k.Thread(id)
	if err != nil {
		return 0, 0, err
	}
	s := th.Scheduler()
	return s.UnmapPriority(th.Priority()), s.UnmapPriority(th.RealPriority()), nil
}

// SetScheduler moves a thread to another scheduler instance at priority p of that instance.
// Budget and preemption settings carry over. A server attachment and a processor affinity do
// not. Naming the thread's own instance only sets its priority.
//
// Errors: status.InvalidName for an unknown instance, status.InvalidPriority for a priority
// outside its range, status.ResourceInUse while the thread holds mutexes or waits on a queue,
// status.TooMany when the instance has no free node.
func (k *Kernel) SetScheduler(id objects.ID, sched string, p uint64) error {
	th, g, err := k.lookup(id)
	if err != nil {
		return err
	}
	defer k.enable(&g)
	in, err := k.instance(sched)
	if err != nil {
		return err
	}
	core, err := in.toCore(p)
	if err != nil {
		return err
	}
	if th.Resources() > 0 || th.WaitingOn() != nil {
		return fmt.Errorf("kernel: %v holds resources or waits: %w", id, status.ResourceInUse)
	}
	old := th.Scheduler()
	if old == in.sched {
		th.SetRealPriority(core)
		k.note(th, record.EventPriority, core)
		return nil
	}

	info := old.Node(th.Node())
	h, err := in.sched.NodeInitialize(uint32(id), core)
	if err != nil {
		return fmt.Errorf("kernel: scheduler %q node: %w", in.name, err)
	}
	if info.Budget != scheduler.BudgetCallout {
		in.sched.SetBudget(h, info.Budget, info.Timeslice)
	}
	in.sched.SetPreemptible(h, info.Preemptible)
	th.Migrate(in.sched, h, core)
	k.note(th, record.EventMigrate, uint64(in.home()))
	return nil
}

// SetAffinity restricts a thread to one processor of its instance, or to all of them when cpu
// is negative. Only edf-smp instances with more than one processor pin threads.
//
// Errors: status.InvalidNumber for an unknown processor or one the instance cannot hold the
// thread to.
func (k *Kernel) SetAffinity(id objects.ID, cpu int) error {
	th, g, err := k.lookup(id)
	if err != nil {
		return err
	}
	defer k.enable(&g)
	var p *percpu.Processor
	if cpu >= 0 {
		if p, err = k.processor(cpu); err != nil {
			return err
		}
	}
	if err := th.Scheduler().SetAffinity(th.Node(), p); err != nil {
		return fmt.Errorf("kernel: affinity of %v to processor %d: %w", id, cpu, err)
	}
	return nil
}

// Affinity returns the processor a thread is restricted to, or -1 when it may use every
// processor of its instance.
func (k *Kernel) Affinity(id objects.ID) (int, error) {
	th, err := k.Thread(id)
	if err != nil {
		return -1, err
	}
	return th.Scheduler().Node(th.Node()).Affinity, nil
}

// Yield moves a ready thread behind the other ready threads of its priority.
func (k *Kernel) Yield(id objects.ID) error {
	th, g, err := k.lookup(id)
	if err != nil {
		return err
	}
	defer k.enable(&g)
	if !th.IsReady() {
		return fmt.Errorf("kernel: %v is %v: %w", id, th.State(), status.IncorrectState)
	}
	th.Scheduler().Yield(th.Node())
	return nil
}

// Suspend adds the suspended state. It fails with status.IncorrectState when already suspended.
func (k *Kernel) Suspend(id objects.ID) error {
	th, g, err := k.lookup(id)
	if err != nil {
		return err
	}
	defer k.enable(&g)
	if th.SetState(thread.Suspended)&thread.Suspended != 0 {
		return fmt.Errorf("kernel: %v already suspended: %w", id, status.IncorrectState)
	}
	k.note(th, record.EventBlock, uint64(thread.Suspended))
	return nil
}

// Resume clears the suspended state. It fails with status.IncorrectState when not suspended.
func (k *Kernel) Resume(id objects.ID) error {
	th, g, err := k.lookup(id)
	if err != nil {
		return err
	}
	defer k.enable(&g)
	if th.ClearState(thread.Suspended)&thread.Suspended == 0 {
		return fmt.Errorf("kernel: %v not suspended: %w", id, status.IncorrectState)
	}
	k.note(th, record.EventUnblock, uint64(thread.Suspended))
	return nil
}

// Delay blocks a ready thread for the given number of ticks. Zero ticks yields.
func (k *Kernel) Delay(id objects.ID, ticks uint64) error {
	th, g, err := k.lookup(id)
	if err != nil {
		return err
	}
	defer k.enable(&g)
	if !th.IsReady() {
		return fmt.Errorf("kernel: %v is %v: %w", id, th.State(), status.IncorrectState)
	}
	if ticks == 0 {
		th.Scheduler().Yield(th.Node())
		return nil
	}
	th.SetState(thread.WaitingForTime)
	if err := k.wd.Insert(th.Timer, ticks, k.wakeDelayed, th, uint64(th.Restarts())); err != nil {
		th.ClearState(thread.WaitingForTime)
		return fmt.Errorf("kernel: delay %v: %w", id, err)
	}
	k.note(th, record.EventBlock, uint64(thread.WaitingForTime))
	return nil
}

// wakeDelayed ends a delay. arg is the restart count at the time the delay began.
func (k *Kernel) wakeDelayed(obj any, arg uint64) {
	th := obj.(*thread.Thread)
	if uint64(th.Restarts()) != arg {
		return
	}
	if th.ClearState(thread.WaitingForTime)&thread.WaitingForTime != 0 {
		k.note(th, record.EventUnblock, uint64(thread.WaitingForTime))
	}
}

// Status returns the outcome of a thread's last wait. It fails with status.IncorrectState while
// the thread is still blocked.
func (k *Kernel) Status(id objects.ID) (status.Code, error) {
	th, err := k.Thread(id)
	if err != nil {
		return status.Successful, err
	}
	if !th.IsReady() {
		return status.Successful, fmt.Errorf("kernel: %v is %v: %w", id, th.State(), status.IncorrectState)
	}
	return th.Wait.ReturnCode, nil
}

// requeue re-sorts a waiting thread after its ordering key changed. Owners of the queue it
// waits on pick up the new key through inheritance.
func requeue(th *thread.Thread) {
	if q, ok := th.WaitingOn().(*threadq.Queue); ok {
		q.Requeue(th)
	}
}
