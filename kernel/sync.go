package kernel

import (
	"fmt"

	"rtcore/mutex"
	"rtcore/objects"
	"rtcore/record"
	"rtcore/status"
	"rtcore/thread"
	"rtcore/threadq"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// THREAD QUEUES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// NewQueue creates a thread queue on the kernel's shared queue context. Without an observer of
// its own the queue reports waits and wakes to the recorder.
func (k *Kernel) NewQueue(cfg threadq.Config) *threadq.Queue {
	if cfg.Observer == nil {
		cfg.Observer = k
	}
	return k.queues.New(cfg)
}

// Wait blocks caller on q. A finite timeout in ticks ends the wait with the queue's timeout
// status. The outcome is available from Status once the caller is ready again.
func (k *Kernel) Wait(caller objects.ID, q *threadq.Queue, timeout uint64) error {
	th, g, err := k.lookup(caller)
	if err != nil {
		return err
	}
	defer k.enable(&g)
	if !th.IsReady() {
		return fmt.Errorf("kernel: %v is %v: %w", caller, th.State(), status.IncorrectState)
	}
	return q.Enqueue(th, timeout)
}

// Release wakes the first waiter of q with arg as its return argument. It returns the woken
// thread, objects.None when nobody waited.
func (k *Kernel) Release(q *threadq.Queue, arg any) objects.ID {
	g := k.self().DisableDispatch()
	defer k.enable(&g)
	if th := q.Surrender(arg); th != nil {
		return th.ID()
	}
	return objects.None
}

// Broadcast wakes every waiter of q with code and returns how many were woken.
func (k *Kernel) Broadcast(q *threadq.Queue, code status.Code) int {
	g := k.self().DisableDispatch()
	defer k.enable(&g)
	return q.Flush(code)
}

// Enqueued implements threadq.Observer.
func (k *Kernel) Enqueued(q *threadq.Queue, t *thread.Thread) {
	k.note(t, record.EventEnqueue, uint64(q.Discipline()))
}

// Woken implements threadq.Observer.
func (k *Kernel) Woken(_ *threadq.Queue, t *thread.Thread, code status.Code) {
	if code == status.Timeout {
		k.note(t, record.EventTimeout, uint64(code))
		return
	}
	k.note(t, record.EventUnblock, uint64(code))
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MUTEXES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// MutexConfig describes a mutex to create.
type MutexConfig struct {
	Name       string
	Protocol   mutex.Protocol
	Discipline threadq.Discipline
	// Ceiling is the API priority of the first scheduler instance owners run at under
	// mutex.ProtocolCeiling.
	Ceiling   uint64
	Recursive bool
}

// CreateMutex allocates and initializes a mutex.
func (k *Kernel) CreateMutex(mc MutexConfig) (objects.ID, error) {
	var ceiling uint64
	if mc.Protocol == mutex.ProtocolCeiling {
		var err error
		if ceiling, err = k.instances[0].toCore(mc.Ceiling); err != nil {
			return objects.None, err
		}
	}
	mx, err := k.mutexes.Allocate()
	if err != nil {
		return objects.None, fmt.Errorf("kernel: mutex directory: %w", err)
	}
	err = mx.Initialize(k.queues, mutex.Config{
		Protocol:   mc.Protocol,
		Discipline: mc.Discipline,
		Ceiling:    ceiling,
		Recursive:  mc.Recursive,
		Observer:   k,
	})
	if err == nil && mc.Name != "" {
		err = k.mutexes.Open(mx, objects.NameOf(mc.Name))
	}
	if err != nil {
		k.mutexes.Free(mx)
		return objects.None, err
	}
	k.rec.Record(0, record.EventAllocate, uint32(mx.ID()), uint64(mc.Protocol))
	return mx.ID(), nil
}

// Mutex returns a live mutex.
func (k *Kernel) Mutex(id objects.ID) (*mutex.Mutex, error) {
	mx, ok := k.mutexes.GetNoProtection(id)
	if !ok {
		return nil, fmt.Errorf("kernel: mutex %v: %w", id, status.InvalidID)
	}
	return mx, nil
}

// Seize obtains mutex id for caller. It reports true when the mutex was obtained at once; with
// wait set, false means the caller now waits and learns the outcome from Status.
func (k *Kernel) Seize(caller, id objects.ID, wait bool, timeout uint64) (bool, error) {
	th, g, err := k.lookup(caller)
	if err != nil {
		return false, err
	}
	defer k.enable(&g)
	if !th.IsReady() {
		return false, fmt.Errorf("kernel: %v is %v: %w", caller, th.State(), status.IncorrectState)
	}
	mx, err := k.Mutex(id)
	if err != nil {
		return false, err
	}
	return mx.Seize(th, wait, timeout)
}

// Surrender releases mutex id held by caller and returns the new owner, objects.None when the
// mutex became free or is still held by caller through nesting.
func (k *Kernel) Surrender(caller, id objects.ID) (objects.ID, error) {
	th, g, err := k.lookup(caller)
	if err != nil {
		return objects.None, err
	}
	defer k.enable(&g)
	mx, err := k.Mutex(id)
	if err != nil {
		return objects.None, err
	}
	next, err := mx.Surrender(th)
	if err != nil {
		return objects.None, err
	}
	if next == nil {
		return objects.None, nil
	}
	k.rec.Record(k.cpuOf(next), record.EventSurrender, uint32(id), uint64(next.ID()))
	return next.ID(), nil
}

// DeleteMutex wakes every waiter with status.ObjectWasDeleted and frees the mutex. An owned
// mutex cannot be deleted.
func (k *Kernel) DeleteMutex(id objects.ID) error {
	mx, err := k.Mutex(id)
	if err != nil {
		return err
	}
	g := k.self().DisableDispatch()
	defer k.enable(&g)
	if _, err := mx.Flush(status.ObjectWasDeleted); err != nil {
		return fmt.Errorf("kernel: delete mutex %v: %w", id, err)
	}
	if err := k.mutexes.Free(mx); err != nil {
		return err
	}
	k.rec.Record(0, record.EventFree, uint32(id), 0)
	return nil
}
