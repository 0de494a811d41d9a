package kernel

import (
	"fmt"

	"rtcore/objects"
	"rtcore/record"
	"rtcore/scheduler"
	"rtcore/status"
)

// CBS returns the named instance as a constant bandwidth server scheduler. It fails with
// status.NotDefined when the instance runs another algorithm.
func (k *Kernel) CBS(sched string) (*scheduler.CBS, error) {
	in, err := k.instance(sched)
	if err != nil {
		return nil, err
	}
	if in.cbs == nil {
		return nil, fmt.Errorf("kernel: scheduler %q is %v: %w", in.name, in.sched.Algorithm(), status.NotDefined)
	}
	return in.cbs, nil
}

// CreateServer creates a server on the named CBS instance. Overruns are recorded before handler,
// which may be nil, runs.
func (k *Kernel) CreateServer(sched string, p scheduler.ServerParameters, policy scheduler.OverrunPolicy, handler scheduler.OverrunHandler) (int, error) {
	c, err := k.CBS(sched)
	if err != nil {
		return -1, err
	}
	cpu := k.bySched[c].home()
	return c.CreateServer(p, policy, func(server int) {
		k.rec.Record(cpu, record.EventOverrun, 0, uint64(server))
		if handler != nil {
			handler(server)
		}
	})
}

// AttachThread binds a thread to a server of its home CBS instance.
func (k *Kernel) AttachThread(server int, id objects.ID) error {
	th, g, err := k.lookup(id)
	if err != nil {
		return err
	}
	defer k.enable(&g)
	in := k.bySched[th.Scheduler()]
	if in.cbs == nil {
		return fmt.Errorf("kernel: %v is not on a cbs scheduler: %w", id, status.NotDefined)
	}
	return in.cbs.AttachThread(server, th.Node())
}

// DetachThread unbinds a thread from its server.
func (k *Kernel) DetachThread(server int, id objects.ID) error {
	th, g, err := k.lookup(id)
	if err != nil {
		return err
	}
	defer k.enable(&g)
	in := k.bySched[th.Scheduler()]
	if in.cbs == nil {
		return fmt.Errorf("kernel: %v is not on a cbs scheduler: %w", id, status.NotDefined)
	}
	return in.cbs.DetachThread(server, th.Node())
}

// ReleaseJob starts a job of a thread on a deadline driven scheduler, due relative ticks from
// now. It returns the absolute deadline. Fixed priority schedulers ignore jobs.
func (k *Kernel) ReleaseJob(id objects.ID, relative uint64) (uint64, error) {
	th, g, err := k.lookup(id)
	if err != nil {
		return 0, err
	}
	defer k.enable(&g)
	if relative == 0 {
		return 0, fmt.Errorf("kernel: job of %v without deadline: %w", id, status.InvalidNumber)
	}
	deadline := k.wd.Ticks() + relative
	th.Scheduler().ReleaseJob(th.Node(), deadline)
	requeue(th)
	k.note(th, record.EventReplenish, deadline)
	return deadline, nil
}

// CancelJob ends the current job of a thread.
func (k *Kernel) CancelJob(id objects.ID) error {
	th, g, err := k.lookup(id)
	if err != nil {
		return err
	}
	defer k.enable(&g)
	th.Scheduler().CancelJob(th.Node())
	requeue(th)
	return nil
}
