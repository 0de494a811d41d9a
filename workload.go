package main

// workload.go — periodic task set driven from the clock loop.
//
// Each task runs jobs of a fixed number of ticks. A job holds its instance's inheritance mutex
// for its whole length and delays one period when done. Tasks of deadline driven instances
// release a job with the period as relative deadline; tasks of CBS instances run inside a
// server sized to their job.

import (
	"fmt"

	"rtcore/constants"
	"rtcore/debug"
	"rtcore/kernel"
	"rtcore/mutex"
	"rtcore/objects"
	"rtcore/scheduler"
	"rtcore/threadq"
)

type task struct {
	id       objects.ID
	mx       objects.ID
	period   uint64
	work     uint64
	left     uint64
	started  bool
	deadline bool
}

type taskSet struct {
	k     *kernel.Kernel
	tasks map[objects.ID]*task
	jobs  int
}

// newTaskSet creates and starts tasksPerProcessor tasks for every processor of every
// scheduler instance.
func newTaskSet(k *kernel.Kernel) (*taskSet, error) {
	ts := &taskSet{k: k, tasks: make(map[objects.ID]*task)}
	cfg := k.Config()
	for _, sc := range cfg.Schedulers {
		alg, err := scheduler.ParseAlgorithm(sc.Algorithm)
		if err != nil {
			return nil, err
		}
		mx, err := k.CreateMutex(kernel.MutexConfig{
			Protocol:   mutex.ProtocolInherit,
			Discipline: threadq.Priority,
		})
		if err != nil {
			return nil, err
		}

		n := tasksPerProcessor * len(sc.Processors)
		for i := 0; i < n; i++ {
			t := &task{
				mx:     mx,
				period: uint64(10 * (i + 2)),
				work:   uint64(i%3 + 1),
			}
			t.left = t.work
			prio := uint64(i+1) * (sc.MaximumPriority - 1) / uint64(n+1)
			if prio == 0 {
				prio = 1
			}
			t.id, err = k.CreateThread(kernel.ThreadConfig{
				Name:      fmt.Sprintf("T%03d", len(ts.tasks)),
				Priority:  prio,
				Scheduler: sc.Name,
				Budget:    scheduler.BudgetResetTimeslice,
			})
			if err != nil {
				return nil, err
			}
			switch alg {
			case scheduler.AlgorithmEDF, scheduler.AlgorithmEDFSMP:
				t.deadline = true
			case scheduler.AlgorithmCBS:
				t.deadline = true
				if err := ts.serve(sc.Name, t); err != nil {
					debug.DropError("CBS", err)
				}
			}
			if err := k.StartThread(t.id); err != nil {
				return nil, err
			}
			ts.tasks[t.id] = t
		}
	}
	return ts, nil
}

// serve puts t in a server whose budget covers one job per period.
func (ts *taskSet) serve(sched string, t *task) error {
	server, err := ts.k.CreateServer(sched, scheduler.ServerParameters{
		Budget: t.work,
		Period: t.period,
	}, scheduler.OverrunBackground, nil)
	if err != nil {
		return err
	}
	return ts.k.AttachThread(server, t.id)
}

// step charges the tick that just passed to every executing task.
func (ts *taskSet) step() {
	for cpu := range ts.k.Config().Processors {
		id, err := ts.k.Executing(cpu)
		if err != nil {
			continue
		}
		if t, ok := ts.tasks[id]; ok {
			ts.run(t)
		}
	}
}

func (ts *taskSet) run(t *task) {
	k := ts.k
	if !t.started {
		t.started = true
		if t.deadline {
			if _, err := k.ReleaseJob(t.id, t.period); err != nil {
				debug.DropError("JOB", err)
			}
		}
	}
	mx, err := k.Mutex(t.mx)
	if err != nil {
		debug.DropError("MUTEX", err)
		return
	}
	if owner := mx.Owner(); owner == nil || owner.ID() != t.id {
		// Blocked behind the owner; the hand-off makes the task owner before it runs again.
		if ok, err := k.Seize(t.id, t.mx, true, constants.NoTimeout); !ok || err != nil {
			return
		}
	}

	t.left--
	if t.left > 0 {
		return
	}
	if _, err := k.Surrender(t.id, t.mx); err != nil {
		debug.DropError("MUTEX", err)
	}
	if t.deadline {
		if err := k.CancelJob(t.id); err != nil {
			debug.DropError("JOB", err)
		}
	}
	t.left, t.started = t.work, false
	ts.jobs++
	if err := k.Delay(t.id, t.period); err != nil {
		debug.DropError("DELAY", err)
	}
}
