package scheduler

import (
	"rtcore/percpu"
	"rtcore/status"
)

// uniprocessor drives one processor from a single ready structure. The executing node stays
// in the ready structure; the heir is always its first node unless a non-preemptible heir holds
// on and nothing forces the switch.
type uniprocessor struct {
	*base
	ready readyQueue
	heir  Handle
}

func newUniprocessor(b *base, ready readyQueue) *uniprocessor {
	return &uniprocessor{base: b, ready: ready, heir: NoNode}
}

func (u *uniprocessor) cpu() *percpu.Processor {
	if len(u.cpus) == 0 {
		return nil
	}
	return u.cpus[0]
}

func (u *uniprocessor) AddProcessor(cpu *percpu.Processor, idleOwner uint32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.cpus) != 0 {
		return status.TooMany
	}
	h, err := u.allocLocked(idleOwner, u.idleKey(), true)
	if err != nil {
		return err
	}
	u.cpus = append(u.cpus, cpu)
	for i := range u.nodes {
		if u.nodes[i].inUse {
			u.nodes[i].cpu = cpu
		}
	}
	n := &u.nodes[h]
	n.state = Ready
	u.ready.insert(h, n.key, true)
	u.scheduleLocked(true)
	return nil
}

func (u *uniprocessor) RemoveProcessor(cpu *percpu.Processor) (uint32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cpu() != cpu || cpu == nil {
		return 0, status.InvalidNumber
	}
	if u.threads != 0 {
		return 0, status.ResourceInUse
	}
	idle := u.ready.first()
	owner := u.nodes[idle].owner
	u.ready.extract(idle)
	u.freeLocked(idle)
	u.cpus = u.cpus[:0]
	u.heir = NoNode
	return owner, nil
}

func (u *uniprocessor) NodeInitialize(owner uint32, priority uint64) (Handle, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	h, err := u.allocLocked(owner, priority, false)
	if err != nil {
		return NoNode, err
	}
	u.nodes[h].cpu = u.cpu()
	return h, nil
}

func (u *uniprocessor) NodeDestroy(h Handle) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.blockLocked(h)
	u.freeLocked(h)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// READY SET OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (u *uniprocessor) Block(h Handle) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.blockLocked(h)
}

func (u *uniprocessor) blockLocked(h Handle) {
	n := u.at(h)
	if n.state != Ready {
		return
	}
	if n.idle {
		status.Fatal(status.SourceScheduler, "%s: idle node %d blocked", u.name, h)
	}
	u.ready.extract(h)
	n.state = Blocked
	if h == u.heir || (n.cpu != nil && n.cpu.Executing() == n.owner) {
		u.scheduleLocked(true)
	}
}

func (u *uniprocessor) Unblock(h Handle) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.unblockLocked(h)
}

func (u *uniprocessor) unblockLocked(h Handle) {
	n := u.at(h)
	if n.state != Blocked {
		return
	}
	n.state = Ready
	u.ready.insert(h, n.key, true)
	if u.heir == NoNode || n.key < u.nodes[u.heir].key {
		u.updateHeirLocked(h, false)
	}
}

func (u *uniprocessor) Yield(h Handle) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.yieldLocked(h)
}

func (u *uniprocessor) yieldLocked(h Handle) {
	n := u.at(h)
	if n.state == Ready {
		u.ready.extract(h)
		u.ready.insert(h, n.key, true)
	}
	u.scheduleLocked(true)
}

func (u *uniprocessor) Tick(h Handle) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if yield, _ := u.tickLocked(h); yield {
		u.yieldLocked(h)
	}
}

func (u *uniprocessor) UpdatePriority(h Handle, priority uint64, prepend bool) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := u.at(h)
	n.priority = priority
	u.requeueLocked(h, prepend)
	return n.key
}

// requeueLocked re-sorts h after its priority or deadline changed.
func (u *uniprocessor) requeueLocked(h Handle, prepend bool) {
	n := &u.nodes[h]
	n.rekey()
	if n.state != Ready {
		return
	}
	u.ready.extract(h)
	u.ready.insert(h, n.key, !prepend)
	u.scheduleLocked(false)
}

func (u *uniprocessor) Schedule(cpu *percpu.Processor) uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.scheduleLocked(false)
	if u.heir == NoNode {
		return 0
	}
	return u.nodes[u.heir].owner
}

func (u *uniprocessor) scheduleLocked(force bool) {
	if top := u.ready.first(); top != NoNode {
		u.updateHeirLocked(top, force)
	}
}

func (u *uniprocessor) updateHeirLocked(h Handle, force bool) {
	if h == u.heir {
		return
	}
	if u.heir != NoNode {
		cur := &u.nodes[u.heir]
		if cur.inUse && cur.state == Ready && !cur.preemptible && !force {
			return
		}
	}
	u.heir = h
	if cpu := u.cpu(); cpu != nil {
		cpu.SetHeir(u.nodes[h].owner, u.requester())
	}
}

func (u *uniprocessor) AskForHelp(Handle) bool { return false }

// SetAffinity accepts the instance's own processor, which changes nothing.
func (u *uniprocessor) SetAffinity(h Handle, cpu *percpu.Processor) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := u.at(h)
	if cpu != nil && cpu != u.cpu() {
		return status.InvalidNumber
	}
	n.affinity = cpu
	return nil
}

func (u *uniprocessor) Highest() Handle {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ready.first()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// JOBS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (u *uniprocessor) ReleaseJob(h Handle, deadline uint64) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.releaseJobLocked(h, deadline)
}

func (u *uniprocessor) releaseJobLocked(h Handle, deadline uint64) uint64 {
	n := u.at(h)
	if !u.alg.deadlineDriven() {
		return n.key
	}
	n.deadline = clampDeadline(deadline)
	u.requeueLocked(h, false)
	return n.key
}

func (u *uniprocessor) CancelJob(h Handle) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cancelJobLocked(h)
}

func (u *uniprocessor) cancelJobLocked(h Handle) uint64 {
	n := u.at(h)
	if n.deadline != 0 {
		n.deadline = 0
		u.requeueLocked(h, false)
	}
	return n.key
}
