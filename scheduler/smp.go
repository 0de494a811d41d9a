// ════════════════════════════════════════════════════════════════════════════════════════════════
// SMP Scheduler Framework
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Scheduled / Ready Set Management Across Processors
//
// Description:
//   Nodes are Blocked, Ready or Scheduled. Exactly one node is Scheduled per owned processor and
//   no Ready node is more urgent than any Scheduled node. Idle nodes (one per processor) fill the
//   scheduled set when there is not enough work, so a newly ready thread finds an idle processor
//   simply by preempting the least urgent scheduled node. The scheduled set is a short ordered
//   list; the ready set uses the variant's structure. One mutex per instance serializes
//   everything, so unrelated instances never contend.
//
// Affinity:
//   edf-smp nodes may be pinned to one processor. Pinned ready nodes wait in that processor's
//   own heap, and a processor that falls vacant takes the more urgent of the shared and its own
//   first node. A node preempted by a pinned one moves on to a processor it may use that runs
//   something strictly less urgent.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package scheduler

import (
	"rtcore/percpu"
	"rtcore/status"
)

type smp struct {
	*base
	scheduled *listQueue
	ready     readyQueue
	affine    map[*percpu.Processor]readyQueue // pinned ready nodes, edf-smp only
}

func newSMP(b *base, ready readyQueue) *smp {
	s := &smp{base: b, scheduled: newListQueue(len(b.nodes)), ready: ready}
	if b.alg == AlgorithmEDFSMP {
		s.affine = make(map[*percpu.Processor]readyQueue)
	}
	return s
}

// readyFor returns the ready structure h waits in.
func (s *smp) readyFor(h Handle) readyQueue {
	if cpu := s.nodes[h].affinity; cpu != nil {
		return s.affine[cpu]
	}
	return s.ready
}

// bestReadyLocked returns the most urgent ready node allowed on cpu.
func (s *smp) bestReadyLocked(cpu *percpu.Processor) Handle {
	r := s.ready.first()
	if q, ok := s.affine[cpu]; ok {
		if a := q.first(); a != NoNode && (r == NoNode || s.nodes[a].key <= s.nodes[r].key) {
			r = a
		}
	}
	return r
}

// victimLocked returns the scheduled node h would replace: the least urgent one overall, or
// the one on its processor when h is pinned.
func (s *smp) victimLocked(h Handle) Handle {
	cpu := s.nodes[h].affinity
	if cpu == nil {
		return s.scheduled.last()
	}
	for v := s.scheduled.first(); v != NoNode; v = s.scheduled.next(v) {
		if s.nodes[v].cpu == cpu {
			return v
		}
	}
	return NoNode
}

// precedes reports whether a should run before incumbent b. A node queued behind equals
// (appendFlag) needs a strictly lower key.
func (s *smp) precedes(a, b Handle, appendFlag bool) bool {
	ka, kb := s.nodes[a].key, s.nodes[b].key
	if appendFlag {
		return ka < kb
	}
	return ka <= kb
}

func (s *smp) scheduleOnLocked(h Handle, cpu *percpu.Processor) {
	n := &s.nodes[h]
	n.state = Scheduled
	n.cpu = cpu
	s.scheduled.insert(h, n.key, true)
	cpu.SetHeir(n.owner, s.requester())
}

// enqueueLocked admits a node that is in neither set. It preempts the scheduled node it would
// replace when h precedes it.
func (s *smp) enqueueLocked(h Handle, appendFlag bool) bool {
	if v := s.victimLocked(h); v != NoNode && s.precedes(h, v, appendFlag) {
		s.preemptLocked(v, h)
		return true
	}
	n := &s.nodes[h]
	n.state = Ready
	s.readyFor(h).insert(h, n.key, appendFlag)
	return false
}

// preemptLocked gives the processor of the scheduled node victim to h, which is in neither set.
func (s *smp) preemptLocked(victim, h Handle) {
	cpu := s.nodes[victim].cpu
	s.scheduled.extract(victim)
	s.scheduleOnLocked(h, cpu)
	s.placeLocked(victim, false)
}

// placeLocked finds room for h after it left the scheduled set: another processor it may use
// that runs something strictly less urgent, or its ready structure.
func (s *smp) placeLocked(h Handle, appendFlag bool) {
	if v := s.victimLocked(h); v != NoNode && s.precedes(h, v, true) {
		s.preemptLocked(v, h)
		return
	}
	n := &s.nodes[h]
	n.state = Ready
	s.readyFor(h).insert(h, n.key, appendFlag)
}

// vacateLocked hands cpu to the most urgent ready node allowed on it.
func (s *smp) vacateLocked(cpu *percpu.Processor) {
	r := s.bestReadyLocked(cpu)
	if r == NoNode {
		status.Fatal(status.SourceScheduler, "%s: no ready node for processor %d", s.name, cpu.Index())
	}
	s.readyFor(r).extract(r)
	s.scheduleOnLocked(r, cpu)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PROCESSORS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (s *smp) AddProcessor(cpu *percpu.Processor, idleOwner uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cpus) >= s.maxCPUs {
		return status.TooMany
	}
	for _, c := range s.cpus {
		if c == cpu {
			return status.ResourceInUse
		}
	}
	h, err := s.allocLocked(idleOwner, s.idleKey(), true)
	if err != nil {
		return err
	}
	s.cpus = append(s.cpus, cpu)
	if s.affine != nil {
		s.affine[cpu] = newHeapQueue(len(s.nodes))
	}
	n := &s.nodes[h]
	n.state = Ready
	s.ready.insert(h, n.key, true)
	s.vacateLocked(cpu)
	return nil
}

// RemoveProcessor takes cpu away from the instance and destroys one idle node, whose owner is
// returned. The last processor can only go when no thread nodes remain, and no processor while
// a node is pinned to it.
func (s *smp) RemoveProcessor(cpu *percpu.Processor) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := -1
	for i, c := range s.cpus {
		if c == cpu {
			at = i
		}
	}
	if at < 0 {
		return 0, status.InvalidNumber
	}
	if len(s.cpus) == 1 && s.threads != 0 {
		return 0, status.ResourceInUse
	}
	for i := range s.nodes {
		if n := &s.nodes[i]; n.inUse && n.affinity == cpu {
			return 0, status.ResourceInUse
		}
	}

	victim := NoNode
	for h := s.scheduled.first(); h != NoNode; h = s.scheduled.next(h) {
		if s.nodes[h].cpu == cpu {
			victim = h
			break
		}
	}
	if victim == NoNode {
		status.Fatal(status.SourceScheduler, "%s: processor %d has no scheduled node", s.name, cpu.Index())
	}
	s.scheduled.extract(victim)
	s.cpus = append(s.cpus[:at], s.cpus[at+1:]...)
	delete(s.affine, cpu)

	idle := victim
	if !s.nodes[victim].idle {
		idle = s.takeIdleLocked()
		s.nodes[victim].state = Blocked
		s.enqueueLocked(victim, false)
	}
	owner := s.nodes[idle].owner
	s.freeLocked(idle)
	return owner, nil
}

// takeIdleLocked detaches an idle node from the ready set, or from the scheduled set when all
// idle nodes are scheduled; its processor then goes to the most urgent ready node.
func (s *smp) takeIdleLocked() Handle {
	for i := range s.nodes {
		n := &s.nodes[i]
		if n.inUse && n.idle && n.state == Ready {
			s.ready.extract(Handle(i))
			return Handle(i)
		}
	}
	for i := range s.nodes {
		n := &s.nodes[i]
		if n.inUse && n.idle && n.state == Scheduled {
			s.scheduled.extract(Handle(i))
			s.vacateLocked(n.cpu)
			return Handle(i)
		}
	}
	status.Fatal(status.SourceScheduler, "%s: idle nodes lost", s.name)
	return NoNode
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// NODES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (s *smp) NodeInitialize(owner uint32, priority uint64) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocLocked(owner, priority, false)
}

func (s *smp) NodeDestroy(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockLocked(h)
	s.freeLocked(h)
}

func (s *smp) Block(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockLocked(h)
}

func (s *smp) blockLocked(h Handle) {
	n := s.at(h)
	switch n.state {
	case Scheduled:
		if n.idle {
			status.Fatal(status.SourceScheduler, "%s: idle node %d blocked", s.name, h)
		}
		cpu := n.cpu
		s.scheduled.extract(h)
		n.state = Blocked
		s.vacateLocked(cpu)
	case Ready:
		s.readyFor(h).extract(h)
		n.state = Blocked
	}
}

func (s *smp) Unblock(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.at(h).state == Blocked {
		s.enqueueLocked(h, true)
	}
}

func (s *smp) Yield(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.yieldLocked(h)
}

func (s *smp) yieldLocked(h Handle) {
	n := s.at(h)
	switch n.state {
	case Scheduled:
		cpu := n.cpu
		r := s.bestReadyLocked(cpu)
		if r == NoNode || s.nodes[r].key > n.key {
			return
		}
		s.scheduled.extract(h)
		s.readyFor(r).extract(r)
		s.scheduleOnLocked(r, cpu)
		s.placeLocked(h, true)
	case Ready:
		q := s.readyFor(h)
		q.extract(h)
		q.insert(h, n.key, true)
	}
}

func (s *smp) Tick(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if yield, _ := s.tickLocked(h); yield {
		s.yieldLocked(h)
	}
}

func (s *smp) UpdatePriority(h Handle, priority uint64, prepend bool) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.at(h)
	n.priority = priority
	s.requeueLocked(h, prepend)
	return n.key
}

func (s *smp) requeueLocked(h Handle, prepend bool) {
	n := &s.nodes[h]
	n.rekey()
	switch n.state {
	case Ready:
		s.readyFor(h).extract(h)
		n.state = Blocked
		s.enqueueLocked(h, !prepend)
	case Scheduled:
		cpu := n.cpu
		s.scheduled.extract(h)
		if r := s.bestReadyLocked(cpu); r != NoNode && s.precedes(r, h, prepend) {
			s.readyFor(r).extract(r)
			s.scheduleOnLocked(r, cpu)
			s.placeLocked(h, !prepend)
			return
		}
		s.scheduled.insert(h, n.key, !prepend)
	}
}

// Schedule returns the heir already chosen for cpu; SMP heirs are assigned eagerly.
func (s *smp) Schedule(cpu *percpu.Processor) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h := s.scheduled.first(); h != NoNode; h = s.scheduled.next(h) {
		if s.nodes[h].cpu == cpu {
			return s.nodes[h].owner
		}
	}
	return 0
}

// AskForHelp moves a ready node onto a processor running something less urgent.
func (s *smp) AskForHelp(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.at(h)
	if n.state != Ready {
		return false
	}
	v := s.victimLocked(h)
	if v == NoNode || !s.precedes(h, v, true) {
		return false
	}
	s.readyFor(h).extract(h)
	n.state = Blocked
	return s.enqueueLocked(h, true)
}

// SetAffinity pins h to cpu or, with cpu nil, lets it run on every processor. A pinned node
// scheduled elsewhere leaves its processor and competes for cpu.
func (s *smp) SetAffinity(h Handle, cpu *percpu.Processor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.at(h)
	if cpu != nil {
		if _, ok := s.affine[cpu]; !ok {
			return status.InvalidNumber
		}
	}
	if n.affinity == cpu {
		return nil
	}
	switch n.state {
	case Ready:
		s.readyFor(h).extract(h)
		n.affinity = cpu
		n.state = Blocked
		s.enqueueLocked(h, true)
	case Scheduled:
		n.affinity = cpu
		if cpu == nil || n.cpu == cpu {
			return nil
		}
		old := n.cpu
		s.scheduled.extract(h)
		n.state = Blocked
		s.vacateLocked(old)
		s.enqueueLocked(h, true)
	default:
		n.affinity = cpu
	}
	return nil
}

func (s *smp) Highest() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled.first()
}

func (s *smp) ReleaseJob(h Handle, deadline uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.at(h)
	if s.alg.deadlineDriven() {
		n.deadline = clampDeadline(deadline)
		s.requeueLocked(h, false)
	}
	return n.key
}

func (s *smp) CancelJob(h Handle) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.at(h)
	if n.deadline != 0 {
		n.deadline = 0
		s.requeueLocked(h, false)
	}
	return n.key
}
