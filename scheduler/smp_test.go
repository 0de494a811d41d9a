package scheduler

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"rtcore/percpu"
	"rtcore/status"
)

func newSMPFixture(t *testing.T, alg Algorithm, cpus int) (*smp, *percpu.Set) {
	t.Helper()
	s, err := New(Config{Algorithm: alg, MaximumNodes: 32, MaximumProcessors: cpus})
	if err != nil {
		t.Fatal(err)
	}
	set := percpu.NewSet(cpus, &percpu.Simulated{})
	for i, cpu := range set.All() {
		if err := s.AddProcessor(cpu, idleOwner+uint32(i)); err != nil {
			t.Fatalf("AddProcessor(%d): %v", i, err)
		}
	}
	return s.(*smp), set
}

func heirs(set *percpu.Set) []uint32 {
	var out []uint32
	for _, cpu := range set.All() {
		out = append(out, cpu.Heir())
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func expectHeirs(t *testing.T, set *percpu.Set, want ...uint32) {
	t.Helper()
	got := heirs(set)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	if len(got) != len(want) {
		t.Fatalf("heirs = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("heirs = %v; want %v", got, want)
		}
	}
}

// checkSMP verifies one scheduled node per processor, each processor's heir matching it, pinned
// nodes on their processor, and no ready node more urgent than a scheduled one it may replace.
func checkSMP(t *testing.T, s *smp) {
	t.Helper()
	if s.scheduled.len() != len(s.cpus) {
		t.Fatalf("%d scheduled nodes for %d processors", s.scheduled.len(), len(s.cpus))
	}
	seen := map[*percpu.Processor]Handle{}
	worst := uint64(0)
	for h := s.scheduled.first(); h != NoNode; h = s.scheduled.next(h) {
		n := &s.nodes[h]
		if _, dup := seen[n.cpu]; n.state != Scheduled || dup {
			t.Fatalf("scheduled node %d inconsistent (state %v)", h, n.state)
		}
		if n.affinity != nil && n.affinity != n.cpu {
			t.Fatalf("node %d pinned to %d runs on %d", h, n.affinity.Index(), n.cpu.Index())
		}
		seen[n.cpu] = h
		if n.cpu.Heir() != n.owner {
			t.Fatalf("processor %d heir %d, scheduled owner %d", n.cpu.Index(), n.cpu.Heir(), n.owner)
		}
		if n.key > worst {
			worst = n.key
		}
	}
	if r := s.ready.first(); r != NoNode && s.nodes[r].key < worst {
		t.Fatalf("ready node key %d beats scheduled key %d", s.nodes[r].key, worst)
	}
	for cpu, q := range s.affine {
		if r := q.first(); r != NoNode && s.nodes[r].key < s.nodes[seen[cpu]].key {
			t.Fatalf("node %d pinned to %d beats its scheduled node %d", r, cpu.Index(), seen[cpu])
		}
	}
}

func TestSMPPlacementAndPreemption(t *testing.T) {
	s, set := newSMPFixture(t, AlgorithmPrioritySMP, 2)
	expectHeirs(t, set, idleOwner, idleOwner+1)

	n1 := ready(t, s, 1, 10)
	expectHeirs(t, set, 1, idleOwner)
	n2 := ready(t, s, 2, 20)
	expectHeirs(t, set, 1, 2)
	n3 := ready(t, s, 3, 5)
	expectHeirs(t, set, 1, 3)
	if s.Node(n2).State != Ready {
		t.Fatal("preempted node must be ready")
	}
	s.Block(n1)
	expectHeirs(t, set, 2, 3)

	ready(t, s, 4, 5)
	expectHeirs(t, set, 3, 4)
	ready(t, s, 5, 5)
	expectHeirs(t, set, 3, 4)
	s.Yield(n3)
	expectHeirs(t, set, 4, 5)
	s.UpdatePriority(n2, s.MapPriority(1), false)
	if s.Node(n2).State != Scheduled {
		t.Fatal("boosted node must be scheduled")
	}
	checkSMP(t, s)
}

func TestSMPAskForHelp(t *testing.T) {
	s, set := newSMPFixture(t, AlgorithmSimpleSMP, 2)
	n1 := ready(t, s, 1, 10)
	n2 := ready(t, s, 2, 10)
	n3 := ready(t, s, 3, 10)
	expectHeirs(t, set, 1, 2)
	if s.AskForHelp(n3) {
		t.Fatal("equal priority must not preempt")
	}
	s.Block(n1)
	if s.AskForHelp(n3) {
		t.Fatal("ready node already moved by Block")
	}
	expectHeirs(t, set, 2, 3)
	_ = n2
}

func TestSMPRemoveProcessor(t *testing.T) {
	s, set := newSMPFixture(t, AlgorithmEDFSMP, 2)
	n1 := ready(t, s, 1, 10)
	cpu := set.Get(s.Node(n1).CPU)
	owner, err := s.RemoveProcessor(cpu)
	if err != nil {
		t.Fatal(err)
	}
	if owner != idleOwner && owner != idleOwner+1 {
		t.Fatalf("removed idle owner %d", owner)
	}
	if len(s.Processors()) != 1 {
		t.Fatal("processor not removed")
	}
	other := s.Processors()[0]
	if other.Heir() != 1 {
		t.Fatalf("thread did not migrate: heir %d", other.Heir())
	}
	checkSMP(t, s)
	if _, err := s.RemoveProcessor(other); !errors.Is(err, status.ResourceInUse) {
		t.Fatalf("removing the last processor = %v", err)
	}
	if _, err := s.RemoveProcessor(cpu); !errors.Is(err, status.InvalidNumber) {
		t.Fatalf("removing a foreign processor = %v", err)
	}
	if err := s.AddProcessor(cpu, 300); err != nil {
		t.Fatal(err)
	}
	checkSMP(t, s)
}

func TestSMPEDFJobs(t *testing.T) {
	s, set := newSMPFixture(t, AlgorithmEDFSMP, 2)
	a := ready(t, s, 1, 10)
	b := ready(t, s, 2, 10)
	c := ready(t, s, 3, 10)
	expectHeirs(t, set, 1, 2)
	s.ReleaseJob(c, 100)
	if s.Node(c).State != Scheduled {
		t.Fatal("job release must preempt a background node")
	}
	s.ReleaseJob(a, 50)
	s.ReleaseJob(b, 60)
	expectHeirs(t, set, 1, 2)
	s.CancelJob(b)
	expectHeirs(t, set, 1, 3)
	checkSMP(t, s)
}

func TestSMPAffinity(t *testing.T) {
	s, set := newSMPFixture(t, AlgorithmEDFSMP, 2)
	cpu0, cpu1 := set.Get(0), set.Get(1)
	a := ready(t, s, 1, 10)
	b := ready(t, s, 2, 20)
	c := ready(t, s, 3, 30)
	expectHeirs(t, set, 1, 2)

	if err := s.SetAffinity(a, cpu1); err != nil {
		t.Fatal(err)
	}
	expectHeir(t, cpu1, 1)
	expectHeir(t, cpu0, 2)
	if info := s.Node(a); info.Affinity != 1 || info.CPU != 1 {
		t.Fatalf("pinned node on %d with affinity %d", info.CPU, info.Affinity)
	}

	// b outranks c but may only use the processor a holds.
	if err := s.SetAffinity(b, cpu1); err != nil {
		t.Fatal(err)
	}
	expectHeir(t, cpu0, 3)
	expectHeir(t, cpu1, 1)
	if s.Node(b).State != Ready {
		t.Fatal("pinned node behind a more urgent one must wait")
	}
	checkSMP(t, s)

	s.Block(a)
	expectHeir(t, cpu1, 2)
	s.Unblock(a)
	expectHeir(t, cpu1, 1)
	expectHeir(t, cpu0, 3)
	checkSMP(t, s)

	if err := s.SetAffinity(b, nil); err != nil {
		t.Fatal(err)
	}
	expectHeir(t, cpu0, 2)
	if s.Node(c).State != Ready {
		t.Fatal("released node must preempt the least urgent one")
	}
	checkSMP(t, s)

	if _, err := s.RemoveProcessor(cpu1); !errors.Is(err, status.ResourceInUse) {
		t.Fatalf("removing a processor with a pinned node = %v", err)
	}
	foreign := percpu.NewSet(3, &percpu.Simulated{}).Get(2)
	if err := s.SetAffinity(c, foreign); !errors.Is(err, status.InvalidNumber) {
		t.Fatalf("foreign processor = %v", err)
	}
}

func TestSMPAffinityRequiresEDF(t *testing.T) {
	s, set := newSMPFixture(t, AlgorithmPrioritySMP, 2)
	a := ready(t, s, 1, 10)
	if err := s.SetAffinity(a, set.Get(1)); !errors.Is(err, status.InvalidNumber) {
		t.Fatalf("SetAffinity = %v; want InvalidNumber", err)
	}
	if err := s.SetAffinity(a, nil); err != nil {
		t.Fatalf("all processors = %v", err)
	}
}

func TestSMPDemotedNodeMovesToLessUrgentProcessor(t *testing.T) {
	s, set := newSMPFixture(t, AlgorithmEDFSMP, 2)
	h := ready(t, s, 1, 5)
	x := ready(t, s, 2, 9)
	home := set.Get(s.Node(h).CPU)
	r, err := s.NodeInitialize(3, s.MapPriority(7))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetAffinity(r, home); err != nil {
		t.Fatal(err)
	}
	s.Unblock(r)
	expectHeirs(t, set, 1, 2)

	s.UpdatePriority(h, s.MapPriority(8), false)
	expectHeir(t, home, 3)
	expectHeirs(t, set, 1, 3)
	if s.Node(x).State != Ready {
		t.Fatal("least urgent node must give way to the demoted one")
	}
	checkSMP(t, s)
}

func TestSMPRemoteHeirChangeInterrupts(t *testing.T) {
	sim := &percpu.Simulated{}
	set := percpu.NewSet(2, sim)
	s, err := New(Config{
		Algorithm:         AlgorithmPrioritySMP,
		MaximumNodes:      8,
		MaximumProcessors: 2,
		Self:              func() *percpu.Processor { return set.Get(0) },
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, cpu := range set.All() {
		if err := s.AddProcessor(cpu, idleOwner+uint32(i)); err != nil {
			t.Fatal(err)
		}
	}
	before := len(sim.Interrupts())
	ready(t, s, 1, 10)
	ready(t, s, 2, 20)
	ready(t, s, 3, 5)
	got := sim.Interrupts()[before:]
	if len(got) == 0 {
		t.Fatal("heir changes on processor 1 raised no interrupt")
	}
	for _, cpu := range got {
		if cpu != 1 {
			t.Fatalf("interrupted processor %d; only remote changes interrupt", cpu)
		}
	}
}

func TestSMPRandomOperationsKeepInvariants(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmPrioritySMP, AlgorithmSimpleSMP, AlgorithmEDFSMP} {
		t.Run(alg.String(), func(t *testing.T) {
			s, set := newSMPFixture(t, alg, 3)
			rng := rand.New(rand.NewSource(int64(alg)))
			var hs []Handle
			for i := 0; i < 12; i++ {
				h, err := s.NodeInitialize(uint32(i+1), s.MapPriority(uint64(1+rng.Intn(30))))
				if err != nil {
					t.Fatal(err)
				}
				hs = append(hs, h)
			}
			for step := 0; step < 5000; step++ {
				h := hs[rng.Intn(len(hs))]
				ops := 6
				if alg == AlgorithmEDFSMP {
					ops = 7
				}
				switch rng.Intn(ops) {
				case 0:
					s.Block(h)
				case 1, 2:
					s.Unblock(h)
				case 3:
					s.Yield(h)
				case 4:
					s.UpdatePriority(h, s.MapPriority(uint64(1+rng.Intn(30))), rng.Intn(2) == 0)
				case 5:
					s.AskForHelp(h)
				case 6:
					var cpu *percpu.Processor
					if i := rng.Intn(4); i < 3 {
						cpu = set.Get(i)
					}
					if err := s.SetAffinity(h, cpu); err != nil {
						t.Fatal(err)
					}
				}
				checkSMP(t, s)
			}
		})
	}
}
