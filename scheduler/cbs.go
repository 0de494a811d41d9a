// ════════════════════════════════════════════════════════════════════════════════════════════════
// Constant Bandwidth Server
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: EDF With Per-Server Budget Enforcement
//
// Description:
//   Each server grants its attached thread Budget ticks of deadline-driven execution per Period.
//   A released job carries the server deadline; the node's callout budget counts executed ticks.
//   On exhaustion the overrun policy either drops the thread to its background priority until
//   the next period or postpones the deadline by one period with a fresh budget. A watchdog per
//   server releases the next job at every period boundary.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package scheduler

import (
	"math/bits"

	"rtcore/status"
	"rtcore/watchdog"
)

// OverrunPolicy selects what happens when a server's budget runs out before its deadline.
type OverrunPolicy uint8

const (
	// OverrunBackground demotes the thread to its background priority until the next period.
	OverrunBackground OverrunPolicy = iota
	// OverrunPostpone moves the deadline one period later and refills the budget.
	OverrunPostpone
)

// ServerParameters are a server's approved bandwidth, in ticks.
type ServerParameters struct {
	Budget uint64
	Period uint64
}

func (p ServerParameters) valid() bool {
	return p.Budget > 0 && p.Period > 0 && p.Budget <= p.Period
}

// OverrunHandler is called after a budget overrun, outside the scheduler lock.
type OverrunHandler func(server int)

type server struct {
	inUse     bool
	epoch     uint32
	params    ServerParameters
	policy    OverrunPolicy
	handler   OverrunHandler
	task      Handle
	deadline  uint64
	replenish watchdog.Handle
	overruns  uint64
}

// CBS is the EDF variant with constant bandwidth servers.
type CBS struct {
	*uniprocessor
	wd      *watchdog.Header
	servers []server
	late    LateUnblockRule
}

func newCBS(b *base, cfg Config) *CBS {
	n := cfg.MaximumServers
	if n <= 0 {
		n = 16
	}
	c := &CBS{
		uniprocessor: newUniprocessor(b, newHeapQueue(len(b.nodes))),
		wd:           cfg.Watchdog,
		servers:      make([]server, n),
		late:         cfg.LateUnblock,
	}
	for i := range c.servers {
		c.servers[i].task = NoNode
	}
	return c
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SERVER MANAGEMENT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// CreateServer allocates a server and returns its id.
func (c *CBS) CreateServer(p ServerParameters, policy OverrunPolicy, handler OverrunHandler) (int, error) {
	if !p.valid() {
		return -1, status.InvalidNumber
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.servers {
		s := &c.servers[id]
		if s.inUse {
			continue
		}
		wh, err := c.wd.Borrow()
		if err != nil {
			return -1, status.TooMany
		}
		*s = server{
			inUse:     true,
			epoch:     s.epoch + 1,
			params:    p,
			policy:    policy,
			handler:   handler,
			task:      NoNode,
			replenish: wh,
		}
		return id, nil
	}
	return -1, status.TooMany
}

func (c *CBS) serverLocked(id int) (*server, error) {
	if id < 0 || id >= len(c.servers) || !c.servers[id].inUse {
		return nil, status.InvalidID
	}
	return &c.servers[id], nil
}

// DestroyServer detaches any thread and frees the server.
func (c *CBS) DestroyServer(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.serverLocked(id)
	if err != nil {
		return err
	}
	if s.task != NoNode {
		c.detachLocked(s, s.task)
	}
	c.wd.Remove(s.replenish)
	_ = c.wd.Return(s.replenish)
	s.inUse = false
	s.epoch++
	return nil
}

// AttachThread binds node h to server id. Each side holds at most one binding.
func (c *CBS) AttachThread(id int, h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.serverLocked(id)
	if err != nil {
		return err
	}
	n := c.at(h)
	if s.task != NoNode || n.server >= 0 {
		return status.ResourceInUse
	}
	if n.idle {
		return status.InvalidID
	}
	s.task = h
	n.server = id
	n.budget = BudgetCallout
	n.timeslice = s.params.Budget
	n.budgetLeft = s.params.Budget
	return nil
}

// DetachThread unbinds node h from server id.
func (c *CBS) DetachThread(id int, h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.serverLocked(id)
	if err != nil {
		return err
	}
	if s.task != h {
		return status.InvalidID
	}
	c.detachLocked(s, h)
	return nil
}

func (c *CBS) detachLocked(s *server, h Handle) {
	n := &c.nodes[h]
	n.server = -1
	n.budget = BudgetNone
	n.budgetLeft = 0
	s.task = NoNode
	s.deadline = 0
	s.epoch++
	c.wd.Remove(s.replenish)
	c.cancelJobLocked(h)
}

// Parameters returns the approved bandwidth of a server.
func (c *CBS) Parameters(id int) (ServerParameters, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.serverLocked(id)
	if err != nil {
		return ServerParameters{}, err
	}
	return s.params, nil
}

// SetParameters changes a server's bandwidth. The running job keeps at most the new budget.
func (c *CBS) SetParameters(id int, p ServerParameters) error {
	if !p.valid() {
		return status.InvalidNumber
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.serverLocked(id)
	if err != nil {
		return err
	}
	s.params = p
	if s.task != NoNode {
		n := &c.nodes[s.task]
		n.timeslice = p.Budget
		if n.budgetLeft > p.Budget {
			n.budgetLeft = p.Budget
		}
	}
	return nil
}

// ServerID returns the server node h is attached to.
func (c *CBS) ServerID(h Handle) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id := c.at(h).server; id >= 0 {
		return id, nil
	}
	return -1, status.InvalidID
}

// RemainingBudget returns what is left of the current job's budget.
func (c *CBS) RemainingBudget(id int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.serverLocked(id)
	if err != nil {
		return 0, err
	}
	if s.task == NoNode {
		return s.params.Budget, nil
	}
	return c.nodes[s.task].budgetLeft, nil
}

// ApprovedBudget returns the configured budget per period.
func (c *CBS) ApprovedBudget(id int) (uint64, error) {
	p, err := c.Parameters(id)
	return p.Budget, err
}

// ExecutionTime returns the ticks consumed by the current job.
func (c *CBS) ExecutionTime(id int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.serverLocked(id)
	if err != nil {
		return 0, err
	}
	if s.task == NoNode {
		return 0, nil
	}
	return s.params.Budget - c.nodes[s.task].budgetLeft, nil
}

// Overruns returns how many times the server exhausted its budget.
func (c *CBS) Overruns(id int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.serverLocked(id)
	if err != nil {
		return 0, err
	}
	return s.overruns, nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ALGORITHM OVERRIDES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (c *CBS) NodeDestroy(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id := c.at(h).server; id >= 0 {
		c.detachLocked(&c.servers[id], h)
	}
	c.blockLocked(h)
	c.freeLocked(h)
}

// ReleaseJob starts a job. For a served thread the budget is refilled and the server's
// replenishment is armed at the deadline.
func (c *CBS) ReleaseJob(h Handle, deadline uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.at(h)
	if n.server >= 0 {
		s := &c.servers[n.server]
		n.budgetLeft = s.params.Budget
		s.deadline = clampDeadline(deadline)
		c.armLocked(n.server)
	}
	return c.releaseJobLocked(h, deadline)
}

func (c *CBS) armLocked(id int) {
	s := &c.servers[id]
	now := c.wd.Ticks()
	delta := uint64(1)
	if s.deadline > now {
		delta = s.deadline - now
	}
	c.wd.Remove(s.replenish)
	if err := c.wd.Insert(s.replenish, delta, c.replenish, nil, uint64(s.epoch)<<32|uint64(id)); err != nil {
		status.Fatal(status.SourceScheduler, "cbs server %d replenishment: %v", id, err)
	}
}

// replenish runs at a period boundary and releases the next job.
func (c *CBS) replenish(_ any, arg uint64) {
	id, epoch := int(uint32(arg)), uint32(arg>>32)
	c.mu.Lock()
	defer c.mu.Unlock()
	if id >= len(c.servers) {
		return
	}
	s := &c.servers[id]
	if !s.inUse || s.epoch != epoch || s.task == NoNode {
		return
	}
	s.deadline += s.params.Period
	n := &c.nodes[s.task]
	n.budgetLeft = s.params.Budget
	c.releaseJobLocked(s.task, s.deadline)
	c.armLocked(id)
}

func (c *CBS) Tick(h Handle) {
	var (
		handler OverrunHandler
		id      int
	)
	c.mu.Lock()
	yield, exhausted := c.tickLocked(h)
	if exhausted {
		handler, id = c.overrunLocked(h)
	} else if yield {
		c.yieldLocked(h)
	}
	c.mu.Unlock()
	if handler != nil {
		handler(id)
	}
}

func (c *CBS) overrunLocked(h Handle) (OverrunHandler, int) {
	n := &c.nodes[h]
	id := n.server
	if id < 0 {
		return nil, -1
	}
	s := &c.servers[id]
	s.overruns++
	switch s.policy {
	case OverrunPostpone:
		s.deadline += s.params.Period
		n.budgetLeft = s.params.Budget
		c.releaseJobLocked(h, s.deadline)
		c.armLocked(id)
	default:
		c.cancelJobLocked(h)
	}
	return s.handler, id
}

// Unblock demotes a served thread that comes back too late to use its remaining budget without
// exceeding the server bandwidth; it then waits in the background for the next period.
func (c *CBS) Unblock(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.at(h)
	if n.state == Blocked && n.server >= 0 && n.deadline != 0 {
		if c.lateLocked(n, &c.servers[n.server]) {
			n.deadline = 0
			n.rekey()
		}
	}
	c.unblockLocked(h)
}

// UnblockLate reports whether node h would be demoted if it unblocked now.
func (c *CBS) UnblockLate(h Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.at(h)
	if n.server < 0 || n.deadline == 0 {
		return false
	}
	return c.lateLocked(n, &c.servers[n.server])
}

func (c *CBS) lateLocked(n *node, s *server) bool {
	now := c.wd.Ticks()
	if n.deadline <= now {
		return true
	}
	left := n.deadline - now
	switch c.late {
	case LateAbsoluteDeadline:
		return mulGreater(n.deadline, n.budgetLeft, s.params.Budget, left)
	default:
		return mulGreater(n.budgetLeft, s.params.Period, left, s.params.Budget)
	}
}

// mulGreater reports a*b > c*d without overflow.
func mulGreater(a, b, c, d uint64) bool {
	hi1, lo1 := bits.Mul64(a, b)
	hi2, lo2 := bits.Mul64(c, d)
	return hi1 > hi2 || (hi1 == hi2 && lo1 > lo2)
}
