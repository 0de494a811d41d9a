// ════════════════════════════════════════════════════════════════════════════════════════════════
// Kernel Context
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Construction, Clock Tick, Dispatch & Priority Translation
//
// Description:
//   A Kernel owns every table the core needs: processors, scheduler instances, the thread and
//   mutex directories, the watchdog, the shared thread queue context and the event recorder.
//   Nothing is global; two kernels in one process never share state.
//
// Execution model:
//   The kernel is hosted. A call that would suspend the calling thread returns at once with the
//   thread blocked; its outcome is read once the thread is ready again. Every public operation
//   runs inside a dispatch guard on the calling processor and dispatches all processors on the
//   way out, so a heir change becomes the executing thread before the call returns.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package kernel

import (
	"fmt"
	"time"

	"github.com/tliron/commonlog"

	"rtcore/config"
	"rtcore/constants"
	"rtcore/debug"
	"rtcore/mutex"
	"rtcore/objects"
	"rtcore/percpu"
	"rtcore/record"
	"rtcore/scheduler"
	"rtcore/status"
	"rtcore/thread"
	"rtcore/threadq"
	"rtcore/watchdog"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPE DEFINITIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// IdleClass is the object class of the per-processor idle owners. Idle owners have ids but no
// directory entries.
const IdleClass objects.Class = 31

// IdleID returns the owner id of processor cpu's idle thread.
func IdleID(cpu int) objects.ID {
	return objects.BuildID(objects.APIInternal, IdleClass, constants.LocalNode, uint32(cpu)+constants.IndexMinimum)
}

// instance is one configured scheduler and the processors it owns.
type instance struct {
	name  string
	sched scheduler.Scheduler
	cbs   *scheduler.CBS
	cpus  []*percpu.Processor
}

// home is the processor events of the instance's threads are recorded on.
func (in *instance) home() int { return in.cpus[0].Index() }

// Kernel is the explicit kernel context.
type Kernel struct {
	cfg config.Config
	log commonlog.Logger

	cpus      *percpu.Set
	wd        *watchdog.Header
	threads   *objects.Information[*thread.Thread]
	mutexes   *objects.Information[*mutex.Mutex]
	table     *thread.Table
	queues    *threadq.Manager
	instances []*instance
	bySched   map[scheduler.Scheduler]*instance
	rec       *record.Recorder
}

// Option adjusts kernel construction.
type Option func(*options)

type options struct {
	platform percpu.Platform
	sink     record.Sink
}

// WithPlatform supplies the platform collaborator; the default is a percpu.Simulated.
func WithPlatform(p percpu.Platform) Option {
	return func(o *options) { o.platform = p }
}

// WithSink sends recorded events to s instead of the configured sink.
func WithSink(s record.Sink) Option {
	return func(o *options) { o.sink = s }
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSTRUCTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// New builds a kernel from cfg. The configuration is validated on a copy; cfg is not modified.
func New(cfg *config.Config, opts ...Option) (*Kernel, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.platform == nil {
		o.platform = &percpu.Simulated{}
	}

	c := *cfg
	c.Schedulers = append([]config.Scheduler(nil), cfg.Schedulers...)
	if err := c.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:     c,
		log:     debug.Logger("kernel"),
		wd:      watchdog.New(c.WatchdogSlots),
		bySched: make(map[scheduler.Scheduler]*instance, len(c.Schedulers)),
	}
	k.cpus = percpu.NewSet(c.Processors, &platform{inner: o.platform, k: k})

	var err error
	k.threads, err = objects.New(objects.Config{
		API:     objects.APIInternal,
		Class:   thread.Class,
		Maximum: c.Threads.Maximum,
	}, thread.New)
	if err != nil {
		return nil, fmt.Errorf("kernel: thread directory: %w", err)
	}
	k.mutexes, err = objects.New(objects.Config{
		API:        objects.APIInternal,
		Class:      mutex.Class,
		Maximum:    c.Mutexes.Maximum,
		AutoExtend: c.Mutexes.AutoExtend,
	}, mutex.New)
	if err != nil {
		return nil, fmt.Errorf("kernel: mutex directory: %w", err)
	}
	k.table = thread.NewTable(int(c.Threads.Maximum))
	k.queues = threadq.NewManager(k.table, k.wd)

	for i := range c.Schedulers {
		if err := k.addInstance(i, &c.Schedulers[i]); err != nil {
			return nil, err
		}
	}

	if c.Recorder.Enabled {
		sink := o.sink
		if sink == nil && c.Recorder.SQLite != "" {
			db, err := record.OpenSQLite(c.Recorder.SQLite)
			if err != nil {
				return nil, err
			}
			sink = db
		}
		k.rec, err = record.New(record.Config{
			Processors: c.Processors,
			RingSize:   c.Recorder.RingSize,
			BatchSize:  c.Recorder.BatchSize,
			Sink:       sink,
			Clock:      k.wd.Ticks,
		})
		if err != nil {
			if sink != nil {
				sink.Close()
			}
			return nil, fmt.Errorf("kernel: recorder: %w", err)
		}
	}

	k.log.Infof("%d processors, %d scheduler instances, %d threads", c.Processors, len(k.instances), c.Threads.Maximum)
	return k, nil
}

func (k *Kernel) addInstance(idx int, sc *config.Scheduler) error {
	alg, err := scheduler.ParseAlgorithm(sc.Algorithm)
	if err != nil {
		return err
	}
	rule, err := scheduler.ParseLateUnblockRule(sc.LateUnblock)
	if err != nil {
		return err
	}
	s, err := scheduler.New(scheduler.Config{
		Name:              sc.Name,
		Algorithm:         alg,
		MaximumPriority:   sc.MaximumPriority,
		MaximumNodes:      int(k.cfg.Threads.Maximum),
		MaximumProcessors: len(sc.Processors),
		Self:              k.self,
		Watchdog:          k.wd,
		MaximumServers:    sc.MaximumServers,
		LateUnblock:       rule,
	})
	if err != nil {
		return fmt.Errorf("kernel: scheduler %q: %w", sc.Name, err)
	}
	in := &instance{name: sc.Name, sched: s}
	in.cbs, _ = s.(*scheduler.CBS)
	for _, n := range sc.Processors {
		cpu := k.cpus.Get(n)
		if err := s.AddProcessor(cpu, uint32(IdleID(n))); err != nil {
			return fmt.Errorf("kernel: scheduler %q processor %d: %w", sc.Name, n, err)
		}
		cpu.Scheduler = idx
		in.cpus = append(in.cpus, cpu)
	}
	for _, cpu := range in.cpus {
		cpu.Start(cpu.Heir())
	}
	k.instances = append(k.instances, in)
	k.bySched[s] = in
	k.log.Debugf("scheduler %q: %v on processors %v", sc.Name, alg, sc.Processors)
	return nil
}

// Start launches the recorder consumers. Without a running recorder, events stay in the rings
// until Flush or Close.
func (k *Kernel) Start() error {
	if k.rec == nil {
		return nil
	}
	return k.rec.Start(k.cfg.Recorder.Core)
}

// Flush drains recorded events synchronously into the sink.
func (k *Kernel) Flush() error {
	if k.rec == nil {
		return nil
	}
	return k.rec.Flush()
}

// Close drains the recorder and closes its sink.
func (k *Kernel) Close() error {
	if k.rec == nil {
		return nil
	}
	return k.rec.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ACCESSORS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Config returns the validated configuration.
func (k *Kernel) Config() config.Config { return k.cfg }

// Processors returns the processor set.
func (k *Kernel) Processors() *percpu.Set { return k.cpus }

// Watchdog returns the kernel watchdog.
func (k *Kernel) Watchdog() *watchdog.Header { return k.wd }

// Threads returns the thread directory.
func (k *Kernel) Threads() *objects.Information[*thread.Thread] { return k.threads }

// Mutexes returns the mutex directory.
func (k *Kernel) Mutexes() *objects.Information[*mutex.Mutex] { return k.mutexes }

// Recorder returns the event recorder, nil when recording is disabled.
func (k *Kernel) Recorder() *record.Recorder { return k.rec }

// Ticks returns the number of clock ticks so far.
func (k *Kernel) Ticks() uint64 { return k.wd.Ticks() }

// TicksFor converts d into clock ticks, rounding up.
func (k *Kernel) TicksFor(d time.Duration) uint64 {
	per := time.Duration(k.cfg.MicrosecondsPerTick) * time.Microsecond
	return uint64((d + per - 1) / per)
}

// Scheduler returns the named scheduler instance; "" names the first one.
func (k *Kernel) Scheduler(name string) (scheduler.Scheduler, error) {
	in, err := k.instance(name)
	if err != nil {
		return nil, err
	}
	return in.sched, nil
}

func (k *Kernel) instance(name string) (*instance, error) {
	if name == "" {
		return k.instances[0], nil
	}
	for _, in := range k.instances {
		if in.name == name {
			return in, nil
		}
	}
	return nil, fmt.Errorf("kernel: no scheduler %q: %w", name, status.InvalidName)
}

func (k *Kernel) processor(cpu int) (*percpu.Processor, error) {
	p := k.cpus.Get(cpu)
	if p == nil {
		return nil, fmt.Errorf("kernel: processor %d: %w", cpu, status.InvalidNumber)
	}
	return p, nil
}

// Executing returns the id of the thread running on cpu.
func (k *Kernel) Executing(cpu int) (objects.ID, error) {
	p, err := k.processor(cpu)
	if err != nil {
		return objects.None, err
	}
	return objects.ID(p.Executing()), nil
}

// Heir returns the id of the thread selected to run next on cpu.
func (k *Kernel) Heir(cpu int) (objects.ID, error) {
	p, err := k.processor(cpu)
	if err != nil {
		return objects.None, err
	}
	return objects.ID(p.Heir()), nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PRIORITY TRANSLATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ToCore maps an API priority of the named scheduler into its core representation. API
// priorities run from 1 (most urgent) to the scheduler's maximum priority minus one.
func (k *Kernel) ToCore(sched string, p uint64) (uint64, error) {
	in, err := k.instance(sched)
	if err != nil {
		return 0, err
	}
	return in.toCore(p)
}

// FromCore maps a core priority of the named scheduler back to the API range.
func (k *Kernel) FromCore(sched string, p uint64) (uint64, error) {
	in, err := k.instance(sched)
	if err != nil {
		return 0, err
	}
	return in.fromCore(p)
}

func (in *instance) valid(p uint64) error {
	if max := in.sched.MaximumPriority(); p == 0 || p >= max {
		return fmt.Errorf("kernel: priority %d outside 1..%d of %q: %w", p, max-1, in.name, status.InvalidPriority)
	}
	return nil
}

func (in *instance) toCore(p uint64) (uint64, error) {
	if err := in.valid(p); err != nil {
		return 0, err
	}
	return in.sched.MapPriority(p), nil
}

func (in *instance) fromCore(p uint64) (uint64, error) {
	api := in.sched.UnmapPriority(p)
	if err := in.valid(api); err != nil {
		return 0, err
	}
	return api, nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CLOCK TICK & DISPATCH
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Tick advances the clock: expired watchdogs run first with interrupts masked, then every
// executing thread is charged one tick of budget, then every processor dispatches. It returns
// the new tick count.
func (k *Kernel) Tick() uint64 {
	irq := k.self().DisableInterrupts()
	fired := k.wd.Tick()
	irq.Enable()
	if fired > 0 {
		k.rec.Record(0, record.EventWatchdog, 0, uint64(fired))
	}
	for _, cpu := range k.cpus.All() {
		if cpu.Scheduler < 0 {
			continue
		}
		if th, ok := k.threads.GetNoProtection(objects.ID(cpu.Executing())); ok {
			if s := th.Scheduler(); s != nil {
				s.Tick(th.Node())
			}
		}
	}
	k.dispatch()
	return k.wd.Ticks()
}

// Run advances the clock n ticks.
func (k *Kernel) Run(n int) uint64 {
	now := k.wd.Ticks()
	for i := 0; i < n; i++ {
		now = k.Tick()
	}
	return now
}

// dispatch performs the pending switch of every processor.
func (k *Kernel) dispatch() {
	for _, cpu := range k.cpus.All() {
		if !cpu.DispatchNecessary() {
			continue
		}
		k.rec.Record(cpu.Index(), record.EventHeir, cpu.Heir(), uint64(cpu.Executing()))
		cpu.Dispatch()
	}
}

// self is the processor kernel calls run on.
func (k *Kernel) self() *percpu.Processor { return k.cpus.Get(0) }

// enable leaves a dispatch guard taken by an operation and dispatches every processor.
func (k *Kernel) enable(g *percpu.Guard) {
	g.Enable()
	k.dispatch()
}

// switched does the per-dispatch bookkeeping before the platform switches contexts.
func (k *Kernel) switched(cpu int, from, to uint32) {
	k.rec.Record(cpu, record.EventDispatch, to, uint64(from))
	if th, ok := k.threads.GetNoProtection(objects.ID(to)); ok {
		if s := th.Scheduler(); s != nil {
			s.ResetBudget(th.Node())
		}
	}
}

// platform forwards to the configured platform and hooks context switches.
type platform struct {
	inner percpu.Platform
	k     *Kernel
}

func (p *platform) InterruptDisable() percpu.Level  { return p.inner.InterruptDisable() }
func (p *platform) InterruptEnable(l percpu.Level) { p.inner.InterruptEnable(l) }

func (p *platform) Interrupt(cpu int) {
	p.k.rec.Record(cpu, record.EventInterrupt, 0, 0)
	p.inner.Interrupt(cpu)
}

func (p *platform) ContextSwitch(cpu int, from, to uint32) {
	p.k.switched(cpu, from, to)
	p.inner.ContextSwitch(cpu, from, to)
}
