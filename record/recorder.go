// ════════════════════════════════════════════════════════════════════════════════════════════════
// Event Recorder
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Per-Processor Rings Drained into a Sink
//
// Description:
//   One ring per processor. Producers on the same processor serialize on a small mutex so the
//   ring keeps its single-producer contract; each ring has exactly one consumer, either a
//   core-pinned goroutine started by Start or a synchronous Flush. Consumers batch records and
//   hand full batches to the sink. A full ring drops the event and counts it; recording never
//   blocks a kernel path. Stop and Close seal the producers before the final drain, and events
//   recorded from then on are dropped as well, until the next Start.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package record

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"rtcore/constants"
	"rtcore/debug"
	"rtcore/ring"
	"rtcore/status"
)

// Sink receives batches of drained records in ring order per processor.
type Sink interface {
	Write(batch []Record) error
	Close() error
}

// Config describes a recorder.
type Config struct {
	Processors int
	// RingSize is the per-processor ring capacity; zero selects constants.DefaultRecordRingSize.
	RingSize int
	// BatchSize is the number of records handed to the sink at once; zero selects 256.
	BatchSize int
	// Sink defaults to a new Buffer.
	Sink Sink
	// Clock stamps records; nil stamps zero.
	Clock func() uint64
}

type producer struct {
	mu sync.Mutex
	r  *ring.Ring
}

// Recorder records kernel events.
type Recorder struct {
	clock    func() uint64
	rings    []producer
	pending  [][]Record
	batch    int
	sink     Sink
	log      commonlog.Logger
	dropped  atomic.Uint64
	recorded atomic.Uint64

	ctl     sync.Mutex // Start, Stop, Flush
	running bool
	sealed  atomic.Bool // read under a producer mutex
	stop    atomic.Bool
	hot     atomic.Bool
	done    []chan struct{}

	errMu sync.Mutex
	err   error
}

// New creates a recorder.
func New(cfg Config) (*Recorder, error) {
	if cfg.Processors <= 0 || cfg.Processors > constants.MaximumProcessors {
		return nil, status.InvalidNumber
	}
	if cfg.RingSize == 0 {
		cfg.RingSize = constants.DefaultRecordRingSize
	}
	if cfg.RingSize < 0 || cfg.RingSize&(cfg.RingSize-1) != 0 {
		return nil, status.InvalidNumber
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.Sink == nil {
		cfg.Sink = NewBuffer()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() uint64 { return 0 }
	}
	r := &Recorder{
		clock:   cfg.Clock,
		rings:   make([]producer, cfg.Processors),
		pending: make([][]Record, cfg.Processors),
		batch:   cfg.BatchSize,
		sink:    cfg.Sink,
		log:     debug.Logger("record"),
	}
	for i := range r.rings {
		r.rings[i].r = ring.New(cfg.RingSize)
		r.pending[i] = make([]Record, 0, cfg.BatchSize)
	}
	return r, nil
}

// Sink returns the sink.
func (r *Recorder) Sink() Sink { return r.sink }

// Dropped returns the number of events lost to full rings or recorded while sealed.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Recorded returns the number of events pushed.
func (r *Recorder) Recorded() uint64 { return r.recorded.Load() }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PRODUCER SIDE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Record stamps and pushes one event for cpu. A nil recorder records nothing.
func (r *Recorder) Record(cpu int, ev Event, object uint32, arg uint64) {
	if r == nil || cpu < 0 || cpu >= len(r.rings) {
		return
	}
	rec := Record{Tick: r.clock(), Event: ev, CPU: uint16(cpu), Object: object, Arg: arg}
	var buf [ring.Size]byte
	rec.Encode(&buf)
	p := &r.rings[cpu]
	p.mu.Lock()
	ok := !r.sealed.Load() && p.r.Push(&buf)
	p.mu.Unlock()
	if !ok {
		r.dropped.Add(1)
		return
	}
	r.recorded.Add(1)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSUMER SIDE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// SetHot keeps the consumers polling without backoff while on. The clock loop raises it for as
// long as it ticks. A nil recorder ignores it.
func (r *Recorder) SetHot(on bool) {
	if r == nil {
		return
	}
	r.hot.Store(on)
}

// seal drops every later event and waits for pushes already in progress.
func (r *Recorder) seal() {
	r.sealed.Store(true)
	for i := range r.rings {
		p := &r.rings[i]
		p.mu.Lock()
		p.mu.Unlock()
	}
}

// Start launches one pinned consumer per ring, the first on firstCore.
func (r *Recorder) Start(firstCore int) error {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	if r.running {
		return status.IncorrectState
	}
	r.running = true
	r.stop.Store(false)
	r.sealed.Store(false)
	r.done = make([]chan struct{}, len(r.rings))
	for i := range r.rings {
		i := i
		r.done[i] = make(chan struct{})
		core := -1
		if firstCore >= 0 {
			core = firstCore + i
		}
		ring.PinnedConsumer(core, r.rings[i].r, &r.stop, &r.hot, func(p *[ring.Size]byte) {
			r.consume(i, p)
		}, r.done[i])
	}
	r.log.Infof("started %d consumers", len(r.rings))
	return nil
}

// Stop seals the producers, drains every ring, stops the consumers and flushes partial batches.
// It returns the first sink error seen since the recorder was created.
func (r *Recorder) Stop() error {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	if !r.running {
		return status.IncorrectState
	}
	r.seal()
	r.stop.Store(true)
	for _, d := range r.done {
		<-d
	}
	r.running = false
	for i := range r.pending {
		r.flushPending(i)
	}
	return r.Err()
}

// Flush drains every ring synchronously. It fails with status.IncorrectState while consumers run.
func (r *Recorder) Flush() error {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	if r.running {
		return status.IncorrectState
	}
	for i := range r.rings {
		rg := r.rings[i].r
		for p := rg.Pop(); p != nil; p = rg.Pop() {
			r.consume(i, p)
		}
		r.flushPending(i)
	}
	return r.Err()
}

// Err returns the first sink error.
func (r *Recorder) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Close seals the producers, flushes or stops the consumers and closes the sink.
func (r *Recorder) Close() error {
	r.ctl.Lock()
	running := r.running
	r.ctl.Unlock()
	var err error
	if running {
		err = r.Stop()
	} else {
		r.seal()
		err = r.Flush()
	}
	return errors.Join(err, r.sink.Close())
}

func (r *Recorder) consume(i int, p *[ring.Size]byte) {
	r.pending[i] = append(r.pending[i], Decode(p))
	if len(r.pending[i]) >= r.batch {
		r.flushPending(i)
	}
}

func (r *Recorder) flushPending(i int) {
	if len(r.pending[i]) == 0 {
		return
	}
	if err := r.sink.Write(r.pending[i]); err != nil {
		r.errMu.Lock()
		if r.err == nil {
			r.err = err
			r.log.Errorf("sink write failed: %s", err.Error())
		}
		r.errMu.Unlock()
	}
	r.pending[i] = r.pending[i][:0]
}
