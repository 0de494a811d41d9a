// ════════════════════════════════════════════════════════════════════════════════════════════════
// Object Directory
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Identifier → Control Block Resolution
//
// Description:
//   One Information per object class. Control blocks are created up front (or one block at a
//   time for auto-extensible classes) and recycled through an index free chain; the chain links
//   live in a side table so control blocks carry no list pointers. Lookups read an immutable
//   table snapshot and a per-slot live flag, so they never take the allocator lock.
//
// Features:
//   - O(1) Allocate / Free / Get
//   - LOCAL / REMOTE / ERROR classification of ids
//   - Block-wise extend and shrink under the allocator lock, all-or-nothing
//   - Name binding, name lookup and id iteration
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package objects

import (
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"rtcore/chain"
	"rtcore/constants"
	"rtcore/debug"
	"rtcore/percpu"
	"rtcore/status"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPE DEFINITIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Control is the header embedded in every kernel object.
type Control struct {
	id   ID
	name Name
}

// Header returns c; embedding Control makes a type an Object.
func (c *Control) Header() *Control { return c }

// ID returns the object's identifier.
//
//go:inline
func (c *Control) ID() ID { return c.id }

// Name returns the name bound by Open.
func (c *Control) Name() Name { return c.name }

// Object is implemented by every type embedding Control.
type Object interface {
	Header() *Control
}

// Location classifies the result of Get.
type Location uint8

const (
	Local Location = iota
	Remote
	Error
)

func (l Location) String() string {
	switch l {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "error"
	}
}

// Config describes one object class.
type Config struct {
	API   API
	Class Class
	// Maximum is the number of objects, or the block size when AutoExtend is set.
	Maximum    uint32
	AutoExtend bool
	// Node is the local node number; zero selects constants.LocalNode.
	Node uint32
	// MaximumNodes bounds node numbers treated as Remote in multi-node systems.
	MaximumNodes uint32
}

type slot[T Object] struct {
	obj  T
	live atomic.Bool
}

// Information is the per-class directory.
type Information[T Object] struct {
	api          API
	class        Class
	node         uint32
	maximumNodes uint32
	perBlock     uint32 // zero unless auto-extensible
	newObject    func() T
	log          commonlog.Logger

	maximumID atomic.Uint32
	table     atomic.Pointer[[]*slot[T]]

	allocMu  sync.Mutex // serializes every table and free chain mutation
	links    *chain.Links
	inactive chain.List
	perBlk   []uint32 // inactive objects per block
	active   int
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSTRUCTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// New creates the directory for one class. newObject returns a fresh control block; it is called
// for every slot of the initial table and for every slot of an extension block.
func New[T Object](cfg Config, newObject func() T) (*Information[T], error) {
	if cfg.API == APINone || cfg.API > apiMask || cfg.Class == 0 || cfg.Class > classMask {
		return nil, status.InvalidNumber
	}
	if cfg.Maximum == 0 || cfg.Maximum > constants.IndexMaximum || newObject == nil {
		return nil, status.InvalidNumber
	}
	node := cfg.Node
	if node == 0 {
		node = constants.LocalNode
	}
	info := &Information[T]{
		api:          cfg.API,
		class:        cfg.Class,
		node:         node,
		maximumNodes: cfg.MaximumNodes,
		newObject:    newObject,
		log:          debug.Logger("objects"),
		links:        chain.NewLinks(0),
	}
	if cfg.AutoExtend {
		info.perBlock = cfg.Maximum
	}
	empty := make([]*slot[T], 0)
	info.table.Store(&empty)

	info.allocMu.Lock()
	defer info.allocMu.Unlock()
	info.extendLocked(cfg.Maximum)
	return info, nil
}

// MinimumID returns the id of index 1.
func (info *Information[T]) MinimumID() ID {
	return BuildID(info.api, info.class, info.node, constants.IndexMinimum)
}

// MaximumID returns the id of the highest index currently in the table.
func (info *Information[T]) MaximumID() ID { return ID(info.maximumID.Load()) }

// Maximum returns the current table size.
func (info *Information[T]) Maximum() int { return len(*info.table.Load()) }

// ActiveCount returns the number of allocated objects.
func (info *Information[T]) ActiveCount() int {
	info.allocMu.Lock()
	defer info.allocMu.Unlock()
	return info.active
}

// AutoExtend reports whether the class grows on demand.
func (info *Information[T]) AutoExtend() bool { return info.perBlock != 0 }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ALLOCATE / FREE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Allocate takes an inactive control block. It fails with TooMany when the class is exhausted
// and cannot grow.
func (info *Information[T]) Allocate() (T, error) {
	info.allocMu.Lock()
	defer info.allocMu.Unlock()

	i := info.inactive.Get(info.links)
	if i == chain.Nil && info.perBlock != 0 && info.extendLocked(info.perBlock) {
		i = info.inactive.Get(info.links)
	}
	if i == chain.Nil {
		var zero T
		return zero, status.TooMany
	}
	s := (*info.table.Load())[i]
	if info.perBlock != 0 {
		info.perBlk[i/info.perBlock]--
	}
	info.active++
	s.obj.Header().name = 0
	s.live.Store(true)
	return s.obj, nil
}

// Free returns obj to the inactive chain. The caller must have dropped every reference; the
// index is handed out again by a later Allocate.
func (info *Information[T]) Free(obj T) error {
	info.allocMu.Lock()
	defer info.allocMu.Unlock()

	i, s := info.slotOf(obj)
	if s == nil || info.links.IsLinked(i) {
		return status.InvalidID
	}
	s.live.Store(false)
	s.obj.Header().name = 0
	info.inactive.Append(info.links, i)
	info.active--

	if info.perBlock != 0 {
		b := i / info.perBlock
		info.perBlk[b]++
		free := uint32(info.inactive.Len())
		if free > info.perBlock+info.perBlock/2 {
			info.shrinkLocked()
		}
	}
	return nil
}

// slotOf maps an object back to its slot; nil when it does not belong to this directory.
func (info *Information[T]) slotOf(obj T) (uint32, *slot[T]) {
	id := obj.Header().id
	if id.API() != info.api || id.Class() != info.class || id.Node() != info.node || id.Index() == 0 {
		return 0, nil
	}
	tbl := *info.table.Load()
	i := id.Index() - constants.IndexMinimum
	if int(i) >= len(tbl) || tbl[i] == nil || Object(tbl[i].obj) != Object(obj) {
		return 0, nil
	}
	return i, tbl[i]
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// LOOKUP
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Get resolves id. On Local the returned guard holds thread dispatching disabled on cpu and the
// caller must Enable it exactly once; on Remote and Error the guard is inert. A nil cpu skips
// the guard.
func (info *Information[T]) Get(id ID, cpu *percpu.Processor) (T, Location, percpu.Guard) {
	var zero T
	if id.API() != info.api || id.Class() != info.class {
		return zero, Error, percpu.Guard{}
	}
	if id.Node() != info.node {
		if id.Node() != 0 && id.Node() <= info.maximumNodes && id.Index() != 0 {
			return zero, Remote, percpu.Guard{}
		}
		return zero, Error, percpu.Guard{}
	}

	var g percpu.Guard
	if cpu != nil {
		g = cpu.DisableDispatch()
	}
	if obj, ok := info.lookup(id); ok {
		return obj, Local, g
	}
	g.Enable()
	return zero, Error, percpu.Guard{}
}

// GetNoProtection resolves a local id without a dispatch guard. Callers hold the allocator
// lock or otherwise keep the object alive.
func (info *Information[T]) GetNoProtection(id ID) (T, bool) {
	if id.API() != info.api || id.Class() != info.class || id.Node() != info.node {
		var zero T
		return zero, false
	}
	return info.lookup(id)
}

func (info *Information[T]) lookup(id ID) (T, bool) {
	var zero T
	if id.Index() < constants.IndexMinimum {
		return zero, false
	}
	tbl := *info.table.Load()
	i := id.Index() - constants.IndexMinimum
	if int(i) >= len(tbl) {
		return zero, false
	}
	s := tbl[i]
	if s == nil || !s.live.Load() {
		return zero, false
	}
	return s.obj, true
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// NAMES & ITERATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Open binds name to an allocated object.
func (info *Information[T]) Open(obj T, name Name) error {
	info.allocMu.Lock()
	defer info.allocMu.Unlock()
	_, s := info.slotOf(obj)
	if s == nil || !s.live.Load() {
		return status.InvalidID
	}
	s.obj.Header().name = name
	return nil
}

// Close unbinds the name and invalidates the table slot so Get no longer finds the object.
// The object stays allocated until Free.
func (info *Information[T]) Close(obj T) error {
	info.allocMu.Lock()
	defer info.allocMu.Unlock()
	_, s := info.slotOf(obj)
	if s == nil || !s.live.Load() {
		return status.InvalidID
	}
	s.obj.Header().name = 0
	s.live.Store(false)
	return nil
}

// GetByName returns the id of the first live object carrying name.
func (info *Information[T]) GetByName(name Name) (ID, error) {
	if name == 0 {
		return None, status.InvalidName
	}
	info.allocMu.Lock()
	defer info.allocMu.Unlock()
	for _, s := range *info.table.Load() {
		if s != nil && s.live.Load() && s.obj.Header().name == name {
			return s.obj.Header().id, nil
		}
	}
	return None, status.InvalidName
}

// Next returns the first live object whose index is not below id's index, together with the id
// to continue from. Passing None starts at the minimum id. ok is false once iteration is done.
func (info *Information[T]) Next(id ID) (obj T, next ID, ok bool) {
	start := id.Index()
	if id == None || start < constants.IndexMinimum {
		start = constants.IndexMinimum
	}
	info.allocMu.Lock()
	defer info.allocMu.Unlock()
	tbl := *info.table.Load()
	for i := int(start - constants.IndexMinimum); i < len(tbl); i++ {
		if s := tbl[i]; s != nil && s.live.Load() {
			return s.obj, BuildID(info.api, info.class, info.node, uint32(i)+constants.IndexMinimum+1), true
		}
	}
	return obj, None, false
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// EXTEND / SHRINK
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// extendLocked adds n slots, reusing a block hole left by shrink when there is one.
// It reports false when the id space is exhausted; the table is then left unchanged.
func (info *Information[T]) extendLocked(n uint32) bool {
	old := *info.table.Load()
	base := uint32(len(old))
	if info.perBlock != 0 {
		for b := 0; b < len(info.perBlk); b++ {
			if old[uint32(b)*info.perBlock] == nil {
				base = uint32(b) * info.perBlock
				break
			}
		}
	}
	size := uint32(len(old))
	if base == size {
		size += n
	}
	if size > constants.IndexMaximum {
		return false
	}

	tbl := make([]*slot[T], size)
	copy(tbl, old)
	info.links.Grow(int(size))
	for i := base; i < base+n; i++ {
		obj := info.newObject()
		obj.Header().id = BuildID(info.api, info.class, info.node, i+constants.IndexMinimum)
		tbl[i] = &slot[T]{obj: obj}
		info.inactive.Append(info.links, i)
	}
	if info.perBlock != 0 {
		b := int(base / info.perBlock)
		if b == len(info.perBlk) {
			info.perBlk = append(info.perBlk, 0)
		}
		info.perBlk[b] = n
	}
	info.table.Store(&tbl)
	info.maximumID.Store(uint32(BuildID(info.api, info.class, info.node, size)))
	if len(old) != 0 {
		info.log.Infof("class %d/%d extended to %d objects", info.api, info.class, size)
	}
	return true
}

// Shrink releases every fully inactive extension block. The first block is never released.
func (info *Information[T]) Shrink() int {
	info.allocMu.Lock()
	defer info.allocMu.Unlock()
	released := 0
	for info.shrinkLocked() {
		released++
	}
	return released
}

func (info *Information[T]) shrinkLocked() bool {
	if info.perBlock == 0 {
		return false
	}
	old := *info.table.Load()
	for b := 1; b < len(info.perBlk); b++ {
		first := uint32(b) * info.perBlock
		if old[first] == nil || info.perBlk[b] != info.perBlock {
			continue
		}
		tbl := make([]*slot[T], len(old))
		copy(tbl, old)
		for i := first; i < first+info.perBlock; i++ {
			info.inactive.Extract(info.links, i)
			tbl[i] = nil
		}
		info.perBlk[b] = 0
		info.table.Store(&tbl)
		info.log.Infof("class %d/%d released block %d", info.api, info.class, b)
		return true
	}
	return false
}
