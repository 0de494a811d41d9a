// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: constants.go — Kernel-wide tunables and identifier layout
//
// Purpose:
//   - Defines the compile-time limits every arena in the core is sized against.
//   - Fixes the bit layout of object identifiers shared by all managers.
//
// Notes:
//   - Runtime configuration (config package) may lower these limits, never raise them.
//   - Priority convention: lower numeric value = more urgent.
//
// ⚠️ No runtime logic here. All values must be compile-time resolvable.
// ─────────────────────────────────────────────────────────────────────────────

package constants

// ───────────────────────────── Priorities ─────────────────────────────────

const (
	// PriorityBitmapWords is the number of minor words in the priority bit map.
	// Each minor word covers 64 priorities; the major word has one bit per minor word.
	PriorityBitmapWords = 64

	// PriorityLimit is the number of distinct priorities the bit map can index.
	PriorityLimit = PriorityBitmapWords * 64

	// DefaultMaximumPriority is the idle priority of a scheduler instance unless configured.
	// Application threads use 1..DefaultMaximumPriority-1 at the API level.
	DefaultMaximumPriority = 255
)

// ─────────────────────────── Object identifiers ───────────────────────────

const (
	// IndexBits is the width of the index portion of an object id (bits 0..15).
	IndexBits = 16

	// NodeBits is the width of the node portion (bits 16..23).
	NodeBits = 8

	// APIBits is the width of the API portion (bits 24..26).
	APIBits = 3

	// ClassBits is the width of the class portion (bits 27..31).
	ClassBits = 5

	// IndexMinimum is the lowest valid index; index 0 is the "not found" sentinel.
	IndexMinimum = 1

	// IndexMaximum is the largest index representable in an id.
	IndexMaximum = 1<<IndexBits - 1

	// LocalNode is the node number of objects owned by this kernel instance.
	LocalNode = 1
)

// ──────────────────────────── Arena sizing ────────────────────────────────

const (
	// DefaultMaximumThreads bounds scheduler node arenas and thread queue links.
	DefaultMaximumThreads = 256

	// DefaultWatchdogSlots is the number of preallocated watchdog entries.
	DefaultWatchdogSlots = 1024

	// WatchdogBuckets is the number of timing-wheel buckets (power of two).
	WatchdogBuckets = 4096

	// DefaultMaximumServers bounds the number of CBS servers.
	DefaultMaximumServers = 16

	// MaximumProcessors bounds the processor table.
	MaximumProcessors = 64

	// MaximumPriorityContributions bounds nested inherited/ceiling priorities per thread.
	MaximumPriorityContributions = 16
)

// ─────────────────────────────── Clock ────────────────────────────────────

const (
	// DefaultTicksPerTimeslice is the timeslice budget for threads using timeslicing.
	DefaultTicksPerTimeslice = 50

	// DefaultMicrosecondsPerTick is the nominal clock tick length.
	DefaultMicrosecondsPerTick = 10000

	// NoTimeout requests an unbounded wait.
	NoTimeout = 0
)

// ───────────────────────────── Recorder ───────────────────────────────────

const (
	// DefaultRecordRingSize is the per-processor event ring capacity (power of two).
	DefaultRecordRingSize = 1 << 12

	// RecordSize is the fixed size of one recorded event.
	RecordSize = 24
)
