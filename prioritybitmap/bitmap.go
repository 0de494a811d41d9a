// ════════════════════════════════════════════════════════════════════════════════════════════════
// Two-Level Priority Bit Map
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Ready-Queue Index for the Priority Scheduler
//
// Description:
//   Finds the most urgent (lowest numbered) non-empty priority in two word scans regardless of
//   how many priorities are in use. A major word carries one bit per non-empty minor word; each
//   minor word carries one bit per priority.
//
// Features:
//   - Hardware trailing-zero count for both levels
//   - Precomputed per-priority masks (Info) so hot paths never recompute shifts
//   - Zero allocation; the map is a plain value that can be embedded
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package prioritybitmap

import (
	"math/bits"

	"rtcore/constants"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONFIGURATION CONSTANTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

const (
	// Words is the number of minor words; one major bit per word.
	Words = constants.PriorityBitmapWords

	// Limit is the number of priorities the map can index (0..Limit-1).
	Limit = constants.PriorityLimit

	// None is returned by Highest when the map is empty.
	None uint32 = ^uint32(0)
)

// Every minor word must map to one bit of the 64-bit major word.
var _ [64 - Words]byte

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPE DEFINITIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Map is the two-level bit map. The zero value is an empty map.
type Map struct {
	major uint64        // bit w set ⇔ minor[w] != 0
	minor [Words]uint64 // bit b of word w ⇔ priority w*64+b is non-empty
}

// Info caches the word/bit decomposition of one priority.
// The priority scheduler keeps one per ready node so Add/Remove are pure mask operations.
type Info struct {
	Major    uint8  // minor word index
	Minor    uint8  // bit index inside the minor word
	MajorBit uint64 // 1 << Major
	MinorBit uint64 // 1 << Minor
}

// NewInfo decomposes priority p. p must be below Limit.
//
//go:nosplit
//go:inline
func NewInfo(p uint32) Info {
	major := uint8(p >> 6)
	minor := uint8(p & 63)
	return Info{
		Major:    major,
		Minor:    minor,
		MajorBit: 1 << major,
		MinorBit: 1 << minor,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MUTATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Add marks the priority described by info as non-empty.
//
//go:nosplit
//go:inline
func (m *Map) Add(info *Info) {
	m.minor[info.Major] |= info.MinorBit
	m.major |= info.MajorBit
}

// Remove marks the priority described by info as empty. The major bit is only
// cleared once the whole minor word drains.
//
//go:nosplit
//go:inline
func (m *Map) Remove(info *Info) {
	w := m.minor[info.Major] &^ info.MinorBit
	m.minor[info.Major] = w
	if w == 0 {
		m.major &^= info.MajorBit
	}
}

// Set marks priority p as non-empty.
func (m *Map) Set(p uint32) {
	info := NewInfo(p)
	m.Add(&info)
}

// Clear marks priority p as empty.
func (m *Map) Clear(p uint32) {
	info := NewInfo(p)
	m.Remove(&info)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Highest returns the lowest numbered non-empty priority, or None.
//
//go:nosplit
//go:inline
func (m *Map) Highest() uint32 {
	if m.major == 0 {
		return None
	}
	w := bits.TrailingZeros64(m.major)
	b := bits.TrailingZeros64(m.minor[w])
	return uint32(w<<6 | b)
}

// IsSet reports whether priority p is marked non-empty.
func (m *Map) IsSet(p uint32) bool {
	return m.minor[p>>6]&(1<<(p&63)) != 0
}

// IsEmpty reports whether no priority is marked.
//
//go:nosplit
//go:inline
func (m *Map) IsEmpty() bool { return m.major == 0 }

// Reset clears every priority.
func (m *Map) Reset() { *m = Map{} }
