// ════════════════════════════════════════════════════════════════════════════════════════════════
// Recorded Events
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Fixed-Width Event Records
//
// Description:
//   Every scheduling decision the kernel makes can be recorded as one 24-byte record, sized to
//   a ring slot so recording is a copy and two atomics. The layout is little endian:
//
//     [0:8)   tick     watchdog clock at the time of the event
//     [8:10)  event    Event code
//     [10:12) cpu      processor index
//     [12:16) object   object id the event concerns (thread, queue owner, server)
//     [16:24) arg      event specific argument
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package record

import (
	"encoding/binary"
	"strconv"

	"rtcore/ring"
)

// Event identifies what happened.
type Event uint16

const (
	EventNone Event = iota
	EventAllocate
	EventFree
	EventStart
	EventDelete
	EventBlock
	EventUnblock
	EventEnqueue
	EventSurrender
	EventTimeout
	EventHeir
	EventDispatch
	EventWatchdog
	EventOverrun
	EventReplenish
	EventPriority
	EventInterrupt
	EventMigrate
)

var eventNames = [...]string{
	EventNone:      "none",
	EventAllocate:  "allocate",
	EventFree:      "free",
	EventStart:     "start",
	EventDelete:    "delete",
	EventBlock:     "block",
	EventUnblock:   "unblock",
	EventEnqueue:   "enqueue",
	EventSurrender: "surrender",
	EventTimeout:   "timeout",
	EventHeir:      "heir",
	EventDispatch:  "dispatch",
	EventWatchdog:  "watchdog",
	EventOverrun:   "overrun",
	EventReplenish: "replenish",
	EventPriority:  "priority",
	EventInterrupt: "interrupt",
	EventMigrate:   "migrate",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "event(" + strconv.Itoa(int(e)) + ")"
}

// Record is one decoded event. The CBOR form is a 5-element array in field order.
type Record struct {
	_      struct{} `cbor:",toarray"`
	Tick   uint64   `json:"tick"`
	Event  Event    `json:"event"`
	CPU    uint16   `json:"cpu"`
	Object uint32   `json:"object"`
	Arg    uint64   `json:"arg"`
}

// Encode writes the ring form of rec into buf.
//
//go:nosplit
func (rec *Record) Encode(buf *[ring.Size]byte) {
	binary.LittleEndian.PutUint64(buf[0:8], rec.Tick)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(rec.Event))
	binary.LittleEndian.PutUint16(buf[10:12], rec.CPU)
	binary.LittleEndian.PutUint32(buf[12:16], rec.Object)
	binary.LittleEndian.PutUint64(buf[16:24], rec.Arg)
}

// Decode reads a ring slot.
//
//go:nosplit
func Decode(buf *[ring.Size]byte) Record {
	return Record{
		Tick:   binary.LittleEndian.Uint64(buf[0:8]),
		Event:  Event(binary.LittleEndian.Uint16(buf[8:10])),
		CPU:    binary.LittleEndian.Uint16(buf[10:12]),
		Object: binary.LittleEndian.Uint32(buf[12:16]),
		Arg:    binary.LittleEndian.Uint64(buf[16:24]),
	}
}
