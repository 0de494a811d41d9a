// ════════════════════════════════════════════════════════════════════════════════════════════════
// Core-Pinned Consumer
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Dedicated Drain Loop for Event Rings
//
// Description:
//   Drains one ring on an OS thread pinned to a core. While events keep arriving (or the producer
//   side raises hot) the loop spins; after hotWindow of silence it relaxes and finally sleeps
//   between polls so an idle kernel does not burn a core.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package ring

import (
	"runtime"
	"sync/atomic"
	"time"
)

const (
	hotWindow  = 50 * time.Millisecond
	spinBudget = 256
	coldSleep  = time.Millisecond
)

// PinThread locks the calling goroutine to its OS thread and pins that thread to core. A
// negative core only locks.
func PinThread(core int) error {
	runtime.LockOSThread()
	return setAffinity(core)
}

// PinnedConsumer starts the drain goroutine. handler runs for every payload; done is closed once
// stop is observed and the ring has been emptied. Callers stop every producer of r before they
// raise stop; a push after that may be left in the ring.
func PinnedConsumer(
	core int,
	r *Ring,
	stop, hot *atomic.Bool,
	handler func(*[Size]byte),
	done chan<- struct{},
) {
	go func() {
		_ = PinThread(core)
		defer func() {
			runtime.UnlockOSThread()
			close(done)
		}()

		last := time.Now()
		miss := 0
		for {
			if p := r.Pop(); p != nil {
				handler(p)
				last, miss = time.Now(), 0
				continue
			}
			if stop.Load() {
				// The owner seals its producers before raising stop; this is the last backlog.
				for p := r.Pop(); p != nil; p = r.Pop() {
					handler(p)
				}
				return
			}
			if hot.Load() || time.Since(last) <= hotWindow {
				continue
			}
			if miss++; miss >= spinBudget {
				miss = 0
				time.Sleep(coldSleep)
				continue
			}
			cpuRelax()
		}
	}()
}
