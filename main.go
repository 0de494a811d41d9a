// ════════════════════════════════════════════════════════════════════════════════════════════════
// Kernel Core Demo - Main Entry Point
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Main Entry Point & System Orchestration
//
// Description:
//   Boots a hosted kernel from a configuration file, drives a periodic task set with a paced
//   clock and exports the recorded event stream.
//
// Architecture:
//   - Phase 0: Configuration load and logging setup
//   - Phase 1: Kernel construction and recorder start
//   - Phase 2: Task set creation
//   - Phase 3: Paced clock loop with GC disabled until the tick budget or a signal ends it
//   - Phase 4: Recorder drain and export
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package main

import (
	"encoding/hex"
	"os"
	"os/signal"
	"runtime"
	rtdebug "runtime/debug"
	"strconv"
	"syscall"
	"time"

	"rtcore/config"
	"rtcore/debug"
	"rtcore/kernel"
	"rtcore/record"
	"rtcore/ring"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MAIN ORCHESTRATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// main orchestrates the demo lifecycle in distinct phases.
func main() {
	// PHASE 0: Configuration
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		debug.DropError("CONFIG", err)
		os.Exit(1)
	}
	debug.Configure(cfg.Log.Verbosity, cfg.Log.Path)
	debug.DropMessage("CONFIG", strconv.Itoa(cfg.Processors)+" processors, "+strconv.Itoa(len(cfg.Schedulers))+" schedulers")

	// PHASE 1: Kernel construction
	k, err := kernel.New(cfg)
	if err != nil {
		debug.DropError("KERNEL", err)
		os.Exit(1)
	}
	if err := k.Start(); err != nil {
		debug.DropError("RECORDER", err)
		os.Exit(1)
	}

	// PHASE 2: Task set
	ts, err := newTaskSet(k)
	if err != nil {
		debug.DropError("TASKS", err)
		k.Close()
		os.Exit(1)
	}
	debug.DropMessage("TASKS", strconv.Itoa(len(ts.tasks))+" periodic tasks")

	// PHASE 3: Clock
	core := -1
	if cfg.Recorder.Core >= 0 {
		core = cfg.Recorder.Core + cfg.Processors
	}
	if err := ring.PinThread(core); err != nil {
		debug.DropError("PIN", err)
	}
	ticks := runClock(k, ts, demoTicks, time.Duration(cfg.MicrosecondsPerTick)*time.Microsecond)
	debug.DropMessage("CLOCK", strconv.FormatUint(ticks, 10)+" ticks, "+strconv.Itoa(ts.jobs)+" jobs completed")

	// PHASE 4: Drain and export
	if err := k.Close(); err != nil {
		debug.DropError("RECORDER", err)
	}
	export(k)
}

// loadConfig reads the file named by the first argument, or enables recording on the default
// configuration when there is none.
func loadConfig(args []string) (*config.Config, error) {
	if len(args) > 0 {
		return config.Load(args[0])
	}
	cfg := config.Default()
	cfg.Recorder.Enabled = true
	return &cfg, cfg.Validate()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CLOCK LOOP
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// runClock ticks the kernel every interval until n ticks passed or a signal arrives.
// Returns the tick count reached.
func runClock(k *kernel.Kernel, ts *taskSet, n int, interval time.Duration) uint64 {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rtdebug.SetGCPercent(-1) // Disable garbage collection while the clock runs
	defer rtdebug.SetGCPercent(100)

	k.Recorder().SetHot(true)
	defer k.Recorder().SetHot(false)

	var memstats runtime.MemStats
	now := k.Ticks()
	for i := 0; i < n; i++ {
		select {
		case <-sigChan:
			debug.DropMessage("SIGNAL", "Received interrupt, stopping clock")
			return now
		case <-ticker.C:
		}
		now = k.Tick()
		ts.step()

		if i%memCheckEvery != 0 {
			continue
		}
		runtime.ReadMemStats(&memstats)
		if memstats.HeapAlloc > heapSoftLimit {
			rtdebug.SetGCPercent(100)
			runtime.GC()
			rtdebug.SetGCPercent(-1)
			debug.DropMessage("GC", "heap trimmed")
		}
		if memstats.HeapAlloc > heapHardLimit {
			panic("heap usage exceeded hard cap, event backlog likely")
		}
	}
	return now
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// EXPORT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// export writes the in-memory event stream as JSON to stdout and logs its digest. Events sent
// to a sqlite database stay there.
func export(k *kernel.Kernel) {
	rec := k.Recorder()
	if rec == nil {
		return
	}
	buf, ok := rec.Sink().(*record.Buffer)
	if !ok {
		debug.DropMessage("EXPORT", "events stored in "+k.Config().Recorder.SQLite)
		return
	}
	recs := buf.Records()
	sum, err := record.Digest(recs)
	if err != nil {
		debug.DropError("DIGEST", err)
		return
	}
	debug.DropMessage("DIGEST", strconv.Itoa(len(recs))+" events, sha3-256 "+hex.EncodeToString(sum[:]))
	if err := record.ExportJSON(os.Stdout, recs); err != nil {
		debug.DropError("EXPORT", err)
	}
	if n := rec.Dropped(); n > 0 {
		debug.DropMessage("EXPORT", strconv.FormatUint(n, 10)+" events dropped on full rings")
	}
}
