package main

// constants.go — demo tunables.

// ─────────────────────────────── Clock Budget ───────────────────────────────

const (
	// demoTicks bounds a run. At the default 10ms tick this is one minute.
	demoTicks = 6000

	// tasksPerProcessor sizes the periodic task set of each scheduler instance.
	tasksPerProcessor = 2
)

// ─────────────────────────── Memory Guardrails ─────────────────────────────

const (
	// heapSoftLimit triggers a manual GC pass if exceeded.
	heapSoftLimit = 128 << 20 // 128 MiB

	// heapHardLimit forces a panic if exceeded. Indicates an event backlog the consumers
	// cannot drain.
	heapHardLimit = 512 << 20 // 512 MiB

	// memCheckEvery is the tick interval between heap checks.
	memCheckEvery = 100
)
