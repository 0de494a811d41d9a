package ring

import "runtime"

// cpuRelax yields the processor inside spin loops.
func cpuRelax() { runtime.Gosched() }
