//go:build linux

package ring

import "golang.org/x/sys/unix"

// setAffinity pins the calling OS thread to cpu. Failures (cgroup limits, cpu out of range)
// leave the thread unpinned.
func setAffinity(cpu int) error {
	if cpu < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
