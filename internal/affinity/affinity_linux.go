//go:build linux

package affinity

import (
	"golang.org/x/sys/unix"
)

// pinPlatform pins the calling thread to cpuID via sched_setaffinity.
func pinPlatform(cpuID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	return unix.SchedSetaffinity(0, &set)
}
