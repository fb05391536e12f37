// Package affinity pins a progress-thread goroutine's backing OS thread
// to a logical CPU (spec §4.H "CPU pinning via internal/affinity"),
// keyed into internal/progress.Worker so N worker goroutines spread
// across distinct cores instead of migrating under the Go scheduler.
//
// Grounded on affinity/affinity.go's platform-neutral entry point plus
// per-OS build-tagged implementation files; the Linux implementation is
// rebuilt on golang.org/x/sys/unix's sched_setaffinity syscall instead of
// the teacher's cgo pthread_setaffinity_np, matching SPEC_FULL.md §8's
// golang.org/x/sys wiring and avoiding a cgo dependency for this port.
package affinity

// Pin locks the calling goroutine's OS thread (the caller must have
// already called runtime.LockOSThread) to cpuID.
func Pin(cpuID int) error {
	return pinPlatform(cpuID)
}
