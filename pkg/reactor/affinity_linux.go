//go:build linux

package reactor

import "golang.org/x/sys/unix"

// pinToCore binds the calling OS thread to a single CPU core via
// sched_setaffinity, giving each cooperative reactor loop its own core.
// The caller must have already called
// runtime.LockOSThread so the binding sticks to the goroutine running the
// reactor loop. Best-effort: a failure (e.g. insufficient privilege, core
// index outside the process's allowed set) is returned but is not fatal —
// the reactor still runs, just without a CPU pin.
func pinToCore(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
