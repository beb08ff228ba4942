//go:build !linux

package reactor

// pinToCore is a no-op outside Linux: there is no portable equivalent of
// sched_setaffinity, so a reactor on other platforms runs on whichever OS
// thread the runtime schedules it to, unpinned.
func pinToCore(core int) error {
	return nil
}
