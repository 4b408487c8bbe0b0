//go:build !linux

package mp

// pinThread is a no-op where thread affinity is unavailable; the callback
// still runs on a dedicated locked OS thread.
func pinThread(core int) {}
