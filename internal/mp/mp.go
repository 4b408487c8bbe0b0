// Package mp provides the multiprocessor primitive the controller builds
// on: run a closure on every logical core and do not return until all of
// them have finished.
package mp

import (
	"runtime"
	"sync"
)

// CPUCount returns the number of logical cores the broadcast covers.
func CPUCount() int {
	return runtime.NumCPU()
}

// Broadcast runs fn once per logical core, each invocation on its own
// OS thread bound to that core, and returns after every invocation has
// completed. No core observes another core's state mid-callback: callers
// finish all shared setup before broadcasting.
func Broadcast(fn func(core int)) {
	BroadcastN(CPUCount(), fn)
}

// BroadcastN is Broadcast over the first n cores. The controller uses it
// when configured for fewer cores than the machine has.
func BroadcastN(n int, fn func(core int)) {
	var wg sync.WaitGroup
	for core := 0; core < n; core++ {
		wg.Add(1)
		go func(core int) {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			pinThread(core)
			fn(core)
		}(core)
	}
	wg.Wait()
}
