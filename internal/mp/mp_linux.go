//go:build linux

package mp

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// pinThread binds the calling OS thread to one logical core. Pinning is
// best effort: a failed affinity call leaves the callback running on an
// arbitrary core, which only costs locality, not correctness, on hosts
// where core identity is not hardware-visible.
func pinThread(core int) {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		slog.Debug("mp: pin thread", "core", core, "error", err)
	}
}
