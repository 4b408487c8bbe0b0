// Package mm owns the memory discipline of the hypervisor core: page
// granular, address-stable allocations for the hardware regions whose
// physical addresses are programmed into control structures, a pre-reserved
// pool, and the scoped guard that brackets all root-mode-sensitive work.
package mm

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// PageSize mirrors the architectural page size.
const PageSize = 0x1000

// AllocPages maps n zeroed pages. The mapping is page-aligned and never
// moves until FreePages; hardware regions allocated here may have their
// physical addresses programmed into control registers.
func AllocPages(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("mm: invalid page count %d", n)
	}
	b, err := unix.Mmap(
		-1,
		0,
		n*PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mm: map %d pages: %w", n, err)
	}
	return b, nil
}

// FreePages releases a mapping returned by AllocPages.
func FreePages(b []byte) error {
	if b == nil {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("mm: unmap: %w", err)
	}
	return nil
}

// PagesFor returns the page count covering size bytes.
func PagesFor(size int) int {
	return (size + PageSize - 1) / PageSize
}

// guardDepth counts the nesting of active allocator guards across all
// cores. While non-zero, pool allocation is the only service available.
var guardDepth atomicbitops.Int32

// AllocatorGuard marks a region of execution during which the general
// purpose allocator must not be re-entered. Root-mode execution takes one
// around every entry into and exit from guest handling.
type AllocatorGuard struct {
	released bool
}

// Guard enters a guarded region.
func Guard() *AllocatorGuard {
	guardDepth.Add(1)
	return &AllocatorGuard{}
}

// Release leaves the guarded region. Releasing twice is a programming
// error.
func (g *AllocatorGuard) Release() {
	if g.released {
		panic("mm: allocator guard released twice")
	}
	g.released = true
	if guardDepth.Add(-1) < 0 {
		panic("mm: unbalanced allocator guard")
	}
}

// Guarded reports whether any allocator guard is active.
func Guarded() bool {
	return guardDepth.Load() > 0
}

// pool is the pre-reserved arena served while guards are active. A simple
// first-fit free list keeps this allocation path independent of the host
// allocator.
type pool struct {
	mu      sync.Mutex
	backing []byte
	free    []span
	used    map[int]int // offset -> length
}

type span struct {
	off int
	len int
}

var globalPool pool

// Initialize reserves the guarded-allocation pool. Called once before the
// first launch broadcast.
func Initialize(size int) error {
	globalPool.mu.Lock()
	defer globalPool.mu.Unlock()
	if globalPool.backing != nil {
		return fmt.Errorf("mm: pool already initialized")
	}
	b, err := AllocPages(PagesFor(size))
	if err != nil {
		return err
	}
	globalPool.backing = b
	globalPool.free = []span{{off: 0, len: len(b)}}
	globalPool.used = make(map[int]int)
	return nil
}

// Destroy releases the pool. Outstanding allocations are a programming
// error.
func Destroy() error {
	globalPool.mu.Lock()
	defer globalPool.mu.Unlock()
	if globalPool.backing == nil {
		return nil
	}
	if len(globalPool.used) != 0 {
		panic(fmt.Sprintf("mm: destroying pool with %d live allocations", len(globalPool.used)))
	}
	err := FreePages(globalPool.backing)
	globalPool.backing = nil
	globalPool.free = nil
	globalPool.used = nil
	return err
}

// Allocate carves size bytes out of the pool. Returns nil when the pool is
// exhausted or uninitialized; callers on the fatal-free paths check.
func Allocate(size int) []byte {
	if size <= 0 {
		return nil
	}
	// Round to 16 so FXSAVE-class users stay aligned.
	size = (size + 15) &^ 15

	globalPool.mu.Lock()
	defer globalPool.mu.Unlock()
	for i, s := range globalPool.free {
		if s.len < size {
			continue
		}
		globalPool.used[s.off] = size
		b := globalPool.backing[s.off : s.off+size : s.off+size]
		if s.len == size {
			globalPool.free = append(globalPool.free[:i], globalPool.free[i+1:]...)
		} else {
			globalPool.free[i] = span{off: s.off + size, len: s.len - size}
		}
		return b
	}
	return nil
}

// Free returns an Allocate result to the pool.
func Free(b []byte) {
	if b == nil {
		return
	}
	globalPool.mu.Lock()
	defer globalPool.mu.Unlock()
	off := offsetOf(globalPool.backing, b)
	length, ok := globalPool.used[off]
	if !ok {
		panic("mm: freeing unknown pool allocation")
	}
	delete(globalPool.used, off)
	globalPool.free = append(globalPool.free, span{off: off, len: length})
}

// AllocatedBytes reports the bytes currently handed out of the pool.
func AllocatedBytes() int {
	globalPool.mu.Lock()
	defer globalPool.mu.Unlock()
	total := 0
	for _, l := range globalPool.used {
		total += l
	}
	return total
}

// FreeBytes reports the bytes remaining in the pool.
func FreeBytes() int {
	globalPool.mu.Lock()
	defer globalPool.mu.Unlock()
	total := 0
	for _, s := range globalPool.free {
		total += s.len
	}
	return total
}

func offsetOf(backing, b []byte) int {
	if len(backing) == 0 || len(b) == 0 {
		panic("mm: freeing into empty pool")
	}
	off := int(uintptr(addrOf(b)) - uintptr(addrOf(backing)))
	if off < 0 || off >= len(backing) {
		panic("mm: freeing pointer outside pool")
	}
	return off
}
