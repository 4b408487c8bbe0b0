package mp

import (
	"sync"
	"testing"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

func TestCPUCount(t *testing.T) {
	if CPUCount() < 1 {
		t.Fatalf("cpu count %d", CPUCount())
	}
}

func TestBroadcastNCoversEachCoreOnce(t *testing.T) {
	const n = 8
	var hits [n]atomicbitops.Int32
	BroadcastN(n, func(core int) {
		hits[core].Add(1)
	})
	for core := range hits {
		if got := hits[core].Load(); got != 1 {
			t.Errorf("core %d ran %d times, want 1", core, got)
		}
	}
}

func TestBroadcastNIsSynchronous(t *testing.T) {
	var mu sync.Mutex
	done := 0
	BroadcastN(4, func(core int) {
		mu.Lock()
		done++
		mu.Unlock()
	})
	// All invocations must have completed by the time BroadcastN returns.
	mu.Lock()
	defer mu.Unlock()
	if done != 4 {
		t.Fatalf("%d invocations observed after return, want 4", done)
	}
}

func TestBroadcastNZero(t *testing.T) {
	BroadcastN(0, func(core int) {
		t.Error("callback ran for zero cores")
	})
}

func TestBroadcastCoversAllCores(t *testing.T) {
	var count atomicbitops.Int32
	Broadcast(func(core int) {
		count.Add(1)
	})
	if got := int(count.Load()); got != CPUCount() {
		t.Fatalf("%d invocations, want %d", got, CPUCount())
	}
}
