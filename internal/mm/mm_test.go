package mm

import "testing"

func TestAllocPages(t *testing.T) {
	b, err := AllocPages(3)
	if err != nil {
		t.Fatal(err)
	}
	defer FreePages(b)

	if len(b) != 3*PageSize {
		t.Fatalf("len = %d, want %d", len(b), 3*PageSize)
	}
	if uintptr(addrOf(b))%PageSize != 0 {
		t.Fatalf("mapping not page aligned: %p", addrOf(b))
	}
	for i, c := range b {
		if c != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, c)
		}
	}
}

func TestAllocPagesInvalid(t *testing.T) {
	if _, err := AllocPages(0); err == nil {
		t.Fatal("zero pages must fail")
	}
	if _, err := AllocPages(-1); err == nil {
		t.Fatal("negative pages must fail")
	}
}

func TestPagesFor(t *testing.T) {
	cases := []struct{ size, want int }{
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{3 * PageSize, 3},
	}
	for _, c := range cases {
		if got := PagesFor(c.size); got != c.want {
			t.Errorf("PagesFor(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestGuardNesting(t *testing.T) {
	if Guarded() {
		t.Fatal("guarded before any guard taken")
	}
	outer := Guard()
	inner := Guard()
	if !Guarded() {
		t.Fatal("not guarded with two guards held")
	}
	inner.Release()
	if !Guarded() {
		t.Fatal("outer guard lost with inner release")
	}
	outer.Release()
	if Guarded() {
		t.Fatal("still guarded after all releases")
	}
}

func TestGuardDoubleReleasePanics(t *testing.T) {
	g := Guard()
	g.Release()
	defer func() {
		if recover() == nil {
			t.Fatal("double release did not panic")
		}
	}()
	g.Release()
}

func TestPool(t *testing.T) {
	if err := Initialize(4 * PageSize); err != nil {
		t.Fatal(err)
	}
	defer Destroy()

	total := FreeBytes()
	if total < 4*PageSize {
		t.Fatalf("pool smaller than requested: %d", total)
	}

	a := Allocate(100)
	if a == nil {
		t.Fatal("allocate failed with room to spare")
	}
	if len(a) != 112 { // rounded to 16
		t.Fatalf("allocation size %d, want 112", len(a))
	}
	if AllocatedBytes() != 112 {
		t.Fatalf("allocated bytes %d, want 112", AllocatedBytes())
	}

	b := Allocate(PageSize)
	if b == nil {
		t.Fatal("second allocation failed")
	}

	Free(a)
	Free(b)
	if AllocatedBytes() != 0 {
		t.Fatalf("allocated bytes %d after freeing all", AllocatedBytes())
	}
	if FreeBytes() != total {
		t.Fatalf("free bytes %d, want %d", FreeBytes(), total)
	}
}

func TestPoolExhaustion(t *testing.T) {
	if err := Initialize(PageSize); err != nil {
		t.Fatal(err)
	}
	defer Destroy()

	a := Allocate(FreeBytes())
	if a == nil {
		t.Fatal("allocating the whole pool failed")
	}
	if Allocate(16) != nil {
		t.Fatal("exhausted pool handed out memory")
	}
	Free(a)
	b := Allocate(16)
	if b == nil {
		t.Fatal("pool did not recover after free")
	}
	Free(b)
}

func TestPoolDoubleInitialize(t *testing.T) {
	if err := Initialize(PageSize); err != nil {
		t.Fatal(err)
	}
	defer Destroy()
	if err := Initialize(PageSize); err == nil {
		t.Fatal("second initialize must fail")
	}
}

func TestPoolAllocateUninitialized(t *testing.T) {
	if Allocate(16) != nil {
		t.Fatal("uninitialized pool handed out memory")
	}
}

func TestPoolFreeUnknownPanics(t *testing.T) {
	if err := Initialize(PageSize); err != nil {
		t.Fatal(err)
	}
	defer Destroy()
	a := Allocate(32)
	defer Free(a)

	defer func() {
		if recover() == nil {
			t.Fatal("freeing an unknown slice did not panic")
		}
	}()
	Free(a[16:])
}

func TestDestroyWithLivePanics(t *testing.T) {
	if err := Initialize(PageSize); err != nil {
		t.Fatal(err)
	}
	a := Allocate(32)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("destroy with live allocation did not panic")
			}
		}()
		Destroy()
	}()

	Free(a)
	if err := Destroy(); err != nil {
		t.Fatal(err)
	}
}
