package ia32

import "testing"

func TestSelectorDecode(t *testing.T) {
	// Kernel CS on a conventional layout: index 2, GDT, RPL 0.
	const sel = uint16(0x10)
	if SelectorIndex(sel) != 2 {
		t.Fatalf("index %d, want 2", SelectorIndex(sel))
	}
	if SelectorTI(sel) {
		t.Fatal("GDT selector decoded as LDT")
	}
	if SelectorRPL(sel) != 0 {
		t.Fatalf("rpl %d, want 0", SelectorRPL(sel))
	}

	// User DS: index 5, GDT, RPL 3.
	const user = uint16(0x2B)
	if SelectorIndex(user) != 5 || SelectorRPL(user) != 3 {
		t.Fatalf("user selector decode: index %d rpl %d", SelectorIndex(user), SelectorRPL(user))
	}
	if !SelectorTI(uint16(0x4)) {
		t.Fatal("LDT selector decoded as GDT")
	}
}

func TestVectorHasErrorCode(t *testing.T) {
	withCode := []Vector{
		VectorDoubleFault, VectorInvalidTSS, VectorSegmentNotPres,
		VectorStackFault, VectorGeneralProt, VectorPageFault,
		VectorAlignmentCheck, VectorControlProtError,
	}
	for _, v := range withCode {
		if !v.HasErrorCode() {
			t.Errorf("vector %d should carry an error code", v)
		}
	}
	withoutCode := []Vector{
		VectorDivideError, VectorDebug, VectorNMI, VectorBreakpoint,
		VectorInvalidOpcode, VectorMachineCheck,
	}
	for _, v := range withoutCode {
		if v.HasErrorCode() {
			t.Errorf("vector %d should not carry an error code", v)
		}
	}
}

func TestSegmentRegOrder(t *testing.T) {
	// The index order is the VMCS field ordering.
	want := []SegmentReg{SegES, SegCS, SegSS, SegDS, SegFS, SegGS, SegLDTR, SegTR}
	for i, r := range want {
		if int(r) != i {
			t.Fatalf("segment %v at index %d, want %d", r, r, i)
		}
	}
	if SegmentRegCount != len(want) {
		t.Fatalf("segment count %d, want %d", SegmentRegCount, len(want))
	}
}

func TestSegmentRegString(t *testing.T) {
	if SegTR.String() != "tr" || SegES.String() != "es" {
		t.Fatal("segment names wrong")
	}
	if SegmentReg(99).String() != "invalid" {
		t.Fatal("out-of-range segment must format as invalid")
	}
}

func TestContextClear(t *testing.T) {
	c := Context{Rax: 1, Rsp: 2, Rip: 3, Rflags: 4, R15: 5}
	c.Clear()
	if c != (Context{}) {
		t.Fatalf("clear left state: %+v", c)
	}
}
