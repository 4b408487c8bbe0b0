package vmcs

// MemoryTypeWriteBack is the only VMCS/EPT memory type this core accepts.
const MemoryTypeWriteBack = 6

// Basic is the decoded IA32_VMX_BASIC capability MSR.
type Basic struct {
	RevisionID   uint32
	RegionSize   uint32
	MemoryType   uint8
	TrueControls bool
}

// ParseBasic decodes IA32_VMX_BASIC.
func ParseBasic(v uint64) Basic {
	return Basic{
		RevisionID:   uint32(v) & 0x7FFFFFFF,
		RegionSize:   uint32(v>>32) & 0x1FFF,
		MemoryType:   uint8(v>>50) & 0xF,
		TrueControls: v&(1<<55) != 0,
	}
}

// EptVpidCap is the decoded IA32_VMX_EPT_VPID_CAP capability MSR, reduced
// to the bits the core gates on.
type EptVpidCap struct {
	ExecuteOnlyPages    bool
	PageWalkLength4     bool
	MemoryTypeWriteBack bool
	PDE2MBPages         bool
	PDPTE1GBPages       bool
	Invept              bool
	InveptSingleContext bool
	InveptAllContexts   bool
	Invvpid             bool
	InvvpidAllContexts  bool
}

// ParseEptVpidCap decodes IA32_VMX_EPT_VPID_CAP.
func ParseEptVpidCap(v uint64) EptVpidCap {
	return EptVpidCap{
		ExecuteOnlyPages:    v&(1<<0) != 0,
		PageWalkLength4:     v&(1<<6) != 0,
		MemoryTypeWriteBack: v&(1<<14) != 0,
		PDE2MBPages:         v&(1<<16) != 0,
		PDPTE1GBPages:       v&(1<<17) != 0,
		Invept:              v&(1<<20) != 0,
		InveptSingleContext: v&(1<<25) != 0,
		InveptAllContexts:   v&(1<<26) != 0,
		Invvpid:             v&(1<<32) != 0,
		InvvpidAllContexts:  v&(1<<42) != 0,
	}
}

// EPTPointerFor composes the EPT-pointer field value for a nested-paging
// root: write-back memory type, page-walk length 4.
func EPTPointerFor(rootPhysical uint64) uint64 {
	const (
		walkLengthMinusOne = 3
		walkLengthShift    = 3
	)
	return (rootPhysical &^ 0xFFF) |
		(walkLengthMinusOne << walkLengthShift) |
		MemoryTypeWriteBack
}

// AdjustCR applies the fixed-bit constraints a pair of capability MSRs puts
// on a control register while VMX operation is enabled: fixed0 bits must be
// set, fixed1 bits are the only ones allowed.
func AdjustCR(value, fixed0, fixed1 uint64) uint64 {
	return (value | fixed0) & fixed1
}
