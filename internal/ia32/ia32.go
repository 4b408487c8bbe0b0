// Package ia32 models the architectural state the hypervisor core reads and
// writes: control registers, descriptor tables, segments, MSR indices and
// the saved register contexts shared with the mode-transition trampolines.
package ia32

// PageSize is the architectural page size programmed into every
// alignment-constrained VMX region.
const PageSize = 0x1000

// CR0 bits.
const (
	CR0PE uint64 = 1 << 0
	CR0MP uint64 = 1 << 1
	CR0EM uint64 = 1 << 2
	CR0TS uint64 = 1 << 3
	CR0NE uint64 = 1 << 5
	CR0WP uint64 = 1 << 16
	CR0AM uint64 = 1 << 18
	CR0NW uint64 = 1 << 29
	CR0CD uint64 = 1 << 30
	CR0PG uint64 = 1 << 31
)

// CR4 bits.
const (
	CR4DE         uint64 = 1 << 3
	CR4PAE        uint64 = 1 << 5
	CR4VMXEnable  uint64 = 1 << 13
	CR4FSGSBase   uint64 = 1 << 16
	CR4PCIDEnable uint64 = 1 << 17
	CR4OSXSave    uint64 = 1 << 18
)

// RFLAGS bits.
const (
	RFlagsCF       uint64 = 1 << 0
	RFlagsReserved uint64 = 1 << 1
	RFlagsZF       uint64 = 1 << 6
	RFlagsTF       uint64 = 1 << 8
	RFlagsIF       uint64 = 1 << 9
	RFlagsDF       uint64 = 1 << 10
)

// MSR indices consumed by the core.
const (
	MSRDebugCtl       uint32 = 0x1D9
	MSRSysenterCS     uint32 = 0x174
	MSRSysenterESP    uint32 = 0x175
	MSRSysenterEIP    uint32 = 0x176
	MSRFeatureControl uint32 = 0x3A

	MSRVMXBasic            uint32 = 0x480
	MSRVMXPinbasedCtls     uint32 = 0x481
	MSRVMXProcbasedCtls    uint32 = 0x482
	MSRVMXExitCtls         uint32 = 0x483
	MSRVMXEntryCtls        uint32 = 0x484
	MSRVMXMisc             uint32 = 0x485
	MSRVMXCR0Fixed0        uint32 = 0x486
	MSRVMXCR0Fixed1        uint32 = 0x487
	MSRVMXCR4Fixed0        uint32 = 0x488
	MSRVMXCR4Fixed1        uint32 = 0x489
	MSRVMXProcbasedCtls2   uint32 = 0x48B
	MSRVMXEptVpidCap       uint32 = 0x48C
	MSRVMXTruePinbased     uint32 = 0x48D
	MSRVMXTrueProcbased    uint32 = 0x48E
	MSRVMXTrueExitCtls     uint32 = 0x48F
	MSRVMXTrueEntryCtls    uint32 = 0x490
	MSREFER                uint32 = 0xC0000080
	MSRFSBase              uint32 = 0xC0000100
	MSRGSBase              uint32 = 0xC0000101
	MSRKernelGSBase        uint32 = 0xC0000102
	MSRFeatureControlLock  uint64 = 1 << 0
	MSRFeatureControlVMXON uint64 = 1 << 2
)

// CPUID leaf 1 ECX feature bits.
const (
	CPUIDFeatureVMX uint32 = 1 << 5
)

// Vector is a hardware exception or interrupt number.
type Vector uint8

// Architectural exception vectors.
const (
	VectorDivideError      Vector = 0
	VectorDebug            Vector = 1
	VectorNMI              Vector = 2
	VectorBreakpoint       Vector = 3
	VectorOverflow         Vector = 4
	VectorBoundRange       Vector = 5
	VectorInvalidOpcode    Vector = 6
	VectorDeviceNotAvail   Vector = 7
	VectorDoubleFault      Vector = 8
	VectorInvalidTSS       Vector = 10
	VectorSegmentNotPres   Vector = 11
	VectorStackFault       Vector = 12
	VectorGeneralProt      Vector = 13
	VectorPageFault        Vector = 14
	VectorFloatingPoint    Vector = 16
	VectorAlignmentCheck   Vector = 17
	VectorMachineCheck     Vector = 18
	VectorSIMDFloating     Vector = 19
	VectorVirtualization   Vector = 20
	VectorControlProtError Vector = 21
)

// HasErrorCode reports whether the architecture pushes an error code for the
// vector. Event injection must only assert error-code validity for these.
func (v Vector) HasErrorCode() bool {
	switch v {
	case VectorDoubleFault, VectorInvalidTSS, VectorSegmentNotPres,
		VectorStackFault, VectorGeneralProt, VectorPageFault,
		VectorAlignmentCheck, VectorControlProtError:
		return true
	}
	return false
}

// DescriptorTable is the register image of GDTR or IDTR.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// SegmentReg indexes the VMCS segment field groups. The order is the
// hardware field ordering and must not change.
type SegmentReg int

const (
	SegES SegmentReg = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	SegLDTR
	SegTR

	segmentRegCount
)

// SegmentRegCount is the number of segment register slots in the VMCS.
const SegmentRegCount = int(segmentRegCount)

func (s SegmentReg) String() string {
	switch s {
	case SegES:
		return "es"
	case SegCS:
		return "cs"
	case SegSS:
		return "ss"
	case SegDS:
		return "ds"
	case SegFS:
		return "fs"
	case SegGS:
		return "gs"
	case SegLDTR:
		return "ldtr"
	case SegTR:
		return "tr"
	default:
		return "invalid"
	}
}

// SelectorRPL extracts the requested privilege level of a selector.
func SelectorRPL(sel uint16) uint16 { return sel & 0x3 }

// SelectorTI reports whether the selector addresses the LDT.
func SelectorTI(sel uint16) bool { return sel&0x4 != 0 }

// SelectorIndex extracts the descriptor-table index of a selector.
func SelectorIndex(sel uint16) uint16 { return sel >> 3 }

// AccessRights is the VMX segment access-rights image. Bit 16 marks the
// segment unusable.
type AccessRights uint32

const AccessRightsUnusable AccessRights = 1 << 16

// Segment is one full segment register image.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Access   AccessRights
}

// FXSaveArea receives the x87/SSE register file across a VM-exit. The
// hardware demands 16-byte alignment; the core allocates these from
// page-backed storage which over-satisfies that.
type FXSaveArea struct {
	Data [512]byte
}
