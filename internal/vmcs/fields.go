// Package vmcs models the virtual-machine control structure: field
// encodings, execution-control bitfields, exit reasons, VM-instruction
// errors, event-injection records and the VMX capability MSRs.
package vmcs

// Field is a VMCS field encoding. Bits 14:13 select the access width and
// bits 11:10 the field group, which is why related fields step by two.
type Field uint32

// 16-bit control fields.
const (
	VPID Field = 0x0000
)

// 16-bit guest-state fields. Segment selectors step by two in SegmentReg
// order (ES, CS, SS, DS, FS, GS, LDTR, TR).
const (
	GuestESSelector Field = 0x0800
)

// 16-bit host-state fields (ES, CS, SS, DS, FS, GS, TR).
const (
	HostESSelector Field = 0x0C00
)

// 64-bit control fields.
const (
	IOBitmapA  Field = 0x2000
	IOBitmapB  Field = 0x2002
	MSRBitmap  Field = 0x2004
	EPTPointer Field = 0x201A
)

// 64-bit read-only data fields.
const (
	GuestPhysicalAddress Field = 0x2400
)

// 64-bit guest-state fields.
const (
	VMCSLinkPointer Field = 0x2800
	GuestDebugCtl   Field = 0x2802
	GuestPAT        Field = 0x2804
	GuestEFER       Field = 0x2806
)

// 32-bit control fields.
const (
	PinBasedControls        Field = 0x4000
	ProcBasedControls       Field = 0x4002
	ExceptionBitmap         Field = 0x4004
	PageFaultErrorCodeMask  Field = 0x4006
	PageFaultErrorCodeMatch Field = 0x4008
	CR3TargetCount          Field = 0x400A
	ExitControls            Field = 0x400C
	ExitMSRStoreCount       Field = 0x400E
	ExitMSRLoadCount        Field = 0x4010
	EntryControls           Field = 0x4012
	EntryMSRLoadCount       Field = 0x4014
	EntryInterruptionInfo   Field = 0x4016
	EntryExceptionErrorCode Field = 0x4018
	EntryInstructionLength  Field = 0x401A
	ProcBasedControls2      Field = 0x401E
)

// 32-bit read-only data fields.
const (
	InstructionErrorField     Field = 0x4400
	ExitReasonField           Field = 0x4402
	ExitInterruptionInfo      Field = 0x4404
	ExitInterruptionErrorCode Field = 0x4406
	IdtVectoringInfo          Field = 0x4408
	IdtVectoringErrorCode     Field = 0x440A
	ExitInstructionLength     Field = 0x440C
	ExitInstructionInfo       Field = 0x440E
)

// 32-bit guest-state fields. Segment limits and access rights step by two
// in SegmentReg order.
const (
	GuestESLimit          Field = 0x4800
	GuestGDTRLimit        Field = 0x4810
	GuestIDTRLimit        Field = 0x4812
	GuestESAccessRights   Field = 0x4814
	GuestInterruptibility Field = 0x4824
	GuestActivityState    Field = 0x4826
	GuestSysenterCS       Field = 0x482A
	PreemptionTimerValue  Field = 0x482E
)

// Natural-width control fields.
const (
	CR0GuestHostMask Field = 0x6000
	CR4GuestHostMask Field = 0x6002
	CR0ReadShadow    Field = 0x6004
	CR4ReadShadow    Field = 0x6006
)

// Natural-width read-only data fields.
const (
	ExitQualification  Field = 0x6400
	GuestLinearAddress Field = 0x640A
)

// Natural-width guest-state fields. Segment bases step by two in SegmentReg
// order starting at GuestESBase.
const (
	GuestCR0              Field = 0x6800
	GuestCR3              Field = 0x6802
	GuestCR4              Field = 0x6804
	GuestESBase           Field = 0x6806
	GuestGDTRBase         Field = 0x6816
	GuestIDTRBase         Field = 0x6818
	GuestDR7              Field = 0x681A
	GuestRSP              Field = 0x681C
	GuestRIP              Field = 0x681E
	GuestRFlags           Field = 0x6820
	GuestPendingDebug     Field = 0x6822
	GuestSysenterESPField Field = 0x6824
	GuestSysenterEIPField Field = 0x6826
)

// Natural-width host-state fields.
const (
	HostCR0         Field = 0x6C00
	HostCR3         Field = 0x6C02
	HostCR4         Field = 0x6C04
	HostFSBase      Field = 0x6C06
	HostGSBase      Field = 0x6C08
	HostTRBase      Field = 0x6C0A
	HostGDTRBase    Field = 0x6C0C
	HostIDTRBase    Field = 0x6C0E
	HostSysenterESP Field = 0x6C10
	HostSysenterEIP Field = 0x6C12
	HostRSP         Field = 0x6C14
	HostRIP         Field = 0x6C16
)

// GuestSegmentSelector returns the selector field for a segment slot.
func GuestSegmentSelector(i int) Field { return GuestESSelector + Field(i*2) }

// GuestSegmentLimit returns the limit field for a segment slot.
func GuestSegmentLimit(i int) Field { return GuestESLimit + Field(i*2) }

// GuestSegmentAccessRights returns the access-rights field for a segment
// slot.
func GuestSegmentAccessRights(i int) Field { return GuestESAccessRights + Field(i*2) }

// GuestSegmentBase returns the base-address field for a segment slot.
func GuestSegmentBase(i int) Field { return GuestESBase + Field(i*2) }

// HostSegmentSelector returns the host selector field for a segment slot.
// The host group has no LDTR slot; TR immediately follows GS.
func HostSegmentSelector(i int) Field { return HostESSelector + Field(i*2) }
