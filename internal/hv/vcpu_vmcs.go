package hv

import (
	"unsafe"

	"github.com/tinyrange/vmx/internal/ia32"
	"github.com/tinyrange/vmx/internal/mm"
	"github.com/tinyrange/vmx/internal/vmcs"
)

// vmRead and vmWrite are deliberately fire-and-forget, the way the raw
// instructions behave: a read of an inaccessible field yields zero and a
// write is dropped. The fatal path depends on this when it reads the
// instruction error after a rejected load.
func (v *Vcpu) vmRead(f vmcs.Field) uint64 {
	value, err := v.hw.VMRead(f)
	if err != nil {
		return 0
	}
	return value
}

func (v *Vcpu) vmWrite(f vmcs.Field, value uint64) {
	_ = v.hw.VMWrite(f, value)
}

// controlCapability picks the capability MSR constraining a control
// field, preferring the TRUE variants when the basic capability MSR
// advertises them.
func (v *Vcpu) controlCapability(legacy, trueCtl uint32) uint64 {
	if vmcs.ParseBasic(v.hw.ReadMSR(ia32.MSRVMXBasic)).TrueControls {
		return v.hw.ReadMSR(trueCtl)
	}
	return v.hw.ReadMSR(legacy)
}

// ID is the address-space identifier the translation caches tag guest
// entries with. Zero is reserved for root operation.
func (v *Vcpu) ID() uint16 {
	return uint16(v.vmRead(vmcs.VPID))
}

func (v *Vcpu) SetID(id uint16) {
	v.vmWrite(vmcs.VPID, uint64(id))
}

// Execution controls. Every write is reconciled against the capability
// MSR for the field; reserved bits the hardware mandates are folded in
// and disallowed bits are dropped.

func (v *Vcpu) PinBasedControls() vmcs.PinBased {
	return vmcs.PinBased(v.vmRead(vmcs.PinBasedControls))
}

func (v *Vcpu) SetPinBasedControls(c vmcs.PinBased) {
	cap := v.controlCapability(ia32.MSRVMXPinbasedCtls, ia32.MSRVMXTruePinbased)
	v.vmWrite(vmcs.PinBasedControls, uint64(vmcs.Adjust(uint32(c), cap)))
}

func (v *Vcpu) ProcBasedControls() vmcs.ProcBased {
	return vmcs.ProcBased(v.vmRead(vmcs.ProcBasedControls))
}

func (v *Vcpu) SetProcBasedControls(c vmcs.ProcBased) {
	cap := v.controlCapability(ia32.MSRVMXProcbasedCtls, ia32.MSRVMXTrueProcbased)
	v.vmWrite(vmcs.ProcBasedControls, uint64(vmcs.Adjust(uint32(c), cap)))
}

func (v *Vcpu) ProcBasedControls2() vmcs.ProcBased2 {
	return vmcs.ProcBased2(v.vmRead(vmcs.ProcBasedControls2))
}

func (v *Vcpu) SetProcBasedControls2(c vmcs.ProcBased2) {
	cap := v.hw.ReadMSR(ia32.MSRVMXProcbasedCtls2)
	v.vmWrite(vmcs.ProcBasedControls2, uint64(vmcs.Adjust(uint32(c), cap)))
}

func (v *Vcpu) EntryControls() vmcs.EntryCtls {
	return vmcs.EntryCtls(v.vmRead(vmcs.EntryControls))
}

func (v *Vcpu) SetEntryControls(c vmcs.EntryCtls) {
	cap := v.controlCapability(ia32.MSRVMXEntryCtls, ia32.MSRVMXTrueEntryCtls)
	v.vmWrite(vmcs.EntryControls, uint64(vmcs.Adjust(uint32(c), cap)))
}

func (v *Vcpu) ExitControls() vmcs.ExitCtls {
	return vmcs.ExitCtls(v.vmRead(vmcs.ExitControls))
}

func (v *Vcpu) SetExitControls(c vmcs.ExitCtls) {
	cap := v.controlCapability(ia32.MSRVMXExitCtls, ia32.MSRVMXTrueExitCtls)
	v.vmWrite(vmcs.ExitControls, uint64(vmcs.Adjust(uint32(c), cap)))
}

func (v *Vcpu) ExceptionBitmap() uint32 {
	return uint32(v.vmRead(vmcs.ExceptionBitmap))
}

func (v *Vcpu) SetExceptionBitmap(bitmap uint32) {
	v.vmWrite(vmcs.ExceptionBitmap, uint64(bitmap))
}

// Page-fault exits are filtered by error code: a #PF exits only when
// (code & mask) == match, inverted when bit 14 of the exception bitmap
// is clear.

func (v *Vcpu) PageFaultErrorCodeMask() uint32 {
	return uint32(v.vmRead(vmcs.PageFaultErrorCodeMask))
}

func (v *Vcpu) SetPageFaultErrorCodeMask(mask uint32) {
	v.vmWrite(vmcs.PageFaultErrorCodeMask, uint64(mask))
}

func (v *Vcpu) PageFaultErrorCodeMatch() uint32 {
	return uint32(v.vmRead(vmcs.PageFaultErrorCodeMatch))
}

func (v *Vcpu) SetPageFaultErrorCodeMatch(match uint32) {
	v.vmWrite(vmcs.PageFaultErrorCodeMatch, uint64(match))
}

// CR0/CR4 guest-host masks and read shadows: masked bits trap on guest
// writes and read back from the shadow.

func (v *Vcpu) CR0GuestHostMask() uint64        { return v.vmRead(vmcs.CR0GuestHostMask) }
func (v *Vcpu) SetCR0GuestHostMask(mask uint64) { v.vmWrite(vmcs.CR0GuestHostMask, mask) }
func (v *Vcpu) CR4GuestHostMask() uint64        { return v.vmRead(vmcs.CR4GuestHostMask) }
func (v *Vcpu) SetCR4GuestHostMask(mask uint64) { v.vmWrite(vmcs.CR4GuestHostMask, mask) }

func (v *Vcpu) CR0ReadShadow() uint64       { return v.vmRead(vmcs.CR0ReadShadow) }
func (v *Vcpu) SetCR0ReadShadow(cr0 uint64) { v.vmWrite(vmcs.CR0ReadShadow, cr0) }
func (v *Vcpu) CR4ReadShadow() uint64       { return v.vmRead(vmcs.CR4ReadShadow) }
func (v *Vcpu) SetCR4ReadShadow(cr4 uint64) { v.vmWrite(vmcs.CR4ReadShadow, cr4) }

// SetMSRBitmap installs an MSR-intercept bitmap. The content is copied
// into the virtual CPU's own region so the caller's buffer need not stay
// alive; nil installs an all-clear bitmap, trapping no MSR access in the
// covered ranges.
func (v *Vcpu) SetMSRBitmap(bitmap []byte) {
	clear(v.msrBitmap)
	copy(v.msrBitmap, bitmap)
	v.vmWrite(vmcs.MSRBitmap, v.hw.PhysicalAddress(unsafe.Pointer(unsafe.SliceData(v.msrBitmap))))
}

// SetIOBitmap installs the two-page I/O-intercept bitmap, copied the same
// way.
func (v *Vcpu) SetIOBitmap(bitmap []byte) {
	clear(v.ioBitmap)
	copy(v.ioBitmap, bitmap)
	pa := v.hw.PhysicalAddress(unsafe.Pointer(unsafe.SliceData(v.ioBitmap)))
	v.vmWrite(vmcs.IOBitmapA, pa)
	v.vmWrite(vmcs.IOBitmapB, pa+mm.PageSize)
}

// Guest register state.

func (v *Vcpu) GuestRSP() uint64        { return v.vmRead(vmcs.GuestRSP) }
func (v *Vcpu) SetGuestRSP(rsp uint64)  { v.vmWrite(vmcs.GuestRSP, rsp) }
func (v *Vcpu) GuestRIP() uint64        { return v.vmRead(vmcs.GuestRIP) }
func (v *Vcpu) SetGuestRIP(rip uint64)  { v.vmWrite(vmcs.GuestRIP, rip) }
func (v *Vcpu) GuestRFlags() uint64     { return v.vmRead(vmcs.GuestRFlags) }
func (v *Vcpu) SetGuestRFlags(f uint64) { v.vmWrite(vmcs.GuestRFlags, f) }

func (v *Vcpu) GuestCR0() uint64       { return v.vmRead(vmcs.GuestCR0) }
func (v *Vcpu) SetGuestCR0(cr0 uint64) { v.vmWrite(vmcs.GuestCR0, cr0) }
func (v *Vcpu) GuestCR3() uint64       { return v.vmRead(vmcs.GuestCR3) }
func (v *Vcpu) SetGuestCR3(cr3 uint64) { v.vmWrite(vmcs.GuestCR3, cr3) }
func (v *Vcpu) GuestCR4() uint64       { return v.vmRead(vmcs.GuestCR4) }
func (v *Vcpu) SetGuestCR4(cr4 uint64) { v.vmWrite(vmcs.GuestCR4, cr4) }
func (v *Vcpu) GuestDR7() uint64       { return v.vmRead(vmcs.GuestDR7) }
func (v *Vcpu) SetGuestDR7(dr7 uint64) { v.vmWrite(vmcs.GuestDR7, dr7) }

func (v *Vcpu) GuestDebugCtl() uint64       { return v.vmRead(vmcs.GuestDebugCtl) }
func (v *Vcpu) SetGuestDebugCtl(ctl uint64) { v.vmWrite(vmcs.GuestDebugCtl, ctl) }

func (v *Vcpu) GuestGDTR() ia32.DescriptorTable {
	return ia32.DescriptorTable{
		Base:  v.vmRead(vmcs.GuestGDTRBase),
		Limit: uint16(v.vmRead(vmcs.GuestGDTRLimit)),
	}
}

func (v *Vcpu) SetGuestGDTR(dt ia32.DescriptorTable) {
	v.vmWrite(vmcs.GuestGDTRBase, dt.Base)
	v.vmWrite(vmcs.GuestGDTRLimit, uint64(dt.Limit))
}

func (v *Vcpu) GuestIDTR() ia32.DescriptorTable {
	return ia32.DescriptorTable{
		Base:  v.vmRead(vmcs.GuestIDTRBase),
		Limit: uint16(v.vmRead(vmcs.GuestIDTRLimit)),
	}
}

func (v *Vcpu) SetGuestIDTR(dt ia32.DescriptorTable) {
	v.vmWrite(vmcs.GuestIDTRBase, dt.Base)
	v.vmWrite(vmcs.GuestIDTRLimit, uint64(dt.Limit))
}

// GuestSegment reads one segment register image out of the guest state.
func (v *Vcpu) GuestSegment(r ia32.SegmentReg) ia32.Segment {
	slot := int(r)
	return ia32.Segment{
		Selector: uint16(v.vmRead(vmcs.GuestSegmentSelector(slot))),
		Base:     v.vmRead(vmcs.GuestSegmentBase(slot)),
		Limit:    uint32(v.vmRead(vmcs.GuestSegmentLimit(slot))),
		Access:   ia32.AccessRights(v.vmRead(vmcs.GuestSegmentAccessRights(slot))),
	}
}

func (v *Vcpu) SetGuestSegment(r ia32.SegmentReg, seg ia32.Segment) {
	slot := int(r)
	v.vmWrite(vmcs.GuestSegmentSelector(slot), uint64(seg.Selector))
	v.vmWrite(vmcs.GuestSegmentBase(slot), seg.Base)
	v.vmWrite(vmcs.GuestSegmentLimit(slot), uint64(seg.Limit))
	v.vmWrite(vmcs.GuestSegmentAccessRights(slot), uint64(seg.Access))
}

func (v *Vcpu) GuestInterruptibility() vmcs.Interruptibility {
	return vmcs.Interruptibility(v.vmRead(vmcs.GuestInterruptibility))
}

func (v *Vcpu) SetGuestInterruptibility(s vmcs.Interruptibility) {
	v.vmWrite(vmcs.GuestInterruptibility, uint64(s))
}

// Exit information, valid for the duration of one exit.

func (v *Vcpu) ExitReason() vmcs.ExitReason {
	return vmcs.BasicReason(v.vmRead(vmcs.ExitReasonField))
}

func (v *Vcpu) ExitQualification() uint64 {
	return v.vmRead(vmcs.ExitQualification)
}

func (v *Vcpu) ExitInstructionLength() int {
	return int(v.vmRead(vmcs.ExitInstructionLength))
}

func (v *Vcpu) ExitInstructionInfo() uint32 {
	return uint32(v.vmRead(vmcs.ExitInstructionInfo))
}

func (v *Vcpu) ExitInstructionError() vmcs.InstructionError {
	return vmcs.InstructionError(v.vmRead(vmcs.InstructionErrorField))
}

// GuestPhysicalAddress is valid on nested-paging violation exits.
func (v *Vcpu) GuestPhysicalAddress() uint64 {
	return v.vmRead(vmcs.GuestPhysicalAddress)
}

func (v *Vcpu) GuestLinearAddress() uint64 {
	return v.vmRead(vmcs.GuestLinearAddress)
}
