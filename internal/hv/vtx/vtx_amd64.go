//go:build amd64

// Package vtx is the native Intel VT-x backend. It drives the real VMX
// instruction set and the hand-written mode-transition trampolines; the
// hv package talks to it only through the Hardware interface. The
// backend assumes it runs at the highest privilege level with physical
// memory identity mapped, which is the environment the platform loader
// establishes.
package vtx

import (
	"encoding/binary"
	"errors"
	"sync"
	"unsafe"

	"github.com/tinyrange/vmx/internal/hv"
	"github.com/tinyrange/vmx/internal/ia32"
	"github.com/tinyrange/vmx/internal/vmcs"
)

var (
	errFailInvalid = errors.New("vtx: VMfailInvalid")
	errFailValid   = errors.New("vtx: VMfailValid")
)

// vmxStatus converts the flag-register outcome of a VMX instruction: 0 on
// success, 1 when CF was set (VMfailInvalid), 2 when ZF was set
// (VMfailValid, error code in the current control structure).
func vmxStatus(s uint8) error {
	switch s {
	case 0:
		return nil
	case 1:
		return errFailInvalid
	default:
		return errFailValid
	}
}

// machine is the VT-x Hardware implementation. It is stateless per core;
// all per-core state lives in the control structures and the hv.Vcpu.
type machine struct{}

var theMachine = &machine{}

var _ hv.Hardware = &machine{}

// New returns the backend for a core. The instructions are inherently
// core-local, so one value serves every core.
func New(core int) hv.Hardware {
	return theMachine
}

// Supported reports whether the processor advertises VMX at all. The
// full capability gate lives in the controller.
func Supported() bool {
	_, _, ecx, _ := cpuid(1, 0)
	return ecx&ia32.CPUIDFeatureVMX != 0
}

func (*machine) CPUID(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuid(leaf, subleaf)
}

func (*machine) ReadMSR(index uint32) uint64         { return rdmsr(index) }
func (*machine) WriteMSR(index uint32, value uint64) { wrmsr(index, value) }

func (*machine) ReadCR0() uint64    { return readCR0() }
func (*machine) ReadCR3() uint64    { return readCR3() }
func (*machine) ReadCR4() uint64    { return readCR4() }
func (*machine) WriteCR0(v uint64)  { writeCR0(v) }
func (*machine) WriteCR3(v uint64)  { writeCR3(v) }
func (*machine) WriteCR4(v uint64)  { writeCR4(v) }
func (*machine) ReadDR7() uint64    { return readDR7() }
func (*machine) ReadRFlags() uint64 { return readRFlags() }

// The descriptor-table instructions operate on a packed ten byte image:
// a 16-bit limit followed immediately by a 64-bit base.

func unpackDescriptorTable(img *[10]byte) ia32.DescriptorTable {
	return ia32.DescriptorTable{
		Limit: binary.LittleEndian.Uint16(img[0:2]),
		Base:  binary.LittleEndian.Uint64(img[2:10]),
	}
}

func packDescriptorTable(dt ia32.DescriptorTable) [10]byte {
	var img [10]byte
	binary.LittleEndian.PutUint16(img[0:2], dt.Limit)
	binary.LittleEndian.PutUint64(img[2:10], dt.Base)
	return img
}

func (*machine) GDTR() ia32.DescriptorTable {
	var img [10]byte
	sgdt(&img[0])
	return unpackDescriptorTable(&img)
}

func (*machine) IDTR() ia32.DescriptorTable {
	var img [10]byte
	sidt(&img[0])
	return unpackDescriptorTable(&img)
}

func (*machine) SetGDTR(dt ia32.DescriptorTable) {
	img := packDescriptorTable(dt)
	lgdt(&img[0])
}

func (*machine) SetIDTR(dt ia32.DescriptorTable) {
	img := packDescriptorTable(dt)
	lidt(&img[0])
}

func (m *machine) Segment(r ia32.SegmentReg) ia32.Segment {
	var sel uint16
	switch r {
	case ia32.SegES:
		sel = readES()
	case ia32.SegCS:
		sel = readCS()
	case ia32.SegSS:
		sel = readSS()
	case ia32.SegDS:
		sel = readDS()
	case ia32.SegFS:
		sel = readFS()
	case ia32.SegGS:
		sel = readGS()
	case ia32.SegLDTR:
		sel = readLDTR()
	case ia32.SegTR:
		sel = readTR()
	}
	seg := descriptorFor(m.GDTR(), sel)
	// The FS and GS bases live in MSRs in 64-bit mode, not the
	// descriptor table.
	switch r {
	case ia32.SegFS:
		seg.Base = rdmsr(ia32.MSRFSBase)
	case ia32.SegGS:
		seg.Base = rdmsr(ia32.MSRGSBase)
	}
	return seg
}

// descriptorFor decodes a segment descriptor straight out of the mapped
// descriptor table.
func descriptorFor(gdtr ia32.DescriptorTable, sel uint16) ia32.Segment {
	if ia32.SelectorIndex(sel) == 0 {
		return ia32.Segment{Selector: sel, Access: ia32.AccessRightsUnusable}
	}

	entry := *(*uint64)(unsafe.Pointer(uintptr(gdtr.Base) + uintptr(ia32.SelectorIndex(sel))*8))

	seg := ia32.Segment{
		Selector: sel,
		Base:     (entry >> 16 & 0xFFFFFF) | (entry >> 32 & 0xFF000000),
		Limit:    uint32(entry&0xFFFF) | uint32(entry>>32)&0xF0000,
		// Access byte plus the limit flags, in the VMX image layout.
		Access: ia32.AccessRights(entry>>40&0xFF) | ia32.AccessRights(entry>>40&0xF000),
	}
	if seg.Access&(1<<15) != 0 { // granularity: limit counts 4K pages
		seg.Limit = seg.Limit<<12 | 0xFFF
	}

	// System descriptors (TSS, LDT) are 16 bytes; the upper half holds
	// base bits 63:32.
	if entry>>44&0x1 == 0 {
		high := *(*uint64)(unsafe.Pointer(uintptr(gdtr.Base) + uintptr(ia32.SelectorIndex(sel))*8 + 8))
		seg.Base |= high << 32
	}
	return seg
}

func (*machine) VMXOn(pa uint64) error   { return vmxStatus(vmxon(&pa)) }
func (*machine) VMXOff()                 { vmxoff() }
func (*machine) VMClear(pa uint64) error { return vmxStatus(vmclear(&pa)) }
func (*machine) VMPtrLd(pa uint64) error { return vmxStatus(vmptrld(&pa)) }

func (*machine) VMRead(field vmcs.Field) (uint64, error) {
	value, status := vmread(uint64(field))
	if err := vmxStatus(status); err != nil {
		return 0, err
	}
	return value, nil
}

func (*machine) VMWrite(field vmcs.Field, value uint64) error {
	return vmxStatus(vmwrite(uint64(field), value))
}

func (*machine) VMLaunch() error {
	// Does not return on success; the next instruction executed is the
	// guest entry trampoline.
	return vmxStatus(vmlaunch())
}

// invDescriptor is the 128-bit operand INVEPT and INVVPID take.
type invDescriptor struct {
	First  uint64
	Second uint64
}

const (
	inveptAllContexts  = 2
	invvpidAllContexts = 2
)

func (*machine) InvEPTAllContexts() {
	var desc invDescriptor
	invept(inveptAllContexts, &desc)
}

func (*machine) InvVPIDAllContexts() {
	var desc invDescriptor
	invvpid(invvpidAllContexts, &desc)
}

func (*machine) FXSave(area *ia32.FXSaveArea)    { fxsave(area) }
func (*machine) FXRestore(area *ia32.FXSaveArea) { fxrstor(area) }

func (*machine) ContextCapture(ctx *ia32.Context) int {
	return contextCapture(ctx)
}

func (*machine) ContextRestore(ctx *ia32.Context, n int) {
	ctx.Rax = uint64(n)
	contextRestore(ctx)
}

func (*machine) HostRip() uint64   { return entryHostAddr() }
func (*machine) GuestRip() uint64  { return entryGuestAddr() }
func (*machine) ResumeRip() uint64 { return resumeAddr() }

// Host entry dispatch. The trampoline knows only the stack top the
// hardware switched to; this table turns it back into the owning virtual
// CPU's exit entry. Mutated only while the CPU is off.
var (
	hostEntriesMu sync.RWMutex
	hostEntries   = map[uintptr]func(){}
)

func (*machine) RegisterHostEntry(stackTop uintptr, entry func()) {
	hostEntriesMu.Lock()
	defer hostEntriesMu.Unlock()
	hostEntries[stackTop] = entry
}

func (*machine) UnregisterHostEntry(stackTop uintptr) {
	hostEntriesMu.Lock()
	defer hostEntriesMu.Unlock()
	delete(hostEntries, stackTop)
}

// dispatchHostEntry runs on the virtual CPU's private stack, called by
// the host entry trampoline after it has captured the interrupted
// registers. Must not allocate or grow the stack.
//
//go:nosplit
func dispatchHostEntry(stackTop uintptr) {
	hostEntriesMu.RLock()
	entry := hostEntries[stackTop]
	hostEntriesMu.RUnlock()
	if entry == nil {
		// An exit with no registered owner is unrecoverable.
		int3()
		return
	}
	entry()
}

func (*machine) PhysicalAddress(p unsafe.Pointer) uint64 {
	// Physical memory is identity mapped in this environment.
	return uint64(uintptr(p))
}

func (*machine) Breakpoint() { int3() }
