package hv

import (
	"unsafe"

	"github.com/tinyrange/vmx/internal/ia32"
	"github.com/tinyrange/vmx/internal/vmcs"
)

// Hardware is the processor surface a virtual CPU drives. The amd64
// backend implements it with the real VMX instruction set; tests swap in
// a software model so the state machine can run on any host. Every
// method is only ever called from the OS thread the owning virtual CPU
// is locked to.
type Hardware interface {
	// Feature and register access.
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
	ReadMSR(index uint32) uint64
	WriteMSR(index uint32, value uint64)
	ReadCR0() uint64
	ReadCR3() uint64
	ReadCR4() uint64
	WriteCR0(value uint64)
	WriteCR3(value uint64)
	WriteCR4(value uint64)
	ReadDR7() uint64
	ReadRFlags() uint64

	// Descriptor tables and segmentation, read from and restored to the
	// running core.
	GDTR() ia32.DescriptorTable
	IDTR() ia32.DescriptorTable
	SetGDTR(dt ia32.DescriptorTable)
	SetIDTR(dt ia32.DescriptorTable)
	Segment(r ia32.SegmentReg) ia32.Segment

	// VMX instructions. All take physical addresses where the hardware
	// does. VMLaunch only returns on failure; on success control comes
	// back through the registered host entry instead.
	VMXOn(pa uint64) error
	VMXOff()
	VMClear(pa uint64) error
	VMPtrLd(pa uint64) error
	VMRead(field vmcs.Field) (uint64, error)
	VMWrite(field vmcs.Field, value uint64) error
	VMLaunch() error
	InvEPTAllContexts()
	InvVPIDAllContexts()

	// FPU state around the exit handler.
	FXSave(area *ia32.FXSaveArea)
	FXRestore(area *ia32.FXSaveArea)

	// ContextCapture snapshots the caller's register state into ctx and
	// returns 0. A later ContextRestore(ctx, n) rewinds execution to
	// that same capture point, which then returns n instead. n must be
	// nonzero.
	ContextCapture(ctx *ia32.Context) int
	ContextRestore(ctx *ia32.Context, n int)

	// Entry points the VMCS host and guest state are pointed at, and the
	// binding from a host stack top to the virtual CPU whose exit
	// handler the host entry trampoline must invoke.
	HostRip() uint64
	GuestRip() uint64
	ResumeRip() uint64
	RegisterHostEntry(stackTop uintptr, entry func())
	UnregisterHostEntry(stackTop uintptr)

	// PhysicalAddress translates a host virtual address for the VMX
	// instructions that consume physical operands.
	PhysicalAddress(p unsafe.Pointer) uint64

	// Breakpoint traps into an attached debugger on the fatal path.
	Breakpoint()
}
