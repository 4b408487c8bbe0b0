package hv

import (
	"unsafe"

	"github.com/tinyrange/vmx/internal/ia32"
)

const (
	// vcpuStackSize is the host stack each virtual CPU runs exits on.
	vcpuStackSize = 0x8000

	// shadowSpaceSize and machineFrameSize are carved out of the top of
	// the stack so the entry trampoline can spill its four register
	// arguments and fake an interrupt frame without moving RSP first.
	shadowSpaceSize  = 4 * 8
	machineFrameSize = 5 * 8

	stackTopOffset     = vcpuStackSize
	guestContextOffset = stackTopOffset
	exitContextOffset  = stackTopOffset + ia32.ContextSize
	vcpuAreaSize       = exitContextOffset + ia32.ContextSize
)

// machineFrame mirrors the interrupt frame the CPU would push on a ring
// transition. The entry trampoline materializes one at the stack top so
// unwinding tools see a plausible call chain.
type machineFrame struct {
	Rip    uint64
	Cs     uint64
	Eflags uint64
	Rsp    uint64
	Ss     uint64
}

// vcpuArea is the memory the entry trampolines address by fixed offset
// from the stack top: the host stack itself, then the captured guest
// context, then the scratch context used across an exit. The trampoline
// assembly hard-codes these offsets, so the struct layout is load-bearing
// and asserted below.
type vcpuArea struct {
	stack        [vcpuStackSize - shadowSpaceSize - machineFrameSize]byte
	shadowSpace  [4]uint64
	machineFrame machineFrame
	guestContext ia32.Context
	exitContext  ia32.Context
}

// Layout guards. A negative array length here means a field moved.
var (
	_ [vcpuAreaSize - unsafe.Sizeof(vcpuArea{})]byte
	_ [unsafe.Sizeof(vcpuArea{}) - vcpuAreaSize]byte
	_ [guestContextOffset - unsafe.Offsetof(vcpuArea{}.guestContext)]byte
	_ [unsafe.Offsetof(vcpuArea{}.guestContext) - guestContextOffset]byte
	_ [exitContextOffset - unsafe.Offsetof(vcpuArea{}.exitContext)]byte
	_ [unsafe.Offsetof(vcpuArea{}.exitContext) - exitContextOffset]byte
	_ [machineFrameSize - unsafe.Sizeof(machineFrame{})]byte
	_ [unsafe.Sizeof(machineFrame{}) - machineFrameSize]byte
)

// stackTop returns the address the host RSP is set to before launch. The
// shadow space and machine frame sit immediately below it, the captured
// contexts immediately above.
func (a *vcpuArea) stackTop() uintptr {
	return uintptr(unsafe.Pointer(a)) + stackTopOffset
}

func (a *vcpuArea) base() uintptr {
	return uintptr(unsafe.Pointer(a))
}

// poison fills the stack with int3 bytes so a runaway guest or handler
// that executes stack memory traps immediately, and so stack high-water
// marks show up in a debugger.
func (a *vcpuArea) poison() {
	for i := range a.stack {
		a.stack[i] = 0xCC
	}
	for i := range a.shadowSpace {
		a.shadowSpace[i] = 0xCCCCCCCCCCCCCCCC
	}
	a.machineFrame = machineFrame{
		Rip:    0xCCCCCCCCCCCCCCCC,
		Cs:     0xCCCCCCCCCCCCCCCC,
		Eflags: 0xCCCCCCCCCCCCCCCC,
		Rsp:    0xCCCCCCCCCCCCCCCC,
		Ss:     0xCCCCCCCCCCCCCCCC,
	}
}
