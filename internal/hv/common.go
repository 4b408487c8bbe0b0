// Package hv implements the virtualization core: one virtual CPU per
// logical core, each wrapping the hardware's VMX state machine, plus the
// controller that starts and stops them in lockstep.
package hv

import (
	"errors"
)

var (
	ErrAlreadyStarted      = errors.New("hypervisor already started")
	ErrNotStarted          = errors.New("hypervisor not started")
	ErrUnsupportedHardware = errors.New("hardware virtualization unsupported")
	ErrLaunchFailed        = errors.New("virtual machine launch failed")
)

// ExitHandler receives control on every VM-exit. Setup runs once per
// virtual CPU before launch, while the CPU is still configurable; Handle
// runs on the exit path with the host allocator disabled and must not
// allocate. InvokeTermination is how a handler asks its CPU to wind down
// from inside Handle.
type ExitHandler interface {
	Setup(v *Vcpu) error
	Handle(v *Vcpu)
	InvokeTermination(v *Vcpu)
}

// EptHandle is an extended-page-table hierarchy the handler hands to a
// virtual CPU. The CPU only needs the root pointer in hardware format;
// building and owning the tables is the handler's business.
type EptHandle interface {
	RootPointer() uint64
}

// EptProvider builds the per-CPU EPT hierarchies requested by
// Vcpu.EptEnable. count is how many sibling hierarchies to create.
type EptProvider func(count int) ([]EptHandle, error)
