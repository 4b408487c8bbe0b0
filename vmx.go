// Package vmx is a thin bare-metal virtual-machine monitor core for
// Intel processors. It brings every logical core into VMX root
// operation, owns one virtual CPU per core, and dispatches each VM-exit
// into a caller-supplied handler; everything a guest does between exits
// is the handler's policy, not this package's.
package vmx

import (
	"io"

	"github.com/tinyrange/vmx/internal/hv"
	"github.com/tinyrange/vmx/internal/hv/vtx"
	"github.com/tinyrange/vmx/internal/ia32"
	"github.com/tinyrange/vmx/internal/vmcs"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal packages
// -----------------------------------------------------------------------------

// Vcpu is one core's virtualization context.
type Vcpu = hv.Vcpu

// VcpuState is the lifecycle state of a Vcpu.
type VcpuState = hv.VcpuState

// Interrupt describes one event to inject into a guest.
type Interrupt = hv.Interrupt

// ExitHandler receives every VM-exit. See hv.ExitHandler for the calling
// contract.
type ExitHandler = hv.ExitHandler

// EptHandle is a nested-paging domain selected per Vcpu.
type EptHandle = hv.EptHandle

// EptProvider builds the nested-paging domains a Vcpu enables.
type EptProvider = hv.EptProvider

// Hardware is the processor backend interface; tests substitute a
// software model for it.
type Hardware = hv.Hardware

// Option configures Start.
type Option = hv.Option

// ExitReason identifies what trapped into the hypervisor.
type ExitReason = vmcs.ExitReason

// InterruptType is an event's delivery type.
type InterruptType = vmcs.InterruptType

// Interruptibility is the guest's event-delivery blocking state.
type Interruptibility = vmcs.Interruptibility

// Vector is a hardware exception or interrupt number.
type Vector = ia32.Vector

// Segment is a full segment register image.
type Segment = ia32.Segment

// DescriptorTable is the register image of GDTR or IDTR.
type DescriptorTable = ia32.DescriptorTable

// Context is a full general-purpose register snapshot.
type Context = ia32.Context

// Vcpu lifecycle states.
const (
	StateOff          = hv.StateOff
	StateInitializing = hv.StateInitializing
	StateLaunching    = hv.StateLaunching
	StateRunning      = hv.StateRunning
	StateTerminating  = hv.StateTerminating
	StateTerminated   = hv.StateTerminated
)

// Event delivery types.
const (
	InterruptTypeExternal          = vmcs.InterruptTypeExternal
	InterruptTypeNMI               = vmcs.InterruptTypeNMI
	InterruptTypeHardwareException = vmcs.InterruptTypeHardwareException
	InterruptTypeSoftwareInterrupt = vmcs.InterruptTypeSoftwareInterrupt
	InterruptTypeSoftwareException = vmcs.InterruptTypeSoftwareException
)

// Frequently handled exit reasons; the full set lives in internal/vmcs.
const (
	ExitReasonExceptionOrNMI    = vmcs.ExitReasonExceptionOrNMI
	ExitReasonExternalInterrupt = vmcs.ExitReasonExternalInterrupt
	ExitReasonCPUID             = vmcs.ExitReasonCPUID
	ExitReasonHLT               = vmcs.ExitReasonHLT
	ExitReasonVMCALL            = vmcs.ExitReasonVMCALL
	ExitReasonCRAccess          = vmcs.ExitReasonCRAccess
	ExitReasonIOInstruction     = vmcs.ExitReasonIOInstruction
	ExitReasonRDMSR             = vmcs.ExitReasonRDMSR
	ExitReasonWRMSR             = vmcs.ExitReasonWRMSR
	ExitReasonEPTViolation      = vmcs.ExitReasonEPTViolation
)

// Common sentinel errors.
var (
	ErrAlreadyStarted      = hv.ErrAlreadyStarted
	ErrNotStarted          = hv.ErrNotStarted
	ErrUnsupportedHardware = hv.ErrUnsupportedHardware
)

// NewInterrupt builds an interrupt without an error code.
func NewInterrupt(typ InterruptType, vector Vector) Interrupt {
	return hv.NewInterrupt(typ, vector)
}

// NewInterruptWithErrorCode builds a hardware exception carrying an error
// code.
func NewInterruptWithErrorCode(typ InterruptType, vector Vector, errorCode uint32) Interrupt {
	return hv.NewInterruptWithErrorCode(typ, vector, errorCode)
}

// Start options.
var (
	WithHardware    = hv.WithHardware
	WithEptProvider = hv.WithEptProvider
	WithCPUCount    = hv.WithCPUCount
	WithPoolSize    = hv.WithPoolSize
	WithExitTrace   = hv.WithExitTrace
)

// Supported reports whether the processor advertises VMX. Start performs
// the full capability gate on top of this.
func Supported() bool {
	return vtx.Supported()
}

// Start virtualizes every logical core with the native backend, each
// core's VM-exits dispatched into handler. Options may restrict the core
// count or substitute the backend.
func Start(handler ExitHandler, opts ...Option) error {
	if !vtx.Supported() {
		return ErrUnsupportedHardware
	}
	opts = append([]Option{hv.WithHardware(vtx.New)}, opts...)
	return hv.Start(handler, opts...)
}

// Stop devirtualizes every core and releases all per-core resources.
func Stop() error {
	return hv.Stop()
}

// IsStarted reports whether the hypervisor currently owns the machine.
func IsStarted() bool {
	return hv.IsStarted()
}

// Vcpus exposes the running virtual CPUs between Start and Stop.
func Vcpus() []*Vcpu {
	return hv.Vcpus()
}

// DrainTrace writes the exit trace recorded since Start, if Start was
// given WithExitTrace, and clears it.
func DrainTrace(w io.Writer) error {
	return hv.DrainTrace(w)
}
