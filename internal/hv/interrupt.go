package hv

import (
	"fmt"

	"github.com/tinyrange/vmx/internal/ia32"
	"github.com/tinyrange/vmx/internal/vmcs"
)

// ripAdjustDefault asks the injection path to compute the instruction
// length itself (software interrupt types) or leave RIP alone (hardware
// types).
const ripAdjustDefault = -1

// Interrupt describes one event to inject into the guest. Values are
// immutable; the With* methods return modified copies.
type Interrupt struct {
	typ       vmcs.InterruptType
	vector    ia32.Vector
	errorCode uint32
	hasError  bool
	valid     bool
	ripAdjust int
}

// NewInterrupt builds an interrupt without an error code.
func NewInterrupt(typ vmcs.InterruptType, vector ia32.Vector) Interrupt {
	return Interrupt{
		typ:       typ,
		vector:    vector,
		valid:     true,
		ripAdjust: ripAdjustDefault,
	}
}

// NewInterruptWithErrorCode builds a hardware exception carrying an error
// code. Only the exception vectors that architecturally push an error
// code should use this.
func NewInterruptWithErrorCode(typ vmcs.InterruptType, vector ia32.Vector, errorCode uint32) Interrupt {
	return Interrupt{
		typ:       typ,
		vector:    vector,
		errorCode: errorCode,
		hasError:  true,
		valid:     true,
		ripAdjust: ripAdjustDefault,
	}
}

// WithRipAdjust overrides how far RIP moves past the faulting or trapping
// instruction when the event is delivered.
func (i Interrupt) WithRipAdjust(n int) Interrupt {
	i.ripAdjust = n
	return i
}

func (i Interrupt) Type() vmcs.InterruptType { return i.typ }
func (i Interrupt) Vector() ia32.Vector      { return i.vector }

// ErrorCode returns the error code and whether one is attached.
func (i Interrupt) ErrorCode() (uint32, bool) {
	return i.errorCode, i.hasError
}

// Valid reports whether the interrupt describes a real event. The zero
// Interrupt is not valid; values decoded from VMCS fields are valid only
// when the hardware valid bit was set.
func (i Interrupt) Valid() bool {
	return i.valid
}

// info packs the interrupt into the hardware interruption-information
// format.
func (i Interrupt) info() vmcs.InterruptInfo {
	return vmcs.MakeInterruptInfo(i.typ, uint8(i.vector), i.hasError)
}

func (i Interrupt) String() string {
	if !i.Valid() {
		return "interrupt{invalid}"
	}
	if i.hasError {
		return fmt.Sprintf("interrupt{%s vector=%d error=%#x}", i.typ, i.vector, i.errorCode)
	}
	return fmt.Sprintf("interrupt{%s vector=%d}", i.typ, i.vector)
}

// interruptFromInfo reconstructs an Interrupt from the hardware format
// plus the associated error-code and instruction-length fields.
func interruptFromInfo(info vmcs.InterruptInfo, errorCode uint32, instructionLength int) Interrupt {
	if !info.Valid() {
		return Interrupt{}
	}
	i := Interrupt{
		typ:       info.Type(),
		vector:    ia32.Vector(info.Vector()),
		valid:     true,
		ripAdjust: ripAdjustDefault,
	}
	if info.ErrorCodeValid() {
		i.errorCode = errorCode
		i.hasError = true
	}
	if info.Type().IsSoftware() {
		i.ripAdjust = instructionLength
	}
	return i
}
