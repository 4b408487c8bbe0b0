package hv

import (
	"fmt"

	"github.com/tinyrange/vmx/internal/vmcs"
)

// InjectInterrupt delivers an event to the guest. When no event is
// already staged for the next entry it is written there directly and the
// call reports true; otherwise it joins the tail of the pending queue and
// the call reports false, with delivery deferred to a later
// InjectPendingInterrupts.
func (v *Vcpu) InjectInterrupt(i Interrupt) bool {
	if !v.EntryInterrupt().Valid() {
		v.InjectInterruptForce(i)
		return true
	}
	v.enqueuePending(i, false)
	return false
}

// InjectInterruptFront is InjectInterrupt with head-of-queue priority on
// the deferred path.
func (v *Vcpu) InjectInterruptFront(i Interrupt) bool {
	if !v.EntryInterrupt().Valid() {
		v.InjectInterruptForce(i)
		return true
	}
	v.enqueuePending(i, true)
	return false
}

// InjectInterruptForce stages the event for the next entry regardless of
// anything already there. The reserved bits of the interruption record
// are sanitized; the error-code and instruction-length fields are only
// written when the event consumes them.
func (v *Vcpu) InjectInterruptForce(i Interrupt) {
	v.vmWrite(vmcs.EntryInterruptionInfo, uint64(i.info().Sanitized()))

	if code, ok := i.ErrorCode(); ok {
		v.vmWrite(vmcs.EntryExceptionErrorCode, uint64(code))
	}

	if i.typ.IsSoftware() || i.ripAdjust >= 0 {
		length := i.ripAdjust
		if length < 0 {
			length = v.ExitInstructionLength()
		}
		v.vmWrite(vmcs.EntryInstructionLength, uint64(length))
	}
}

// InjectPendingInterrupts drains the pending queue into the entry
// interruption field, stopping at the first event that cannot be
// delivered yet: the field already holds an in-flight event, the guest's
// interruptibility state blocks delivery, or an NMI is blocked by an
// earlier NMI. Queue order is preserved for whatever remains.
func (v *Vcpu) InjectPendingInterrupts() {
	for v.pendingCount > 0 {
		if v.EntryInterrupt().Valid() {
			return
		}

		next := v.pendingInterrupts[v.pendingFirst]
		intr := v.GuestInterruptibility()
		if next.typ == vmcs.InterruptTypeNMI {
			if intr.BlocksNMI() {
				return
			}
		} else if intr.BlocksInstructionDelivery() {
			return
		}

		v.pendingFirst = (v.pendingFirst + 1) % pendingInterruptQueueSize
		v.pendingCount--
		v.InjectInterruptForce(next)
	}
}

// InterruptIsPending reports whether deferred events are queued.
func (v *Vcpu) InterruptIsPending() bool {
	return v.pendingCount > 0
}

func (v *Vcpu) enqueuePending(i Interrupt, front bool) {
	if v.pendingCount == pendingInterruptQueueSize {
		panic(fmt.Sprintf("hv: vcpu %d: pending interrupt queue overflow", v.index))
	}
	if front {
		v.pendingFirst = (v.pendingFirst + pendingInterruptQueueSize - 1) % pendingInterruptQueueSize
		v.pendingInterrupts[v.pendingFirst] = i
	} else {
		v.pendingInterrupts[(v.pendingFirst+v.pendingCount)%pendingInterruptQueueSize] = i
	}
	v.pendingCount++
}

// EntryInterrupt is the event currently staged for delivery on the next
// entry, or an invalid Interrupt when none is.
func (v *Vcpu) EntryInterrupt() Interrupt {
	return interruptFromInfo(
		vmcs.InterruptInfo(v.vmRead(vmcs.EntryInterruptionInfo)),
		uint32(v.vmRead(vmcs.EntryExceptionErrorCode)),
		int(v.vmRead(vmcs.EntryInstructionLength)),
	)
}

// ExitInterrupt is the hardware's record of the event that caused an
// exception-or-interrupt exit.
func (v *Vcpu) ExitInterrupt() Interrupt {
	return interruptFromInfo(
		vmcs.InterruptInfo(v.vmRead(vmcs.ExitInterruptionInfo)),
		uint32(v.vmRead(vmcs.ExitInterruptionErrorCode)),
		v.ExitInstructionLength(),
	)
}

// IdtVectoringInterrupt is the hardware's record of an event whose
// delivery was itself interrupted by the exit. Handlers re-queue it
// rather than let it drop.
func (v *Vcpu) IdtVectoringInterrupt() Interrupt {
	return interruptFromInfo(
		vmcs.InterruptInfo(v.vmRead(vmcs.IdtVectoringInfo)),
		uint32(v.vmRead(vmcs.IdtVectoringErrorCode)),
		v.ExitInstructionLength(),
	)
}
