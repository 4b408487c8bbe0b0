package hv

import (
	"github.com/tinyrange/vmx/internal/mm"
	"github.com/tinyrange/vmx/internal/trace"
)

// entryHost is the per-core host entry point every VM-exit lands on, via
// the transition trampoline that captured the interrupted registers into
// the exit context. On return the trampoline restores the exit context,
// whose instruction pointer now selects either the resume-guest stub or,
// on the terminated path, the interrupted code's original continuation.
func (v *Vcpu) entryHost() {
	// The interrupted context may rely on the x87/SSE register file;
	// handler code is free to clobber it, so bracket the whole exit.
	v.hw.FXSave(v.fxsave)

	guard := mm.Guard()

	capturedRsp := v.area.exitContext.Rsp
	capturedRflags := v.area.exitContext.Rflags

	// Present the guest's register file to the handler. RSP, RIP and
	// RFLAGS live in the control structure rather than the captured
	// context; mirror them in so the handler sees one coherent snapshot.
	v.area.exitContext.Rsp = v.GuestRSP()
	v.area.exitContext.Rip = v.GuestRIP()
	v.area.exitContext.Rflags = v.GuestRFlags()

	// The machine frame makes a debugger's unwinder walk from the
	// hypervisor frames straight into the interrupted code.
	v.area.machineFrame.Rip = v.area.exitContext.Rip + uint64(v.ExitInstructionLength())
	v.area.machineFrame.Rsp = v.area.exitContext.Rsp

	v.suppressRipAdjust = false

	if v.ring != nil {
		v.ring.Record(trace.Record{
			Core:   uint16(v.index),
			Reason: uint16(v.ExitReason()),
			Rip:    v.area.exitContext.Rip,
			Qual:   v.ExitQualification(),
		})
	}

	v.handler.Handle(v)

	if v.State() == StateTerminated {
		// Root operation is already over; no VMX instruction may run
		// from here on. The trampoline falls through to the
		// interrupted code's continuation.
		guard.Release()
		v.hw.FXRestore(v.fxsave)
		return
	}

	if !v.suppressRipAdjust {
		v.area.exitContext.Rip += uint64(v.ExitInstructionLength())
	}

	v.SetGuestRSP(v.area.exitContext.Rsp)
	v.SetGuestRIP(v.area.exitContext.Rip)
	v.SetGuestRFlags(v.area.exitContext.Rflags)

	// Point the restore at the resume-guest stub, on the pre-exit host
	// stack and flags.
	v.area.exitContext.Rflags = capturedRflags
	v.area.exitContext.Rsp = capturedRsp
	v.area.exitContext.Rip = v.hw.ResumeRip()

	guard.Release()
	v.hw.FXRestore(v.fxsave)
}
