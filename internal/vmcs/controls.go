package vmcs

// PinBased are the pin-based VM-execution controls.
type PinBased uint32

const (
	PinExternalInterruptExiting PinBased = 1 << 0
	PinNMIExiting               PinBased = 1 << 3
	PinVirtualNMIs              PinBased = 1 << 5
	PinPreemptionTimer          PinBased = 1 << 6
)

// ProcBased are the primary processor-based VM-execution controls.
type ProcBased uint32

const (
	ProcInterruptWindowExiting ProcBased = 1 << 2
	ProcHLTExiting             ProcBased = 1 << 7
	ProcINVLPGExiting          ProcBased = 1 << 9
	ProcMWAITExiting           ProcBased = 1 << 10
	ProcRDTSCExiting           ProcBased = 1 << 12
	ProcCR3LoadExiting         ProcBased = 1 << 15
	ProcCR3StoreExiting        ProcBased = 1 << 16
	ProcCR8LoadExiting         ProcBased = 1 << 19
	ProcCR8StoreExiting        ProcBased = 1 << 20
	ProcMovDRExiting           ProcBased = 1 << 23
	ProcUseIOBitmaps           ProcBased = 1 << 25
	ProcUseMSRBitmaps          ProcBased = 1 << 28
	ProcMONITORExiting         ProcBased = 1 << 29
	ProcActivateSecondary      ProcBased = 1 << 31
)

// ProcBased2 are the secondary processor-based VM-execution controls.
type ProcBased2 uint32

const (
	Proc2VirtualizeAPIC         ProcBased2 = 1 << 0
	Proc2EnableEPT              ProcBased2 = 1 << 1
	Proc2DescriptorTableExiting ProcBased2 = 1 << 2
	Proc2EnableRDTSCP           ProcBased2 = 1 << 3
	Proc2EnableVPID             ProcBased2 = 1 << 5
	Proc2UnrestrictedGuest      ProcBased2 = 1 << 7
	Proc2EnableINVPCID          ProcBased2 = 1 << 12
	Proc2EnableXSAVES           ProcBased2 = 1 << 20
)

// EntryCtls are the VM-entry controls.
type EntryCtls uint32

const (
	EntryLoadDebugControls EntryCtls = 1 << 2
	EntryIA32eModeGuest    EntryCtls = 1 << 9
	EntryLoadPAT           EntryCtls = 1 << 14
	EntryLoadEFER          EntryCtls = 1 << 15
)

// ExitCtls are the VM-exit controls.
type ExitCtls uint32

const (
	ExitSaveDebugControls    ExitCtls = 1 << 2
	ExitHostAddressSpaceSize ExitCtls = 1 << 9
	ExitAcknowledgeInterrupt ExitCtls = 1 << 15
	ExitSavePAT              ExitCtls = 1 << 18
	ExitLoadPAT              ExitCtls = 1 << 19
	ExitSaveEFER             ExitCtls = 1 << 20
	ExitLoadEFER             ExitCtls = 1 << 21
)

// Adjust reconciles a requested control word with the hardware capability
// MSR for it: the low half of the capability reports bits that must be set,
// the high half bits that may be set. Every control write goes through this
// before reaching the control structure.
func Adjust(requested uint32, capability uint64) uint32 {
	allowed0 := uint32(capability)
	allowed1 := uint32(capability >> 32)
	return (requested | allowed0) & allowed1
}

// Interruptibility is the guest interruptibility-state field. A non-zero
// blocking bit means event delivery is momentarily inhibited.
type Interruptibility uint32

const (
	InterruptibilityBlockingBySTI   Interruptibility = 1 << 0
	InterruptibilityBlockingByMovSS Interruptibility = 1 << 1
	InterruptibilityBlockingBySMI   Interruptibility = 1 << 2
	InterruptibilityBlockingByNMI   Interruptibility = 1 << 3
)

// BlocksInstructionDelivery reports whether a preceding instruction is
// currently inhibiting interrupt delivery.
func (s Interruptibility) BlocksInstructionDelivery() bool {
	return s&(InterruptibilityBlockingBySTI|InterruptibilityBlockingByMovSS) != 0
}

// BlocksNMI reports whether NMI delivery is currently inhibited.
func (s Interruptibility) BlocksNMI() bool {
	return s&InterruptibilityBlockingByNMI != 0 || s.BlocksInstructionDelivery()
}
