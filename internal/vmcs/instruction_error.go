package vmcs

import "fmt"

// InstructionError is the VM-instruction error number reported in the
// instruction-error field after a VM instruction fails with a valid current
// VMCS.
type InstructionError uint32

const (
	ErrVMCALLInRoot                   InstructionError = 1
	ErrVMCLEARInvalidAddress          InstructionError = 2
	ErrVMCLEARVmxonPointer            InstructionError = 3
	ErrVMLAUNCHNonClearVMCS           InstructionError = 4
	ErrVMRESUMENonLaunchedVMCS        InstructionError = 5
	ErrVMRESUMEAfterVMXOFF            InstructionError = 6
	ErrEntryInvalidControlFields      InstructionError = 7
	ErrEntryInvalidHostState          InstructionError = 8
	ErrVMPTRLDInvalidAddress          InstructionError = 9
	ErrVMPTRLDVmxonPointer            InstructionError = 10
	ErrVMPTRLDIncorrectRevision       InstructionError = 11
	ErrUnsupportedVMCSComponent       InstructionError = 12
	ErrVMWRITEReadOnlyComponent       InstructionError = 13
	ErrVMXONInRoot                    InstructionError = 15
	ErrEntryInvalidExecutiveVMCS      InstructionError = 16
	ErrEntryNonLaunchedExecutiveVMCS  InstructionError = 17
	ErrEntryExecutiveVMCSPointer      InstructionError = 18
	ErrVMCALLNonClearVMCS             InstructionError = 19
	ErrVMCALLInvalidExitControlFields InstructionError = 20
	ErrVMCALLIncorrectMSEGRevision    InstructionError = 22
	ErrVMXOFFUnderDualMonitor         InstructionError = 23
	ErrVMCALLInvalidSMMFeatures       InstructionError = 24
	ErrEntryInvalidExecControlFields  InstructionError = 25
	ErrEntryEventsBlockedByMovSS      InstructionError = 26
	ErrInvalidOperandToInveptInvvpid  InstructionError = 28
)

var instructionErrorText = map[InstructionError]string{
	ErrVMCALLInRoot:                   "VMCALL executed in VMX root operation",
	ErrVMCLEARInvalidAddress:          "VMCLEAR with invalid physical address",
	ErrVMCLEARVmxonPointer:            "VMCLEAR with VMXON pointer",
	ErrVMLAUNCHNonClearVMCS:           "VMLAUNCH with non-clear VMCS",
	ErrVMRESUMENonLaunchedVMCS:        "VMRESUME with non-launched VMCS",
	ErrVMRESUMEAfterVMXOFF:            "VMRESUME after VMXOFF",
	ErrEntryInvalidControlFields:      "VM entry with invalid control field(s)",
	ErrEntryInvalidHostState:          "VM entry with invalid host-state field(s)",
	ErrVMPTRLDInvalidAddress:          "VMPTRLD with invalid physical address",
	ErrVMPTRLDVmxonPointer:            "VMPTRLD with VMXON pointer",
	ErrVMPTRLDIncorrectRevision:       "VMPTRLD with incorrect VMCS revision identifier",
	ErrUnsupportedVMCSComponent:       "VMREAD/VMWRITE to unsupported VMCS component",
	ErrVMWRITEReadOnlyComponent:       "VMWRITE to read-only VMCS component",
	ErrVMXONInRoot:                    "VMXON executed in VMX root operation",
	ErrEntryInvalidExecutiveVMCS:      "VM entry with invalid executive-VMCS pointer",
	ErrEntryNonLaunchedExecutiveVMCS:  "VM entry with non-launched executive VMCS",
	ErrEntryExecutiveVMCSPointer:      "VM entry with executive-VMCS pointer not VMXON pointer",
	ErrVMCALLNonClearVMCS:             "VMCALL with non-clear VMCS",
	ErrVMCALLInvalidExitControlFields: "VMCALL with invalid VM-exit control fields",
	ErrVMCALLIncorrectMSEGRevision:    "VMCALL with incorrect MSEG revision identifier",
	ErrVMXOFFUnderDualMonitor:         "VMXOFF under dual-monitor treatment of SMIs and SMM",
	ErrVMCALLInvalidSMMFeatures:       "VMCALL with invalid SMM-monitor features",
	ErrEntryInvalidExecControlFields:  "VM entry with invalid VM-execution control fields in executive VMCS",
	ErrEntryEventsBlockedByMovSS:      "VM entry with events blocked by MOV SS",
	ErrInvalidOperandToInveptInvvpid:  "invalid operand to INVEPT/INVVPID",
}

func (e InstructionError) String() string {
	if s, ok := instructionErrorText[e]; ok {
		return s
	}
	return fmt.Sprintf("vm-instruction error %d", uint32(e))
}

// Error lets an instruction error travel as an ordinary error value along
// the fatal path.
func (e InstructionError) Error() string {
	return fmt.Sprintf("vmcs: %s (%d)", e.String(), uint32(e))
}
