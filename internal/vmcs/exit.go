package vmcs

import "fmt"

// ExitReason is the basic exit reason from the exit-reason field. The upper
// half of the field carries qualification flags which callers mask off with
// BasicReason.
type ExitReason uint16

const (
	ExitReasonExceptionOrNMI     ExitReason = 0
	ExitReasonExternalInterrupt  ExitReason = 1
	ExitReasonTripleFault        ExitReason = 2
	ExitReasonINIT               ExitReason = 3
	ExitReasonSIPI               ExitReason = 4
	ExitReasonSMI                ExitReason = 6
	ExitReasonInterruptWindow    ExitReason = 7
	ExitReasonNMIWindow          ExitReason = 8
	ExitReasonTaskSwitch         ExitReason = 9
	ExitReasonCPUID              ExitReason = 10
	ExitReasonGETSEC             ExitReason = 11
	ExitReasonHLT                ExitReason = 12
	ExitReasonINVD               ExitReason = 13
	ExitReasonINVLPG             ExitReason = 14
	ExitReasonRDPMC              ExitReason = 15
	ExitReasonRDTSC              ExitReason = 16
	ExitReasonRSM                ExitReason = 17
	ExitReasonVMCALL             ExitReason = 18
	ExitReasonVMCLEAR            ExitReason = 19
	ExitReasonVMLAUNCH           ExitReason = 20
	ExitReasonVMPTRLD            ExitReason = 21
	ExitReasonVMPTRST            ExitReason = 22
	ExitReasonVMREAD             ExitReason = 23
	ExitReasonVMRESUME           ExitReason = 24
	ExitReasonVMWRITE            ExitReason = 25
	ExitReasonVMXOFF             ExitReason = 26
	ExitReasonVMXON              ExitReason = 27
	ExitReasonCRAccess           ExitReason = 28
	ExitReasonMovDR              ExitReason = 29
	ExitReasonIOInstruction      ExitReason = 30
	ExitReasonRDMSR              ExitReason = 31
	ExitReasonWRMSR              ExitReason = 32
	ExitReasonInvalidGuestState  ExitReason = 33
	ExitReasonMSRLoadFailure     ExitReason = 34
	ExitReasonMWAIT              ExitReason = 36
	ExitReasonMonitorTrapFlag    ExitReason = 37
	ExitReasonMONITOR            ExitReason = 39
	ExitReasonPAUSE              ExitReason = 40
	ExitReasonMachineCheckEvent  ExitReason = 41
	ExitReasonTPRBelowThreshold  ExitReason = 43
	ExitReasonAPICAccess         ExitReason = 44
	ExitReasonVirtualizedEOI     ExitReason = 45
	ExitReasonGDTRIDTRAccess     ExitReason = 46
	ExitReasonLDTRTRAccess       ExitReason = 47
	ExitReasonEPTViolation       ExitReason = 48
	ExitReasonEPTMisconfig       ExitReason = 49
	ExitReasonINVEPT             ExitReason = 50
	ExitReasonRDTSCP             ExitReason = 51
	ExitReasonPreemptionTimer    ExitReason = 52
	ExitReasonINVVPID            ExitReason = 53
	ExitReasonWBINVD             ExitReason = 54
	ExitReasonXSETBV             ExitReason = 55
	ExitReasonAPICWrite          ExitReason = 56
	ExitReasonRDRAND             ExitReason = 57
	ExitReasonINVPCID            ExitReason = 58
	ExitReasonVMFUNC             ExitReason = 59
	ExitReasonXSAVES             ExitReason = 63
	ExitReasonXRSTORS            ExitReason = 64
)

// BasicReason masks the raw exit-reason field down to the basic reason.
func BasicReason(raw uint64) ExitReason { return ExitReason(raw & 0xFFFF) }

var exitReasonNames = map[ExitReason]string{
	ExitReasonExceptionOrNMI:    "exception-or-nmi",
	ExitReasonExternalInterrupt: "external-interrupt",
	ExitReasonTripleFault:       "triple-fault",
	ExitReasonInterruptWindow:   "interrupt-window",
	ExitReasonNMIWindow:         "nmi-window",
	ExitReasonTaskSwitch:        "task-switch",
	ExitReasonCPUID:             "cpuid",
	ExitReasonHLT:               "hlt",
	ExitReasonINVD:              "invd",
	ExitReasonINVLPG:            "invlpg",
	ExitReasonRDPMC:             "rdpmc",
	ExitReasonRDTSC:             "rdtsc",
	ExitReasonVMCALL:            "vmcall",
	ExitReasonVMCLEAR:           "vmclear",
	ExitReasonVMLAUNCH:          "vmlaunch",
	ExitReasonVMPTRLD:           "vmptrld",
	ExitReasonVMPTRST:           "vmptrst",
	ExitReasonVMREAD:            "vmread",
	ExitReasonVMRESUME:          "vmresume",
	ExitReasonVMWRITE:           "vmwrite",
	ExitReasonVMXOFF:            "vmxoff",
	ExitReasonVMXON:             "vmxon",
	ExitReasonCRAccess:          "cr-access",
	ExitReasonMovDR:             "mov-dr",
	ExitReasonIOInstruction:     "io-instruction",
	ExitReasonRDMSR:             "rdmsr",
	ExitReasonWRMSR:             "wrmsr",
	ExitReasonInvalidGuestState: "invalid-guest-state",
	ExitReasonMWAIT:             "mwait",
	ExitReasonMonitorTrapFlag:   "monitor-trap-flag",
	ExitReasonMONITOR:           "monitor",
	ExitReasonPAUSE:             "pause",
	ExitReasonEPTViolation:      "ept-violation",
	ExitReasonEPTMisconfig:      "ept-misconfiguration",
	ExitReasonINVEPT:            "invept",
	ExitReasonRDTSCP:            "rdtscp",
	ExitReasonPreemptionTimer:   "preemption-timer",
	ExitReasonINVVPID:           "invvpid",
	ExitReasonWBINVD:            "wbinvd",
	ExitReasonXSETBV:            "xsetbv",
	ExitReasonXSAVES:            "xsaves",
	ExitReasonXRSTORS:           "xrstors",
}

func (r ExitReason) String() string {
	if s, ok := exitReasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("exit-reason(%d)", uint16(r))
}
