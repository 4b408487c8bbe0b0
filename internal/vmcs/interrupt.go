package vmcs

// InterruptType is the delivery type carried in an interruption-information
// field.
type InterruptType uint32

const (
	InterruptTypeExternal                    InterruptType = 0
	InterruptTypeNMI                         InterruptType = 2
	InterruptTypeHardwareException           InterruptType = 3
	InterruptTypeSoftwareInterrupt           InterruptType = 4
	InterruptTypePrivilegedSoftwareException InterruptType = 5
	InterruptTypeSoftwareException           InterruptType = 6
	InterruptTypeOtherEvent                  InterruptType = 7
)

// IsSoftware reports whether delivery of the type consumes an instruction
// length (the injected event re-executes at RIP plus that length).
func (t InterruptType) IsSoftware() bool {
	switch t {
	case InterruptTypeSoftwareInterrupt,
		InterruptTypePrivilegedSoftwareException,
		InterruptTypeSoftwareException:
		return true
	}
	return false
}

func (t InterruptType) String() string {
	switch t {
	case InterruptTypeExternal:
		return "external-interrupt"
	case InterruptTypeNMI:
		return "nmi"
	case InterruptTypeHardwareException:
		return "hardware-exception"
	case InterruptTypeSoftwareInterrupt:
		return "software-interrupt"
	case InterruptTypePrivilegedSoftwareException:
		return "privileged-software-exception"
	case InterruptTypeSoftwareException:
		return "software-exception"
	case InterruptTypeOtherEvent:
		return "other-event"
	default:
		return "reserved"
	}
}

// InterruptInfo is the packed interruption-information format shared by the
// entry-interruption, exit-interruption and IDT-vectoring fields.
type InterruptInfo uint32

const (
	interruptInfoVectorMask     InterruptInfo = 0xFF
	interruptInfoTypeShift                    = 8
	interruptInfoTypeMask       InterruptInfo = 0x7 << interruptInfoTypeShift
	InterruptInfoErrorCodeValid InterruptInfo = 1 << 11
	InterruptInfoNMIUnblocking  InterruptInfo = 1 << 12
	interruptInfoReservedMask   InterruptInfo = 0x7FFFE000
	InterruptInfoValid          InterruptInfo = 1 << 31
)

// MakeInterruptInfo packs a valid interruption-information value.
func MakeInterruptInfo(t InterruptType, vector uint8, errorCodeValid bool) InterruptInfo {
	info := InterruptInfo(vector) |
		(InterruptInfo(t) << interruptInfoTypeShift) |
		InterruptInfoValid
	if errorCodeValid {
		info |= InterruptInfoErrorCodeValid
	}
	return info
}

// Vector extracts the event vector.
func (i InterruptInfo) Vector() uint8 { return uint8(i & interruptInfoVectorMask) }

// Type extracts the delivery type.
func (i InterruptInfo) Type() InterruptType {
	return InterruptType((i & interruptInfoTypeMask) >> interruptInfoTypeShift)
}

// ErrorCodeValid reports whether the event carries an error code.
func (i InterruptInfo) ErrorCodeValid() bool { return i&InterruptInfoErrorCodeValid != 0 }

// NMIUnblocking reports the "NMI unblocking due to IRET" indication.
func (i InterruptInfo) NMIUnblocking() bool { return i&InterruptInfoNMIUnblocking != 0 }

// Valid reports whether the field holds an event at all.
func (i InterruptInfo) Valid() bool { return i&InterruptInfoValid != 0 }

// Sanitized clears the reserved bits the hardware requires to be zero on
// injection.
func (i InterruptInfo) Sanitized() InterruptInfo { return i &^ interruptInfoReservedMask }
