// Package hvtest provides a software model of the VT-x hardware surface
// so the virtualization core's state machine, exit protocol and injection
// logic can be exercised on any host, without entering root operation.
// The model advertises every capability the controller gates on and plays
// back the two-phase launch: its launch writes the launching discriminant
// into the captured guest context and returns, and its capture reads the
// discriminant back out, which is exactly the round trip the real guest
// entry trampoline performs.
package hvtest

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/tinyrange/vmx/internal/hv"
	"github.com/tinyrange/vmx/internal/ia32"
	"github.com/tinyrange/vmx/internal/vmcs"
)

// Model MSR values: one page regions, write-back, TRUE controls
// advertised, every control bit allowed and none mandatory.
const (
	modelRevisionID = 0x0000CAFE
	modelBasicMSR   = modelRevisionID |
		uint64(ia32.PageSize)<<32 |
		uint64(vmcs.MemoryTypeWriteBack)<<50 |
		1<<55
	modelControlCapMSR = 0xFFFFFFFF_00000000

	modelEptVpidCapMSR = 1<<0 | // execute-only
		1<<6 | // page-walk length 4
		1<<14 | // write-back
		1<<16 | 1<<17 | // 2M and 1G pages
		1<<20 | 1<<25 | 1<<26 | // invept, single, all
		1<<32 | 1<<42 // invvpid, all
)

// Fake entry addresses the model hands out; nothing ever jumps to them.
const (
	modelHostRip   = 0xFFFF_8000_0000_1000
	modelGuestRip  = 0xFFFF_8000_0000_2000
	modelResumeRip = 0xFFFF_8000_0000_3000
)

var errNoCurrentVMCS = errors.New("hvtest: no current control structure")

// Machine is one core's software hardware model. Besides implementing
// hv.Hardware it records every mode-transition-relevant operation in
// order, so tests can assert sequences like the terminate protocol.
type Machine struct {
	mu sync.Mutex

	// Fault injection.
	VMXOnErr    error
	VMClearErr  error
	VMPtrLdErr  error
	VMLaunchErr error

	cr0, cr3, cr4 uint64
	msrs          map[uint32]uint64
	gdtr, idtr    ia32.DescriptorTable
	fxsave        ia32.FXSaveArea

	vmxOn    bool
	vmxonPA  uint64
	regions  map[uint64]map[vmcs.Field]uint64
	current  uint64
	launched bool

	entries map[uintptr]func()

	ops         []string
	Breakpoints int
}

var _ hv.Hardware = &Machine{}

// NewMachine builds a model core with VMX advertised and not yet enabled.
func NewMachine() *Machine {
	return &Machine{
		cr0: ia32.CR0PE | ia32.CR0PG,
		cr3: 0x1000,
		cr4: ia32.CR4PAE,
		msrs: map[uint32]uint64{
			ia32.MSRFeatureControl:    ia32.MSRFeatureControlLock | ia32.MSRFeatureControlVMXON,
			ia32.MSRVMXBasic:          modelBasicMSR,
			ia32.MSRVMXPinbasedCtls:   modelControlCapMSR,
			ia32.MSRVMXProcbasedCtls:  modelControlCapMSR,
			ia32.MSRVMXExitCtls:       modelControlCapMSR,
			ia32.MSRVMXEntryCtls:      modelControlCapMSR,
			ia32.MSRVMXProcbasedCtls2: modelControlCapMSR,
			ia32.MSRVMXEptVpidCap:     modelEptVpidCapMSR,
			ia32.MSRVMXTruePinbased:   modelControlCapMSR,
			ia32.MSRVMXTrueProcbased:  modelControlCapMSR,
			ia32.MSRVMXTrueExitCtls:   modelControlCapMSR,
			ia32.MSRVMXTrueEntryCtls:  modelControlCapMSR,
			// Fixed-bit constraints: the same bits real silicon pins
			// under root operation, VMX-enable among them, everything
			// else allowed.
			ia32.MSRVMXCR0Fixed0: ia32.CR0NE,
			ia32.MSRVMXCR0Fixed1: ^uint64(0),
			ia32.MSRVMXCR4Fixed0: ia32.CR4VMXEnable,
			ia32.MSRVMXCR4Fixed1: ^uint64(0),
			ia32.MSRFSBase:       0x7000,
			ia32.MSRGSBase:       0x8000,
		},
		gdtr:    ia32.DescriptorTable{Base: 0x2000, Limit: 0x7F},
		idtr:    ia32.DescriptorTable{Base: 0x3000, Limit: 0xFFF},
		regions: map[uint64]map[vmcs.Field]uint64{},
		entries: map[uintptr]func(){},
	}
}

// Ops returns the recorded operation names in execution order.
func (m *Machine) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

// ResetOps clears the operation record.
func (m *Machine) ResetOps() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = nil
}

// VMXEnabled reports whether the model is in root operation.
func (m *Machine) VMXEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vmxOn
}

func (m *Machine) record(op string) {
	m.mu.Lock()
	m.ops = append(m.ops, op)
	m.mu.Unlock()
}

func (m *Machine) CPUID(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	if leaf == 1 {
		return 0, 0, ia32.CPUIDFeatureVMX, 0
	}
	return 0, 0, 0, 0
}

func (m *Machine) ReadMSR(index uint32) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.msrs[index]
}

func (m *Machine) WriteMSR(index uint32, value uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msrs[index] = value
}

func (m *Machine) ReadCR0() uint64 { return m.cr0 }
func (m *Machine) ReadCR3() uint64 { return m.cr3 }
func (m *Machine) ReadCR4() uint64 { return m.cr4 }

func (m *Machine) WriteCR0(v uint64) { m.cr0 = v }

func (m *Machine) WriteCR3(v uint64) {
	m.cr3 = v
	m.record("writecr3")
}

func (m *Machine) WriteCR4(v uint64) {
	m.cr4 = v
	m.record("writecr4")
}

func (m *Machine) ReadDR7() uint64    { return 0x400 }
func (m *Machine) ReadRFlags() uint64 { return ia32.RFlagsReserved | ia32.RFlagsIF }

func (m *Machine) GDTR() ia32.DescriptorTable { return m.gdtr }
func (m *Machine) IDTR() ia32.DescriptorTable { return m.idtr }

func (m *Machine) SetGDTR(dt ia32.DescriptorTable) {
	m.gdtr = dt
	m.record("lgdt")
}

func (m *Machine) SetIDTR(dt ia32.DescriptorTable) {
	m.idtr = dt
	m.record("lidt")
}

func (m *Machine) Segment(r ia32.SegmentReg) ia32.Segment {
	// A flat 64-bit layout: code in slot 1, data in slot 2, TSS in 8.
	switch r {
	case ia32.SegCS:
		return ia32.Segment{Selector: 0x08, Limit: 0xFFFFFFFF, Access: 0xA09B}
	case ia32.SegTR:
		return ia32.Segment{Selector: 0x40, Base: 0x4000, Limit: 0x67, Access: 0x8B}
	case ia32.SegLDTR:
		return ia32.Segment{Access: ia32.AccessRightsUnusable}
	case ia32.SegFS:
		return ia32.Segment{Selector: 0x10, Base: 0x7000, Limit: 0xFFFFFFFF, Access: 0xC093}
	case ia32.SegGS:
		return ia32.Segment{Selector: 0x10, Base: 0x8000, Limit: 0xFFFFFFFF, Access: 0xC093}
	default:
		return ia32.Segment{Selector: 0x10, Limit: 0xFFFFFFFF, Access: 0xC093}
	}
}

func (m *Machine) VMXOn(pa uint64) error {
	m.record("vmxon")
	if m.VMXOnErr != nil {
		return m.VMXOnErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vmxOn {
		return fmt.Errorf("hvtest: already in root operation")
	}
	if m.cr4&ia32.CR4VMXEnable == 0 {
		return fmt.Errorf("hvtest: CR4 VMX-enable bit clear")
	}
	m.vmxOn = true
	m.vmxonPA = pa
	return nil
}

func (m *Machine) VMXOff() {
	m.record("vmxoff")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vmxOn = false
	m.current = 0
}

func (m *Machine) VMClear(pa uint64) error {
	m.record("vmclear")
	if m.VMClearErr != nil {
		return m.VMClearErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions[pa] = map[vmcs.Field]uint64{}
	if m.current == pa {
		m.current = 0
	}
	return nil
}

func (m *Machine) VMPtrLd(pa uint64) error {
	m.record("vmptrld")
	if m.VMPtrLdErr != nil {
		return m.VMPtrLdErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regions[pa]; !ok {
		return fmt.Errorf("hvtest: vmptrld of uncleared region %#x", pa)
	}
	m.current = pa
	return nil
}

func (m *Machine) currentFields() (map[vmcs.Field]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == 0 {
		return nil, errNoCurrentVMCS
	}
	return m.regions[m.current], nil
}

func (m *Machine) VMRead(field vmcs.Field) (uint64, error) {
	fields, err := m.currentFields()
	if err != nil {
		return 0, err
	}
	return fields[field], nil
}

func (m *Machine) VMWrite(field vmcs.Field, value uint64) error {
	fields, err := m.currentFields()
	if err != nil {
		return err
	}
	fields[field] = value
	return nil
}

// VMLaunch plays the guest entry trampoline's part of the launch round
// trip: find the guest context at the programmed host stack top, write
// the launching discriminant into its RAX slot and return. The caller's
// next ContextCapture observes the discriminant, exactly as if the
// restored context had re-returned from the original capture.
func (m *Machine) VMLaunch() error {
	m.record("vmlaunch")
	if m.VMLaunchErr != nil {
		return m.VMLaunchErr
	}
	fields, err := m.currentFields()
	if err != nil {
		return err
	}
	stackTop := uintptr(fields[vmcs.HostRSP])
	if stackTop == 0 {
		return fmt.Errorf("hvtest: host stack top not programmed")
	}
	ctx := (*ia32.Context)(unsafe.Pointer(stackTop))
	ctx.Rax = uint64(hv.StateLaunching)
	m.mu.Lock()
	m.launched = true
	m.mu.Unlock()
	return nil
}

func (m *Machine) InvEPTAllContexts()  { m.record("invept") }
func (m *Machine) InvVPIDAllContexts() { m.record("invvpid") }

func (m *Machine) FXSave(area *ia32.FXSaveArea)    { m.fxsave = *area }
func (m *Machine) FXRestore(area *ia32.FXSaveArea) { *area = m.fxsave }

// ContextCapture reads the discriminant out of the snapshot's RAX slot;
// Clear gives the first visit its zero, and the model's launch writes the
// second visit's value.
func (m *Machine) ContextCapture(ctx *ia32.Context) int {
	return int(ctx.Rax)
}

func (m *Machine) ContextRestore(ctx *ia32.Context, n int) {
	ctx.Rax = uint64(n)
}

func (m *Machine) HostRip() uint64   { return modelHostRip }
func (m *Machine) GuestRip() uint64  { return modelGuestRip }
func (m *Machine) ResumeRip() uint64 { return modelResumeRip }

func (m *Machine) RegisterHostEntry(stackTop uintptr, entry func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[stackTop] = entry
}

func (m *Machine) UnregisterHostEntry(stackTop uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, stackTop)
}

func (m *Machine) PhysicalAddress(p unsafe.Pointer) uint64 {
	return uint64(uintptr(p))
}

func (m *Machine) Breakpoint() {
	m.record("int3")
	m.mu.Lock()
	m.Breakpoints++
	m.mu.Unlock()
}

// FireExit simulates one VM-exit: it stores the exit information into the
// current control structure and invokes the host entry registered for the
// programmed stack top, which is the hardware's trap path minus the mode
// switch.
func (m *Machine) FireExit(reason vmcs.ExitReason, instructionLength int) error {
	fields, err := m.currentFields()
	if err != nil {
		return err
	}
	fields[vmcs.ExitReasonField] = uint64(reason)
	fields[vmcs.ExitInstructionLength] = uint64(instructionLength)

	// The entry preceding this exit consumed any staged event.
	fields[vmcs.EntryInterruptionInfo] = 0

	stackTop := uintptr(fields[vmcs.HostRSP])
	m.mu.Lock()
	entry := m.entries[stackTop]
	m.mu.Unlock()
	if entry == nil {
		return fmt.Errorf("hvtest: no host entry registered for stack top %#x", stackTop)
	}
	entry()
	return nil
}

// ClearEntryInterrupt models a completed VM entry consuming the staged
// event: the hardware clears the valid bit once the event is delivered.
func (m *Machine) ClearEntryInterrupt() error {
	fields, err := m.currentFields()
	if err != nil {
		return err
	}
	fields[vmcs.EntryInterruptionInfo] = 0
	return nil
}

// Cluster is a set of per-core Machines behind one factory, for
// controller tests spanning several cores.
type Cluster struct {
	mu       sync.Mutex
	machines map[int]*Machine
}

func NewCluster() *Cluster {
	return &Cluster{machines: map[int]*Machine{}}
}

// Hardware is the factory the controller's WithHardware option takes.
func (c *Cluster) Hardware(core int) hv.Hardware {
	return c.Machine(core)
}

// Machine returns (building on demand) the model for one core.
func (c *Cluster) Machine(core int) *Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.machines[core]
	if !ok {
		m = NewMachine()
		c.machines[core] = m
	}
	return m
}
