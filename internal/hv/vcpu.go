package hv

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/vmx/internal/ia32"
	"github.com/tinyrange/vmx/internal/mm"
	"github.com/tinyrange/vmx/internal/trace"
	"github.com/tinyrange/vmx/internal/vmcs"
)

// VcpuState is the lifecycle state of one virtual CPU. The off and
// launching values double as the launch discriminant written into the
// captured guest context, so their numeric values are part of the
// trampoline contract.
type VcpuState int32

const (
	StateOff VcpuState = iota
	StateInitializing
	StateLaunching
	StateRunning
	StateTerminating
	StateTerminated
)

func (s VcpuState) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateInitializing:
		return "initializing"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "invalid"
	}
}

const pendingInterruptQueueSize = 16

// Vcpu is the per-core virtualization context: the hardware regions whose
// physical addresses the control structure references, the saved register
// contexts shared with the transition trampolines, the paging-domain
// handles and the pending-interrupt queue. A Vcpu is owned by the
// controller and, after launch, touched only from its own core.
type Vcpu struct {
	index       int
	hw          Hardware
	handler     ExitHandler
	eptProvider EptProvider
	ring        *trace.Ring

	// Address-stable regions. areaPages backs the stack and saved
	// contexts; the rest are programmed into the control structure by
	// physical address and must never move.
	areaPages   []byte
	area        *vcpuArea
	vmxonRegion []byte
	vmcsRegion  []byte
	msrBitmap   []byte
	ioBitmap    []byte
	fxsavePages []byte
	fxsave      *ia32.FXSaveArea

	state atomicbitops.Int32

	ept      []EptHandle
	eptIndex int

	pendingInterrupts [pendingInterruptQueueSize]Interrupt
	pendingFirst      int
	pendingCount      int

	suppressRipAdjust bool
}

func newVcpu(index int, hw Hardware, handler ExitHandler, eptProvider EptProvider, ring *trace.Ring) (*Vcpu, error) {
	v := &Vcpu{
		index:       index,
		hw:          hw,
		handler:     handler,
		eptProvider: eptProvider,
		ring:        ring,
	}

	var err error
	if v.areaPages, err = mm.AllocPages(mm.PagesFor(vcpuAreaSize)); err != nil {
		return nil, fmt.Errorf("hv: vcpu %d stack area: %w", index, err)
	}
	v.area = (*vcpuArea)(unsafe.Pointer(unsafe.SliceData(v.areaPages)))
	v.area.poison()
	v.area.guestContext.Clear()
	v.area.exitContext.Clear()

	alloc := func(name string, pages int) ([]byte, error) {
		b, aerr := mm.AllocPages(pages)
		if aerr != nil {
			v.release()
			return nil, fmt.Errorf("hv: vcpu %d %s: %w", index, name, aerr)
		}
		return b, nil
	}
	if v.vmxonRegion, err = alloc("vmxon region", 1); err != nil {
		return nil, err
	}
	if v.vmcsRegion, err = alloc("control structure", 1); err != nil {
		return nil, err
	}
	if v.msrBitmap, err = alloc("msr bitmap", 1); err != nil {
		return nil, err
	}
	if v.ioBitmap, err = alloc("io bitmap", 2); err != nil {
		return nil, err
	}
	if v.fxsavePages, err = alloc("fxsave area", 1); err != nil {
		return nil, err
	}
	v.fxsave = (*ia32.FXSaveArea)(unsafe.Pointer(unsafe.SliceData(v.fxsavePages)))

	hw.RegisterHostEntry(v.area.stackTop(), v.entryHost)
	return v, nil
}

// Index returns the core index, which doubles as the address-space tag.
func (v *Vcpu) Index() int { return v.index }

// State returns the current lifecycle state.
func (v *Vcpu) State() VcpuState {
	return VcpuState(v.state.Load())
}

func (v *Vcpu) setState(s VcpuState) {
	v.state.Store(int32(s))
}

// ExitContext exposes the interrupted context's register snapshot for the
// duration of an exit. Handlers mutate it in place; the write back to the
// guest happens on the resume path.
func (v *Vcpu) ExitContext() *ia32.Context {
	return &v.area.exitContext
}

// SuppressRipAdjust makes the current exit resume at the trapping
// instruction instead of past it. One shot; reset on every exit.
func (v *Vcpu) SuppressRipAdjust() {
	v.suppressRipAdjust = true
}

// Launch drives the virtual CPU from off to running. The capture point is
// revisited twice: once by this call (discriminant off, runs the full
// setup and issues the enter-guest instruction) and once by the guest
// entry trampoline restoring the captured context with the discriminant
// set to launching.
func (v *Vcpu) Launch() {
	for {
		switch VcpuState(v.hw.ContextCapture(&v.area.guestContext)) {
		case StateOff:
			if err := v.setup(); err != nil {
				v.fail(err)
				return
			}
			// On real hardware a successful launch never returns here;
			// a software model's launch does, after writing the
			// discriminant, so revisit the capture point to pick it up.
		case StateLaunching:
			v.setState(StateRunning)
			return
		default:
			panic(fmt.Sprintf("hv: vcpu %d: unexpected launch discriminant", v.index))
		}
	}
}

// Terminate leaves root operation in the mandated order and marks the
// virtual CPU terminated. Runs on the exit path, usually in response to
// the trapped instruction the handler's termination hook provokes. After
// it returns no root-mode-only instruction may execute on this core.
func (v *Vcpu) Terminate() {
	if s := v.State(); s == StateOff || s == StateTerminated {
		panic(fmt.Sprintf("hv: vcpu %d: terminate while %s", v.index, s))
	}
	v.setState(StateTerminating)

	// Skip the trapped instruction that delivered the termination
	// request before the exit context is resumed for the last time.
	v.area.exitContext.Rip += uint64(v.ExitInstructionLength())

	// Root operation pins the descriptor-table limits at 0xffff; put the
	// interrupted context's tables back before it can notice.
	v.hw.SetGDTR(v.GuestGDTR())
	v.hw.SetIDTR(v.GuestIDTR())

	// The exit path may run under an address space unrelated to the
	// interrupted one. Resume with the guest's CR3.
	v.hw.WriteCR3(v.GuestCR3())

	// All-context invalidation brackets every use of root operation,
	// immediately after entering and immediately before leaving.
	v.hw.InvVPIDAllContexts()
	v.hw.InvEPTAllContexts()

	v.hw.VMXOff()
	v.hw.WriteCR4(v.hw.ReadCR4() &^ ia32.CR4VMXEnable)

	v.setState(StateTerminated)
}

// destroy tears the virtual CPU down from the controller's stop path. A
// still-running CPU is asked to terminate itself through the handler,
// which is expected to provoke the trapped event that drives Terminate.
func (v *Vcpu) destroy() {
	if v.State() != StateTerminated {
		v.setState(StateTerminating)
		v.handler.InvokeTermination(v)
	}
	v.EptDisable()
	v.release()
}

// release frees the hardware regions. Only safe once no physical address
// of any region can still be referenced by an active control structure.
func (v *Vcpu) release() {
	if v.area != nil {
		v.hw.UnregisterHostEntry(v.area.stackTop())
	}
	for _, b := range [][]byte{v.areaPages, v.vmxonRegion, v.vmcsRegion, v.msrBitmap, v.ioBitmap, v.fxsavePages} {
		if b != nil {
			if err := mm.FreePages(b); err != nil {
				slog.Warn("hv: release vcpu region", "core", v.index, "error", err)
			}
		}
	}
	v.areaPages = nil
	v.area = nil
	v.vmxonRegion = nil
	v.vmcsRegion = nil
	v.msrBitmap = nil
	v.ioBitmap = nil
	v.fxsavePages = nil
	v.fxsave = nil
}

// fail is the fatal hardware-rejection path: log the reported instruction
// error, break into any attached debugger and force termination. Never
// retried; a rejected mode transition is a defect, not a transient.
func (v *Vcpu) fail(err error) {
	ierr := vmcs.InstructionError(v.vmRead(vmcs.InstructionErrorField))
	slog.Error("hv: hardware rejected mode transition",
		"core", v.index,
		"state", v.State(),
		"error", err,
		"code", uint32(ierr),
		"detail", ierr.String())
	v.hw.Breakpoint()

	switch v.State() {
	case StateOff:
		// Root operation was never entered; nothing to unwind.
		v.setState(StateTerminated)
	case StateTerminated:
	default:
		v.Terminate()
	}
}

// setup runs the off-to-launching half of the launch protocol. On real
// hardware the final enter-guest instruction does not return on success.
func (v *Vcpu) setup() error {
	if err := v.loadVmxon(); err != nil {
		return err
	}
	if err := v.loadVmcs(); err != nil {
		return err
	}

	v.setupHost()
	v.setupGuest()

	if err := v.handler.Setup(v); err != nil {
		return fmt.Errorf("hv: vcpu %d handler setup: %w", v.index, err)
	}

	v.setState(StateLaunching)
	if err := v.hw.VMLaunch(); err != nil {
		return fmt.Errorf("hv: vcpu %d %w: %v", v.index, ErrLaunchFailed, err)
	}
	return nil
}

func (v *Vcpu) loadVmxon() error {
	hw := v.hw

	// VMXON faults unless the fixed CR0/CR4 bits the capability MSRs
	// demand are in place, CR4.VMXE among them.
	hw.WriteCR0(vmcs.AdjustCR(hw.ReadCR0(),
		hw.ReadMSR(ia32.MSRVMXCR0Fixed0), hw.ReadMSR(ia32.MSRVMXCR0Fixed1)))
	hw.WriteCR4(vmcs.AdjustCR(hw.ReadCR4(),
		hw.ReadMSR(ia32.MSRVMXCR4Fixed0), hw.ReadMSR(ia32.MSRVMXCR4Fixed1)))

	basic := vmcs.ParseBasic(hw.ReadMSR(ia32.MSRVMXBasic))
	binary.LittleEndian.PutUint32(v.vmxonRegion, basic.RevisionID)

	if err := hw.VMXOn(hw.PhysicalAddress(unsafe.Pointer(unsafe.SliceData(v.vmxonRegion)))); err != nil {
		return fmt.Errorf("hv: vcpu %d vmxon: %w", v.index, err)
	}
	v.setState(StateInitializing)

	// All-context invalidation immediately after entering root
	// operation, mirroring the one before leaving it.
	hw.InvVPIDAllContexts()
	hw.InvEPTAllContexts()
	return nil
}

func (v *Vcpu) loadVmcs() error {
	basic := vmcs.ParseBasic(v.hw.ReadMSR(ia32.MSRVMXBasic))
	binary.LittleEndian.PutUint32(v.vmcsRegion, basic.RevisionID)

	pa := v.hw.PhysicalAddress(unsafe.Pointer(unsafe.SliceData(v.vmcsRegion)))
	if err := v.hw.VMClear(pa); err != nil {
		return fmt.Errorf("hv: vcpu %d vmclear: %w", v.index, err)
	}
	if err := v.hw.VMPtrLd(pa); err != nil {
		return fmt.Errorf("hv: vcpu %d vmptrld: %w", v.index, err)
	}
	return nil
}

// setupHost mirrors the running core's state into the host fields so a
// VM-exit lands back in the current address space, on this virtual CPU's
// private stack, at the host entry trampoline.
func (v *Vcpu) setupHost() {
	hw := v.hw

	v.vmWrite(vmcs.HostGDTRBase, hw.GDTR().Base)
	v.vmWrite(vmcs.HostIDTRBase, hw.IDTR().Base)

	// Host selector slots run ES, CS, SS, DS, FS, GS, TR; the RPL and
	// table-indicator bits must be clear.
	hostSegs := [...]ia32.SegmentReg{
		ia32.SegES, ia32.SegCS, ia32.SegSS, ia32.SegDS,
		ia32.SegFS, ia32.SegGS, ia32.SegTR,
	}
	for slot, r := range hostSegs {
		v.vmWrite(vmcs.HostSegmentSelector(slot), uint64(hw.Segment(r).Selector&^0x7))
	}
	v.vmWrite(vmcs.HostFSBase, hw.Segment(ia32.SegFS).Base)
	v.vmWrite(vmcs.HostGSBase, hw.Segment(ia32.SegGS).Base)
	v.vmWrite(vmcs.HostTRBase, hw.Segment(ia32.SegTR).Base)

	v.vmWrite(vmcs.HostCR0, hw.ReadCR0())
	v.vmWrite(vmcs.HostCR3, hw.ReadCR3())
	v.vmWrite(vmcs.HostCR4, hw.ReadCR4())

	v.vmWrite(vmcs.HostRSP, uint64(v.area.stackTop()))
	v.vmWrite(vmcs.HostRIP, hw.HostRip())
}

// setupGuest installs the default execution controls: no interrupt
// exiting, secondary controls active with a zeroed MSR bitmap so MSR
// access does not trap, address-space identifiers on, 64-bit mode on both
// entry and exit, and the guest initially parked on the shared stack at
// the guest entry trampoline. The handler's setup hook runs after this
// and may override any of it.
func (v *Vcpu) setupGuest() {
	v.SetID(1)

	// No shadow control structure; the link pointer is all ones then.
	v.vmWrite(vmcs.VMCSLinkPointer, ^uint64(0))

	v.SetPinBasedControls(0)
	v.SetProcBasedControls(vmcs.ProcActivateSecondary | vmcs.ProcUseMSRBitmaps)
	v.SetProcBasedControls2(vmcs.Proc2EnableVPID |
		vmcs.Proc2EnableRDTSCP |
		vmcs.Proc2EnableXSAVES |
		vmcs.Proc2EnableINVPCID)
	v.SetEntryControls(vmcs.EntryIA32eModeGuest)
	v.SetExitControls(vmcs.ExitHostAddressSpaceSize)

	v.SetMSRBitmap(nil)

	// Guest and host share the private stack; they never run
	// concurrently on one core, so this is safe.
	v.SetGuestRSP(uint64(v.area.stackTop()))
	v.SetGuestRIP(v.hw.GuestRip())
}

// EptEnable builds count sibling paging domains and turns nested paging
// on, selecting domain 0. Enabling twice is a programming error.
func (v *Vcpu) EptEnable(count int) error {
	if v.ept != nil {
		panic(fmt.Sprintf("hv: vcpu %d: paging domains already enabled", v.index))
	}
	if count <= 0 {
		panic(fmt.Sprintf("hv: vcpu %d: invalid paging domain count %d", v.index, count))
	}
	if v.eptProvider == nil {
		return fmt.Errorf("hv: vcpu %d: no paging-domain provider configured", v.index)
	}

	handles, err := v.eptProvider(count)
	if err != nil {
		return fmt.Errorf("hv: vcpu %d: build paging domains: %w", v.index, err)
	}
	if len(handles) != count {
		return fmt.Errorf("hv: vcpu %d: provider built %d domains, want %d", v.index, len(handles), count)
	}
	v.ept = handles

	v.SetProcBasedControls2(v.ProcBasedControls2() | vmcs.Proc2EnableEPT)
	v.SetEptIndex(0)
	return nil
}

// EptDisable releases the paging domains. The control bit is left alone:
// by the time this runs on the teardown path, root operation is already
// over and the control structure is dead.
func (v *Vcpu) EptDisable() {
	v.ept = nil
	v.eptIndex = 0
}

// EptIndex returns the currently selected paging domain.
func (v *Vcpu) EptIndex() int { return v.eptIndex }

// SetEptIndex selects a paging domain and programs its translation root
// into the control structure.
func (v *Vcpu) SetEptIndex(index int) {
	if index < 0 || index >= len(v.ept) {
		panic(fmt.Sprintf("hv: vcpu %d: paging domain %d out of range (have %d)", v.index, index, len(v.ept)))
	}
	v.vmWrite(vmcs.EPTPointer, vmcs.EPTPointerFor(v.ept[index].RootPointer()))
	v.eptIndex = index
}

// Ept returns the paging domain at index.
func (v *Vcpu) Ept(index int) EptHandle {
	if index < 0 || index >= len(v.ept) {
		panic(fmt.Sprintf("hv: vcpu %d: paging domain %d out of range (have %d)", v.index, index, len(v.ept)))
	}
	return v.ept[index]
}

// EptCount returns the number of enabled paging domains.
func (v *Vcpu) EptCount() int { return len(v.ept) }
