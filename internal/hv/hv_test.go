package hv_test

import (
	"errors"
	"fmt"
	"testing"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/vmx/internal/hv"
	"github.com/tinyrange/vmx/internal/hv/hvtest"
	"github.com/tinyrange/vmx/internal/ia32"
	"github.com/tinyrange/vmx/internal/vmcs"
)

// testHandler terminates on VMCALL and defers everything else to onExit.
// Setup and Handle run on the per-core broadcast threads, so the counters
// are atomic.
type testHandler struct {
	cluster *hvtest.Cluster
	onSetup func(v *hv.Vcpu) error
	onExit  func(v *hv.Vcpu)
	setups  atomicbitops.Int32
	exits   atomicbitops.Int32
}

func (h *testHandler) Setup(v *hv.Vcpu) error {
	h.setups.Add(1)
	if h.onSetup != nil {
		return h.onSetup(v)
	}
	return nil
}

func (h *testHandler) Handle(v *hv.Vcpu) {
	h.exits.Add(1)
	if v.ExitReason() == vmcs.ExitReasonVMCALL {
		v.Terminate()
		return
	}
	if h.onExit != nil {
		h.onExit(v)
	}
}

func (h *testHandler) InvokeTermination(v *hv.Vcpu) {
	if err := h.cluster.Machine(v.Index()).FireExit(vmcs.ExitReasonVMCALL, 3); err != nil {
		panic(err)
	}
}

// start brings up the controller on the software model and registers a
// cleanup stop.
func start(t *testing.T, h *testHandler, opts ...hv.Option) *hvtest.Cluster {
	t.Helper()
	cluster := hvtest.NewCluster()
	h.cluster = cluster
	opts = append([]hv.Option{
		hv.WithHardware(cluster.Hardware),
		hv.WithCPUCount(1),
	}, opts...)
	if err := hv.Start(h, opts...); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if hv.IsStarted() {
			if err := hv.Stop(); err != nil {
				t.Errorf("stop: %v", err)
			}
		}
	})
	return cluster
}

func TestStartStop(t *testing.T) {
	for _, cores := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("cores=%d", cores), func(t *testing.T) {
			handler := &testHandler{}
			cluster := start(t, handler, hv.WithCPUCount(cores))

			if !hv.IsStarted() {
				t.Fatal("not started after Start")
			}
			if got := int(handler.setups.Load()); got != cores {
				t.Fatalf("setup ran %d times, want %d", got, cores)
			}
			for i, v := range hv.Vcpus() {
				if v.State() != hv.StateRunning {
					t.Fatalf("vcpu %d state %v, want running", i, v.State())
				}
				if !cluster.Machine(i).VMXEnabled() {
					t.Fatalf("core %d not in root operation", i)
				}
			}

			if err := hv.Stop(); err != nil {
				t.Fatalf("stop: %v", err)
			}
			if hv.IsStarted() {
				t.Fatal("still started after Stop")
			}
			for i := 0; i < cores; i++ {
				m := cluster.Machine(i)
				if m.VMXEnabled() {
					t.Fatalf("core %d still in root operation", i)
				}
				if m.ReadCR4()&ia32.CR4VMXEnable != 0 {
					t.Fatalf("core %d CR4 VMX-enable still set", i)
				}
			}
		})
	}
}

// The virtual CPU table is published before the launch broadcast, so a
// setup hook can already address its sibling cores.
func TestVcpusVisibleDuringSetup(t *testing.T) {
	const cores = 2
	var seen atomicbitops.Int32
	handler := &testHandler{
		onSetup: func(v *hv.Vcpu) error {
			seen.Add(int32(len(hv.Vcpus())))
			return nil
		},
	}
	start(t, handler, hv.WithCPUCount(cores))

	if got := int(seen.Load()); got != cores*cores {
		t.Fatalf("setup hooks saw %d vcpus in total, want %d", got, cores*cores)
	}
}

func TestStartTwice(t *testing.T) {
	handler := &testHandler{}
	cluster := start(t, handler)

	err := hv.Start(handler, hv.WithHardware(cluster.Hardware))
	if !errors.Is(err, hv.ErrAlreadyStarted) {
		t.Fatalf("second start: %v, want ErrAlreadyStarted", err)
	}
	if got := hv.Vcpus()[0].State(); got != hv.StateRunning {
		t.Fatalf("existing vcpu disturbed: state %v", got)
	}
}

func TestStopNotStarted(t *testing.T) {
	if err := hv.Stop(); !errors.Is(err, hv.ErrNotStarted) {
		t.Fatalf("stop: %v, want ErrNotStarted", err)
	}
}

func TestUnsupportedHardware(t *testing.T) {
	cluster := hvtest.NewCluster()
	// Strip the TRUE capability MSR advertisement.
	basic := cluster.Machine(0).ReadMSR(ia32.MSRVMXBasic)
	cluster.Machine(0).WriteMSR(ia32.MSRVMXBasic, basic&^(1<<55))

	handler := &testHandler{cluster: cluster}
	err := hv.Start(handler, hv.WithHardware(cluster.Hardware), hv.WithCPUCount(1))
	if !errors.Is(err, hv.ErrUnsupportedHardware) {
		t.Fatalf("start: %v, want ErrUnsupportedHardware", err)
	}
	if hv.IsStarted() {
		t.Fatal("started on unsupported hardware")
	}
}

func TestLaunchFailureIsFatal(t *testing.T) {
	cluster := hvtest.NewCluster()
	cluster.Machine(0).VMLaunchErr = errors.New("entry rejected")

	handler := &testHandler{cluster: cluster}
	if err := hv.Start(handler, hv.WithHardware(cluster.Hardware), hv.WithCPUCount(1)); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer hv.Stop()

	v := hv.Vcpus()[0]
	if v.State() != hv.StateTerminated {
		t.Fatalf("state %v after rejected launch, want terminated", v.State())
	}
	m := cluster.Machine(0)
	if m.Breakpoints != 1 {
		t.Fatalf("breakpoints %d, want 1", m.Breakpoints)
	}
	// The fatal path still leaves root operation in order.
	if m.VMXEnabled() {
		t.Fatal("root operation not exited on fatal path")
	}
}

func TestTerminateOrdering(t *testing.T) {
	handler := &testHandler{}
	cluster := start(t, handler)

	m := cluster.Machine(0)
	m.ResetOps()
	if err := m.FireExit(vmcs.ExitReasonVMCALL, 3); err != nil {
		t.Fatalf("fire exit: %v", err)
	}

	want := []string{"lgdt", "lidt", "writecr3", "invvpid", "invept", "vmxoff", "writecr4"}
	got := m.Ops()
	if len(got) != len(want) {
		t.Fatalf("ops %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("op %d = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
	if hv.Vcpus()[0].State() != hv.StateTerminated {
		t.Fatalf("state %v, want terminated", hv.Vcpus()[0].State())
	}
}

func TestRipAdjust(t *testing.T) {
	const instrLen = 2

	suppress := false
	handler := &testHandler{}
	handler.onExit = func(v *hv.Vcpu) {
		if suppress {
			v.SuppressRipAdjust()
		}
	}
	cluster := start(t, handler)
	m := cluster.Machine(0)

	before, _ := m.VMRead(vmcs.GuestRIP)
	if err := m.FireExit(vmcs.ExitReasonCPUID, instrLen); err != nil {
		t.Fatalf("fire exit: %v", err)
	}
	after, _ := m.VMRead(vmcs.GuestRIP)
	if after != before+instrLen {
		t.Fatalf("rip %#x after exit, want %#x", after, before+instrLen)
	}

	suppress = true
	if err := m.FireExit(vmcs.ExitReasonCPUID, instrLen); err != nil {
		t.Fatalf("fire exit: %v", err)
	}
	final, _ := m.VMRead(vmcs.GuestRIP)
	if final != after {
		t.Fatalf("rip %#x after suppressed exit, want %#x", final, after)
	}
}

func TestInjectImmediate(t *testing.T) {
	handler := &testHandler{}
	start(t, handler)
	v := hv.Vcpus()[0]

	in := hv.NewInterruptWithErrorCode(vmcs.InterruptTypeHardwareException, ia32.VectorPageFault, 0x2)
	if !v.InjectInterrupt(in) {
		t.Fatal("empty entry field: injection should be immediate")
	}

	out := v.EntryInterrupt()
	if !out.Valid() {
		t.Fatal("entry field not valid after injection")
	}
	if out.Type() != vmcs.InterruptTypeHardwareException {
		t.Fatalf("type %v, want hardware exception", out.Type())
	}
	if out.Vector() != ia32.VectorPageFault {
		t.Fatalf("vector %d, want %d", out.Vector(), ia32.VectorPageFault)
	}
	code, ok := out.ErrorCode()
	if !ok || code != 0x2 {
		t.Fatalf("error code %#x (valid=%v), want 0x2", code, ok)
	}
}

func TestPendingInterruptFIFO(t *testing.T) {
	handler := &testHandler{}
	cluster := start(t, handler)
	v := hv.Vcpus()[0]
	m := cluster.Machine(0)

	// Occupy the entry field, then fill the queue.
	if !v.InjectInterrupt(hv.NewInterrupt(vmcs.InterruptTypeExternal, 32)) {
		t.Fatal("first injection should be immediate")
	}
	for i := 0; i < 16; i++ {
		if v.InjectInterrupt(hv.NewInterrupt(vmcs.InterruptTypeExternal, ia32.Vector(33+i))) {
			t.Fatalf("injection %d should have been deferred", i)
		}
	}
	if !v.InterruptIsPending() {
		t.Fatal("queue should report pending events")
	}

	// Drain with an always-permitting interruptibility state, one event
	// per simulated entry.
	var vectors []ia32.Vector
	for v.InterruptIsPending() {
		if err := m.ClearEntryInterrupt(); err != nil {
			t.Fatalf("clear entry: %v", err)
		}
		v.InjectPendingInterrupts()
		e := v.EntryInterrupt()
		if !e.Valid() {
			t.Fatal("drain delivered nothing with events pending")
		}
		vectors = append(vectors, e.Vector())
	}
	if len(vectors) != 16 {
		t.Fatalf("drained %d events, want 16", len(vectors))
	}
	for i, vec := range vectors {
		if vec != ia32.Vector(33+i) {
			t.Fatalf("drain order broken at %d: vector %d, want %d", i, vec, 33+i)
		}
	}
}

func TestPendingQueueOverflowPanics(t *testing.T) {
	handler := &testHandler{}
	start(t, handler)
	v := hv.Vcpus()[0]

	v.InjectInterrupt(hv.NewInterrupt(vmcs.InterruptTypeExternal, 32))
	for i := 0; i < 16; i++ {
		v.InjectInterrupt(hv.NewInterrupt(vmcs.InterruptTypeExternal, ia32.Vector(33+i)))
	}

	defer func() {
		if recover() == nil {
			t.Fatal("17th deferred injection should panic")
		}
	}()
	v.InjectInterrupt(hv.NewInterrupt(vmcs.InterruptTypeExternal, 50))
}

func TestPendingBlockedByInterruptibility(t *testing.T) {
	handler := &testHandler{}
	cluster := start(t, handler)
	v := hv.Vcpus()[0]
	m := cluster.Machine(0)

	v.InjectInterrupt(hv.NewInterrupt(vmcs.InterruptTypeExternal, 32))
	v.InjectInterrupt(hv.NewInterrupt(vmcs.InterruptTypeExternal, 33))

	if err := m.ClearEntryInterrupt(); err != nil {
		t.Fatalf("clear entry: %v", err)
	}
	v.SetGuestInterruptibility(vmcs.InterruptibilityBlockingBySTI)
	v.InjectPendingInterrupts()
	if v.EntryInterrupt().Valid() {
		t.Fatal("delivered an event while delivery was blocked")
	}
	if !v.InterruptIsPending() {
		t.Fatal("blocked event should stay queued")
	}

	v.SetGuestInterruptibility(0)
	v.InjectPendingInterrupts()
	e := v.EntryInterrupt()
	if !e.Valid() || e.Vector() != 33 {
		t.Fatalf("unblocked drain delivered %v, want vector 33", e)
	}
}

func TestInjectFront(t *testing.T) {
	handler := &testHandler{}
	cluster := start(t, handler)
	v := hv.Vcpus()[0]
	m := cluster.Machine(0)

	v.InjectInterrupt(hv.NewInterrupt(vmcs.InterruptTypeExternal, 32))
	v.InjectInterrupt(hv.NewInterrupt(vmcs.InterruptTypeExternal, 40))
	v.InjectInterruptFront(hv.NewInterrupt(vmcs.InterruptTypeExternal, 41))

	if err := m.ClearEntryInterrupt(); err != nil {
		t.Fatalf("clear entry: %v", err)
	}
	v.InjectPendingInterrupts()
	if got := v.EntryInterrupt().Vector(); got != 41 {
		t.Fatalf("front-queued event not first: vector %d, want 41", got)
	}
}

// countingEpt counts how often its translation root is read.
type countingEpt struct {
	root  uint64
	reads int
}

func (e *countingEpt) RootPointer() uint64 {
	e.reads++
	return e.root
}

func TestEptSelection(t *testing.T) {
	domains := []*countingEpt{
		{root: 0x10000}, {root: 0x20000}, {root: 0x30000},
	}
	provider := func(count int) ([]hv.EptHandle, error) {
		handles := make([]hv.EptHandle, count)
		for i := range handles {
			handles[i] = domains[i]
		}
		return handles, nil
	}

	handler := &testHandler{}
	cluster := start(t, handler, hv.WithEptProvider(provider))
	v := hv.Vcpus()[0]
	m := cluster.Machine(0)

	if err := v.EptEnable(3); err != nil {
		t.Fatalf("ept enable: %v", err)
	}
	if v.EptIndex() != 0 {
		t.Fatalf("default domain %d, want 0", v.EptIndex())
	}
	if domains[0].reads != 1 {
		t.Fatalf("domain 0 root read %d times, want 1", domains[0].reads)
	}
	ptr, _ := m.VMRead(vmcs.EPTPointer)
	if want := vmcs.EPTPointerFor(0x10000); ptr != want {
		t.Fatalf("paging field %#x, want %#x", ptr, want)
	}
	ctl2, _ := m.VMRead(vmcs.ProcBasedControls2)
	if vmcs.ProcBased2(ctl2)&vmcs.Proc2EnableEPT == 0 {
		t.Fatal("nested paging control not enabled")
	}

	v.SetEptIndex(2)
	ptr, _ = m.VMRead(vmcs.EPTPointer)
	if want := vmcs.EPTPointerFor(0x30000); ptr != want {
		t.Fatalf("paging field %#x after select, want %#x", ptr, want)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("out-of-range domain selection should panic")
			}
		}()
		v.SetEptIndex(3)
	}()
	if v.EptIndex() != 2 {
		t.Fatalf("rejected selection changed index to %d", v.EptIndex())
	}
	ptr, _ = m.VMRead(vmcs.EPTPointer)
	if want := vmcs.EPTPointerFor(0x30000); ptr != want {
		t.Fatal("rejected selection changed the paging field")
	}
}

func TestEptEnableTwicePanics(t *testing.T) {
	provider := func(count int) ([]hv.EptHandle, error) {
		handles := make([]hv.EptHandle, count)
		for i := range handles {
			handles[i] = &countingEpt{root: uint64(0x1000 * (i + 1))}
		}
		return handles, nil
	}
	handler := &testHandler{}
	start(t, handler, hv.WithEptProvider(provider))
	v := hv.Vcpus()[0]

	if err := v.EptEnable(1); err != nil {
		t.Fatalf("ept enable: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("second enable should panic")
		}
	}()
	_ = v.EptEnable(1)
}

func TestVMCSRoundTrip(t *testing.T) {
	handler := &testHandler{}
	start(t, handler)
	v := hv.Vcpus()[0]

	v.SetGuestRSP(0xDEAD0000)
	if got := v.GuestRSP(); got != 0xDEAD0000 {
		t.Fatalf("guest rsp %#x, want 0xDEAD0000", got)
	}
	v.SetGuestRIP(0xBEEF0000)
	if got := v.GuestRIP(); got != 0xBEEF0000 {
		t.Fatalf("guest rip %#x, want 0xBEEF0000", got)
	}
	v.SetGuestRFlags(0x246)
	if got := v.GuestRFlags(); got != 0x246 {
		t.Fatalf("guest rflags %#x, want 0x246", got)
	}

	// The model's capability MSRs mandate nothing, so control words
	// survive adjustment untouched.
	v.SetPinBasedControls(vmcs.PinNMIExiting)
	if got := v.PinBasedControls(); got != vmcs.PinNMIExiting {
		t.Fatalf("pin controls %#x, want %#x", got, vmcs.PinNMIExiting)
	}

	gdtr := ia32.DescriptorTable{Base: 0xFFFF800000000000, Limit: 0x57}
	v.SetGuestGDTR(gdtr)
	if got := v.GuestGDTR(); got != gdtr {
		t.Fatalf("guest gdtr %+v, want %+v", got, gdtr)
	}

	seg := ia32.Segment{Selector: 0x2B, Base: 0x1234, Limit: 0xFFFF, Access: 0xF3}
	v.SetGuestSegment(ia32.SegDS, seg)
	if got := v.GuestSegment(ia32.SegDS); got != seg {
		t.Fatalf("guest ds %+v, want %+v", got, seg)
	}
}

func TestIdtVectoringDecode(t *testing.T) {
	handler := &testHandler{}
	cluster := start(t, handler)
	v := hv.Vcpus()[0]
	m := cluster.Machine(0)

	info := vmcs.MakeInterruptInfo(vmcs.InterruptTypeHardwareException, uint8(ia32.VectorGeneralProt), true)
	if err := m.VMWrite(vmcs.IdtVectoringInfo, uint64(info)); err != nil {
		t.Fatalf("vmwrite: %v", err)
	}
	if err := m.VMWrite(vmcs.IdtVectoringErrorCode, 0x18); err != nil {
		t.Fatalf("vmwrite: %v", err)
	}

	got := v.IdtVectoringInterrupt()
	if !got.Valid() {
		t.Fatal("vectoring record should decode as valid")
	}
	if got.Vector() != ia32.VectorGeneralProt {
		t.Fatalf("vector %d, want %d", got.Vector(), ia32.VectorGeneralProt)
	}
	code, ok := got.ErrorCode()
	if !ok || code != 0x18 {
		t.Fatalf("error code %#x (valid=%v), want 0x18", code, ok)
	}
}

func TestRestartAfterStop(t *testing.T) {
	handler := &testHandler{}
	start(t, handler)
	if err := hv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	cluster := hvtest.NewCluster()
	handler2 := &testHandler{cluster: cluster}
	if err := hv.Start(handler2, hv.WithHardware(cluster.Hardware), hv.WithCPUCount(1)); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := hv.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
