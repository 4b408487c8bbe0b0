package vmx_test

import (
	"errors"
	"testing"

	vmx "github.com/tinyrange/vmx"
)

type nopHandler struct{}

func (nopHandler) Setup(v *vmx.Vcpu) error       { return nil }
func (nopHandler) Handle(v *vmx.Vcpu)            {}
func (nopHandler) InvokeTermination(v *vmx.Vcpu) {}

func TestNewInterrupt(t *testing.T) {
	i := vmx.NewInterrupt(vmx.InterruptTypeNMI, 2)
	if !i.Valid() {
		t.Fatal("constructed interrupt not valid")
	}
	if i.Type() != vmx.InterruptTypeNMI || i.Vector() != 2 {
		t.Fatalf("interrupt %v", i)
	}
	if _, ok := i.ErrorCode(); ok {
		t.Fatal("plain interrupt carries an error code")
	}

	pf := vmx.NewInterruptWithErrorCode(vmx.InterruptTypeHardwareException, 14, 0x7)
	code, ok := pf.ErrorCode()
	if !ok || code != 0x7 {
		t.Fatalf("error code = %#x, %v", code, ok)
	}
}

func TestStartUnsupported(t *testing.T) {
	if vmx.Supported() {
		t.Skipf("processor advertises virtualization support")
	}
	if err := vmx.Start(nopHandler{}); !errors.Is(err, vmx.ErrUnsupportedHardware) {
		t.Fatalf("start error = %v, want unsupported hardware", err)
	}
	if vmx.IsStarted() {
		t.Fatal("started after failed start")
	}
}

func TestStopNotStarted(t *testing.T) {
	if vmx.IsStarted() {
		t.Skip("another test left the controller running")
	}
	if err := vmx.Stop(); !errors.Is(err, vmx.ErrNotStarted) {
		t.Fatalf("stop error = %v, want not started", err)
	}
}
