//go:build amd64

package vtx

import (
	"testing"

	"github.com/tinyrange/vmx/internal/ia32"
)

// The capture/restore pair carries its discriminant through the capture
// call's stack result slot: assembly results travel on the stack, so a
// restore that only sets RAX would hand the revisited caller stale
// memory.
func TestContextCaptureRoundTrip(t *testing.T) {
	hw := New(0)

	var ctx ia32.Context
	switch n := hw.ContextCapture(&ctx); n {
	case 0:
		// First visit. Rewind to the capture point with the launching
		// discriminant; execution continues in the case below.
		hw.ContextRestore(&ctx, 2)
		t.Fatal("restore returned locally")
	case 2:
		// Revisited via the restore with the discriminant intact.
	default:
		t.Fatalf("revisited capture returned %d, want 2", n)
	}
}

// A capture must report the first visit as zero; anything else would send
// the launch path straight to its fatal branch.
func TestContextCaptureFirstVisit(t *testing.T) {
	hw := New(0)

	var ctx ia32.Context
	ctx.Rax = 0xdead
	if n := hw.ContextCapture(&ctx); n != 0 {
		t.Fatalf("first capture returned %d, want 0", n)
	}
	if ctx.Rax != 0 {
		t.Fatalf("captured RAX slot %#x, want 0", ctx.Rax)
	}
	if ctx.Rsp == 0 || ctx.Rip == 0 {
		t.Fatalf("capture left RSP %#x RIP %#x", ctx.Rsp, ctx.Rip)
	}
}
