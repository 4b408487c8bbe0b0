package ia32

import "unsafe"

// Context is a full general-purpose register snapshot, including the stack
// pointer, instruction pointer and flags. The field order and total size are
// a contract shared with the capture/restore and mode-transition routines in
// internal/hv/vtx; reordering any field breaks that contract.
type Context struct {
	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
	Rip uint64

	Rflags uint64
}

// ContextSize is the byte size of Context, hardcoded in the transition
// routines.
const ContextSize = 144

// Clear resets every register in the snapshot.
func (c *Context) Clear() {
	*c = Context{}
}

// Layout guards. A negative array length fails the build, so each pair pins
// the exact offset.
const (
	_ctxRspOffset = 4 * 8
	_ctxRipOffset = 16 * 8
)

var (
	_ [ContextSize - unsafe.Sizeof(Context{})]byte
	_ [unsafe.Sizeof(Context{}) - ContextSize]byte
	_ [_ctxRspOffset - unsafe.Offsetof(Context{}.Rsp)]byte
	_ [unsafe.Offsetof(Context{}.Rsp) - _ctxRspOffset]byte
	_ [_ctxRipOffset - unsafe.Offsetof(Context{}.Rip)]byte
	_ [unsafe.Offsetof(Context{}.Rip) - _ctxRipOffset]byte
)
