//go:build amd64

package vtx

import "github.com/tinyrange/vmx/internal/ia32"

// Implemented in vtx_amd64.s.

func cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

func rdmsr(index uint32) uint64

func wrmsr(index uint32, value uint64)

func readCR0() uint64
func readCR3() uint64
func readCR4() uint64
func writeCR0(value uint64)
func writeCR3(value uint64)
func writeCR4(value uint64)
func readDR7() uint64
func readRFlags() uint64

// The descriptor-table instructions use a packed ten byte limit+base
// image.

//go:noescape
func sgdt(img *byte)

//go:noescape
func sidt(img *byte)

//go:noescape
func lgdt(img *byte)

//go:noescape
func lidt(img *byte)

func readES() uint16
func readCS() uint16
func readSS() uint16
func readDS() uint16
func readFS() uint16
func readGS() uint16
func readLDTR() uint16
func readTR() uint16

// The VMX instructions report their outcome in RFLAGS; the assembly folds
// that into a status byte: 0 success, 1 VMfailInvalid, 2 VMfailValid.

//go:noescape
func vmxon(pa *uint64) uint8

func vmxoff()

//go:noescape
func vmclear(pa *uint64) uint8

//go:noescape
func vmptrld(pa *uint64) uint8

func vmread(field uint64) (value uint64, status uint8)

func vmwrite(field, value uint64) uint8

func vmlaunch() uint8

//go:noescape
func invept(kind uint64, desc *invDescriptor)

//go:noescape
func invvpid(kind uint64, desc *invDescriptor)

//go:noescape
func fxsave(area *ia32.FXSaveArea)

//go:noescape
func fxrstor(area *ia32.FXSaveArea)

//go:noescape
func contextCapture(ctx *ia32.Context) int

//go:noescape
func contextRestore(ctx *ia32.Context)

func entryHostAddr() uint64
func entryGuestAddr() uint64
func resumeAddr() uint64

func int3()
