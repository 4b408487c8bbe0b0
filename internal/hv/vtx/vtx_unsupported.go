//go:build !amd64

package vtx

import "github.com/tinyrange/vmx/internal/hv"

// New is only available on amd64. Callers gate on Supported before
// asking for a backend.
func New(core int) hv.Hardware { return nil }

func Supported() bool { return false }
