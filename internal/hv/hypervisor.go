package hv

import (
	"fmt"
	"io"
	"log/slog"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/vmx/internal/ia32"
	"github.com/tinyrange/vmx/internal/mm"
	"github.com/tinyrange/vmx/internal/mp"
	"github.com/tinyrange/vmx/internal/trace"
	"github.com/tinyrange/vmx/internal/vmcs"
)

// Config is the controller configuration assembled from Options.
type Config struct {
	hardware    func(core int) Hardware
	eptProvider EptProvider
	cpuCount    int
	broadcast   func(n int, fn func(core int))
	poolSize    int
	traceSize   int
}

// Option adjusts the controller configuration at Start.
type Option func(*Config)

// WithHardware supplies the per-core hardware backend factory. Required;
// the public facade wires in the native backend.
func WithHardware(factory func(core int) Hardware) Option {
	return func(c *Config) { c.hardware = factory }
}

// WithEptProvider supplies the builder for nested-paging domains
// requested through Vcpu.EptEnable.
func WithEptProvider(p EptProvider) Option {
	return func(c *Config) { c.eptProvider = p }
}

// WithCPUCount virtualizes only the first n logical cores.
func WithCPUCount(n int) Option {
	return func(c *Config) { c.cpuCount = n }
}

// WithBroadcast replaces the run-on-every-core primitive.
func WithBroadcast(b func(n int, fn func(core int))) Option {
	return func(c *Config) { c.broadcast = b }
}

// WithPoolSize sizes the guarded-allocation pool reserved before launch.
func WithPoolSize(bytes int) Option {
	return func(c *Config) { c.poolSize = bytes }
}

// WithExitTrace records the last n VM-exits per the whole machine into a
// ring drainable after Stop.
func WithExitTrace(n int) Option {
	return func(c *Config) { c.traceSize = n }
}

const defaultPoolSize = 1 << 20

// Process-wide controller state. Start and Stop are serialized by the
// caller's own discipline; concurrent calls are a usage error, and the
// started flag exists for the cheap IsStarted predicate, not as a lock.
var (
	started atomicbitops.Bool
	ctrl    struct {
		vcpus []*Vcpu
		cfg   Config
		ring  *trace.Ring
	}
)

// IsStarted reports whether the hypervisor currently owns the machine's
// cores.
func IsStarted() bool {
	return started.Load()
}

// Start brings every logical core into root operation, each running one
// virtual CPU bound to handler. It returns once all cores have completed
// their launch, so no caller observes a partially virtualized machine.
func Start(handler ExitHandler, opts ...Option) error {
	if handler == nil {
		return fmt.Errorf("hv: nil exit handler")
	}
	if started.Load() {
		return ErrAlreadyStarted
	}

	cfg := Config{
		cpuCount: mp.CPUCount(),
		broadcast: func(n int, fn func(core int)) {
			mp.BroadcastN(n, fn)
		},
		poolSize: defaultPoolSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.hardware == nil {
		return fmt.Errorf("hv: no hardware backend configured")
	}
	if cfg.cpuCount < 1 {
		return fmt.Errorf("hv: invalid cpu count %d", cfg.cpuCount)
	}

	var ring *trace.Ring
	if cfg.traceSize > 0 {
		r, err := trace.NewRing(cfg.traceSize)
		if err != nil {
			return err
		}
		ring = r
	}

	vcpus := make([]*Vcpu, cfg.cpuCount)
	for i := range vcpus {
		v, err := newVcpu(i, cfg.hardware(i), handler, cfg.eptProvider, ring)
		if err != nil {
			for _, prev := range vcpus[:i] {
				prev.release()
			}
			return err
		}
		vcpus[i] = v
	}

	// One probe on the calling core; cores are assumed symmetric.
	if err := checkFeatures(vcpus[0].hw); err != nil {
		for _, v := range vcpus {
			v.release()
		}
		return err
	}

	if err := mm.Initialize(cfg.poolSize); err != nil {
		for _, v := range vcpus {
			v.release()
		}
		return err
	}

	slog.Info("hv: starting", "cores", cfg.cpuCount)

	// Published before the launch broadcast so setup hooks can address
	// sibling cores through Vcpus.
	ctrl.vcpus = vcpus
	ctrl.cfg = cfg
	ctrl.ring = ring

	cfg.broadcast(cfg.cpuCount, func(core int) {
		guard := mm.Guard()
		defer guard.Release()
		vcpus[core].Launch()
	})

	started.Store(true)
	return nil
}

// Stop terminates every virtual CPU and releases their resources. The
// broadcast returns only after all cores are back in ordinary operation.
func Stop() error {
	if !started.Load() {
		return ErrNotStarted
	}

	slog.Info("hv: stopping", "cores", len(ctrl.vcpus))
	ctrl.cfg.broadcast(len(ctrl.vcpus), func(core int) {
		guard := mm.Guard()
		defer guard.Release()
		ctrl.vcpus[core].destroy()
	})

	ctrl.vcpus = nil
	started.Store(false)
	return mm.Destroy()
}

// Vcpus exposes the running virtual CPUs. Only valid between Start and
// Stop; handlers may use it to address sibling cores during setup.
func Vcpus() []*Vcpu {
	return ctrl.vcpus
}

// DrainTrace writes the exit trace recorded since Start and clears it.
// The ring outlives Stop so the last session stays inspectable.
func DrainTrace(w io.Writer) error {
	if ctrl.ring == nil {
		return fmt.Errorf("hv: exit tracing not enabled")
	}
	return ctrl.ring.Drain(w)
}

// checkFeatures is the single capability gate: VMX present and not
// already in use, control regions no larger than a page in write-back
// memory, the TRUE capability MSRs available, and the nested-paging
// capabilities the core relies on all present.
func checkFeatures(hw Hardware) error {
	_, _, ecx, _ := hw.CPUID(1, 0)
	if ecx&ia32.CPUIDFeatureVMX == 0 {
		return fmt.Errorf("%w: no VMX support", ErrUnsupportedHardware)
	}

	if hw.ReadCR4()&ia32.CR4VMXEnable != 0 {
		return fmt.Errorf("%w: VMX already enabled", ErrUnsupportedHardware)
	}

	fc := hw.ReadMSR(ia32.MSRFeatureControl)
	if fc&ia32.MSRFeatureControlLock != 0 && fc&ia32.MSRFeatureControlVMXON == 0 {
		return fmt.Errorf("%w: VMX disabled by firmware", ErrUnsupportedHardware)
	}

	basic := vmcs.ParseBasic(hw.ReadMSR(ia32.MSRVMXBasic))
	if basic.RegionSize > ia32.PageSize {
		return fmt.Errorf("%w: control region larger than a page", ErrUnsupportedHardware)
	}
	if basic.MemoryType != vmcs.MemoryTypeWriteBack {
		return fmt.Errorf("%w: control region memory type not write-back", ErrUnsupportedHardware)
	}
	if !basic.TrueControls {
		return fmt.Errorf("%w: no TRUE capability MSRs", ErrUnsupportedHardware)
	}

	ept := vmcs.ParseEptVpidCap(hw.ReadMSR(ia32.MSRVMXEptVpidCap))
	switch {
	case !ept.PageWalkLength4,
		!ept.MemoryTypeWriteBack,
		!ept.Invept,
		!ept.InveptAllContexts,
		!ept.ExecuteOnlyPages,
		!ept.PDE2MBPages:
		return fmt.Errorf("%w: missing nested-paging capability", ErrUnsupportedHardware)
	}

	return nil
}
