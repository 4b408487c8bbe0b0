package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/vmx"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// policy is the preflight requirements file. Every field is optional; a
// zero value means the check is skipped.
type policy struct {
	// MinCores is the smallest logical core count the deployment expects.
	MinCores int `yaml:"min_cores"`
	// Cores is the core count the controller will be started with. Must
	// not exceed the machine.
	Cores int `yaml:"cores"`
	// TraceRecords is the exit-trace capacity the deployment will request.
	TraceRecords int `yaml:"trace_records"`
	// PoolBytes is the guarded-allocation pool size the deployment will
	// request.
	PoolBytes int `yaml:"pool_bytes"`
	// RequireVMX fails the preflight when the processor does not advertise
	// VMX. Defaults to true when the file omits it.
	RequireVMX *bool `yaml:"require_vmx"`
}

func loadPolicy(filename string) (*policy, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	var p policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return &p, nil
}

// reporter prints one line per check, styled when stdout is a terminal.
type reporter struct {
	styled bool
	failed int
}

func (r *reporter) result(ok bool, name, detail string) {
	status := "PASS"
	if !ok {
		status = "FAIL"
		r.failed++
	}
	if r.styled {
		style := ansi.Style{}.Bold().ForegroundColor(ansi.Green)
		if !ok {
			style = ansi.Style{}.Bold().ForegroundColor(ansi.Red)
		}
		status = style.Styled(status)
	}
	if detail != "" {
		fmt.Printf("%s  %-28s %s\n", status, name, detail)
	} else {
		fmt.Printf("%s  %-28s\n", status, name)
	}
}

func (r *reporter) skip(name, why string) {
	status := "SKIP"
	if r.styled {
		status = ansi.Style{}.Faint().Styled(status)
	}
	fmt.Printf("%s  %-28s %s\n", status, name, why)
}

func run() error {
	configFile := flag.String("config", "", "YAML preflight policy to check against")
	noColor := flag.Bool("no-color", false, "disable styled output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `vmxcheck - preflight a machine for virtualization

USAGE:
  vmxcheck [flags]

FLAGS:
  -config FILE   YAML policy with deployment requirements
  -no-color      Plain output even on a terminal

POLICY FILE:
  min_cores: 4         Smallest acceptable logical core count
  cores: 4             Core count the controller will virtualize
  trace_records: 4096  Exit-trace capacity the deployment requests
  pool_bytes: 1048576  Guarded-allocation pool size
  require_vmx: true    Fail when the processor lacks VMX

With no policy, vmxcheck reports what the machine offers.
`)
	}
	flag.Parse()

	r := &reporter{
		styled: !*noColor && term.IsTerminal(int(os.Stdout.Fd())),
	}

	cores := runtime.NumCPU()
	fmt.Printf("arch=%s cores=%d\n\n", runtime.GOARCH, cores)

	var p *policy
	if *configFile != "" {
		loaded, err := loadPolicy(*configFile)
		if err != nil {
			return err
		}
		p = loaded
	}

	requireVMX := true
	if p != nil && p.RequireVMX != nil {
		requireVMX = *p.RequireVMX
	}

	if runtime.GOARCH != "amd64" {
		if requireVMX {
			r.result(false, "processor architecture", fmt.Sprintf("%s cannot enter VMX operation", runtime.GOARCH))
		} else {
			r.skip("vmx advertised", "not amd64")
		}
	} else if requireVMX {
		r.result(vmx.Supported(), "vmx advertised", "CPUID.1:ECX bit 5")
	} else if vmx.Supported() {
		r.result(true, "vmx advertised", "CPUID.1:ECX bit 5")
	} else {
		r.skip("vmx advertised", "not required by policy")
	}

	if p != nil {
		if p.MinCores > 0 {
			r.result(cores >= p.MinCores, "minimum core count",
				fmt.Sprintf("have %d, need %d", cores, p.MinCores))
		}
		if p.Cores > 0 {
			r.result(p.Cores <= cores, "requested core count",
				fmt.Sprintf("requested %d of %d", p.Cores, cores))
		}
		if p.TraceRecords != 0 {
			r.result(p.TraceRecords > 0, "trace capacity",
				fmt.Sprintf("%d records", p.TraceRecords))
		}
		if p.PoolBytes != 0 {
			r.result(p.PoolBytes > 0, "pool size",
				fmt.Sprintf("%d bytes", p.PoolBytes))
		}
	}

	if r.failed > 0 {
		return fmt.Errorf("%d preflight checks failed", r.failed)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
