package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/vmx/internal/trace"
	"github.com/tinyrange/vmx/internal/vmcs"
)

type reasonRecord struct {
	Reason vmcs.ExitReason
	Count  int
}

func run() error {
	sums := flag.Bool("sums", false, "print per-reason exit counts instead of individual records")
	reason := flag.String("reason", "", "only show exits with this reason name")
	core := flag.Int("core", -1, "only show exits from this core (-1 for all)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `vmxtrace - inspect VM-exit trace dumps

USAGE:
  vmxtrace [flags] <filename>

FLAGS:
  -sums          Aggregate exits per reason instead of listing them
  -reason NAME   Only show exits whose reason matches NAME (e.g. cpuid)
  -core N        Only show exits recorded on core N

OUTPUT FORMAT:
  Each record is printed as: CORE REASON RIP QUALIFICATION

EXAMPLES:
  vmxtrace exits.bin                     List all recorded exits
  vmxtrace -sums exits.bin               Count exits per reason
  vmxtrace -reason ept-violation exits.bin
  vmxtrace -core 2 exits.bin             Exits recorded on core 2
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer f.Close()

	records, err := trace.ReadDump(f)
	if err != nil {
		return fmt.Errorf("failed to read trace file: %w", err)
	}

	if *sums {
		counts := map[vmcs.ExitReason]*reasonRecord{}
		displayOrder := []vmcs.ExitReason{}
		for _, rec := range records {
			if *core >= 0 && int(rec.Core) != *core {
				continue
			}
			r := vmcs.ExitReason(rec.Reason)
			entry, ok := counts[r]
			if !ok {
				displayOrder = append(displayOrder, r)
				entry = &reasonRecord{Reason: r}
				counts[r] = entry
			}
			entry.Count++
		}
		for _, r := range displayOrder {
			fmt.Printf("% 30s count=% 8d\n", counts[r].Reason, counts[r].Count)
		}
		return nil
	}

	for _, rec := range records {
		if *core >= 0 && int(rec.Core) != *core {
			continue
		}
		r := vmcs.ExitReason(rec.Reason)
		if *reason != "" && r.String() != *reason {
			continue
		}
		fmt.Printf("core=%d % 30s rip=%#018x qual=%#x\n", rec.Core, r, rec.Rip, rec.Qual)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
