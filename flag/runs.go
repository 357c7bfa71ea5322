package flag

import (
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"

	"github.com/alecthomas/kong"
	"github.com/felixge/fgprof"
	gopprof "github.com/pkg/profile"

	"github.com/bobuhiro11/vtxhv/context"
	amd64 "github.com/bobuhiro11/vtxhv/cpu/amd64"
	"github.com/bobuhiro11/vtxhv/hypervisor"
	"github.com/bobuhiro11/vtxhv/platform"
	"github.com/bobuhiro11/vtxhv/probe"
)

// Parse parses os.Args against CLI and runs whichever subcommand
// matched, the same kong.Parse/ctx.Run() shape the teacher's
// flag/runs.go used for its boot/probe split.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("vtxhv"),
		kong.Description("vtxhv is a late-launch VT-x/EPT hypervisor core"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

// Run executes the probe subcommand: read VMX/EPT/VPID/MTRR capability
// bits for one logical CPU and print them, without entering VMX root
// mode.
func (p *ProbeCmd) Run() error {
	report, err := probe.Capabilities(amd64.Hardware{CPU: p.CPU})
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	report.Print()

	return nil
}

// Run executes the launch subcommand: build (or reuse) the shared
// hypervisor state on CPU 0, then call hypervisor.Engine.LaunchOnCPU on
// every CPU the platform loader reports, in ascending order, per
// spec.md §5's cross-CPU ordering contract.
func (l *LaunchCmd) Run() error {
	if l.Profile != "" {
		defer gopprof.Start(gopprof.CPUProfile, gopprof.ProfilePath(l.Profile)).Stop()
	}

	if l.FGProfAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/fgprof", fgprof.Handler())
		mux.HandleFunc("/debug/pprof/", pprof.Index)

		go func() {
			if err := http.ListenAndServe(l.FGProfAddr, mux); err != nil { //nolint:gosec
				log.Printf("flag: fgprof server: %v", err)
			}
		}()
	}

	loader := platform.Linux{}
	engine := hypervisor.NewEngine()

	base, phys, err := loader.Allocate(l.ModuleSize)
	if err != nil {
		return fmt.Errorf("launch: allocate module: %w", err)
	}

	cpus := []int{}
	if l.CPU >= 0 {
		cpus = append(cpus, l.CPU)
	} else {
		for i := 0; i < loader.NumberOfCPUs(); i++ {
			cpus = append(cpus, i)
		}
	}

	for _, cpuID := range cpus {
		cpuID := cpuID

		if err := loader.CallOnCPU(cpuID, func(ctx *context.Context) error {
			ops := amd64.Hardware{CPU: cpuID}

			if context.Capture(ops, ctx) {
				// Unreachable from a successful launch: LaunchOnCPU's
				// checkpoint-and-branch resumes the guest via a
				// restored register state, it never returns here a
				// second time.
				return nil
			}

			return engine.LaunchOnCPU(ops, loader, cpuID, phys, len(base), ctx)
		}); err != nil {
			return fmt.Errorf("launch: cpu %d: %w", cpuID, err)
		}

		log.Printf("launch: cpu %d entered guest", cpuID)
	}

	return nil
}
