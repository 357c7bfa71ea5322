// Package flag parses the command line and dispatches to a subcommand,
// the way the teacher's flag/runs.go wires github.com/alecthomas/kong
// to per-subcommand Run() methods.
package flag

// CLI is the root command: one subcommand launches the hypervisor core
// on every logical CPU, the other reports host VMX/EPT/MTRR capability
// bits without ever entering VMX root mode.
type CLI struct {
	Launch LaunchCmd `cmd:"" help:"Capture this process, build host page tables/EPT/VMCS, and vmlaunch on every logical CPU."` //nolint:lll
	Probe  ProbeCmd  `cmd:"" help:"Report VMX/EPT/VPID/MTRR capability bits for the current host CPU."`
}

// LaunchCmd drives hypervisor.Engine.LaunchOnCPU across every logical
// CPU the platform loader reports, in ascending order, matching
// spec.md §5's cross-CPU ordering requirement.
type LaunchCmd struct {
	CPU        int    `help:"Launch on a single logical CPU instead of every CPU the loader reports (-1 means all)." default:"-1"` //nolint:lll
	ModuleSize int    `help:"Size in bytes of the RWX region to allocate for the hypervisor module." default:"65536"`
	Profile    string `help:"Write a pprof CPU profile to this path (github.com/pkg/profile)."`
	FGProfAddr string `help:"Serve an fgprof wall-clock profile on this address (github.com/felixge/fgprof), e.g. :6060."` //nolint:lll
}

// ProbeCmd is the read-only diagnostic subcommand: it never enters VMX
// root mode, it only reports what a launch attempt on this host would
// see.
type ProbeCmd struct {
	CPU int `help:"Logical CPU whose MSRs are read." default:"0"`
}
