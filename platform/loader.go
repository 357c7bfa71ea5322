// Package platform declares the loader contract the launch engine
// consumes: how the already-running OS module is discovered, how its
// memory is allocated/translated, and how code runs on a given CPU. This
// package carries one best-effort userspace implementation, Linux; driver
// implementations (Linux, Windows, UEFI runtime) live outside this
// module. Package hypervisor only depends on this interface.
package platform

import "github.com/bobuhiro11/vtxhv/context"

// Loader is the platform-specific collaborator the core hypervisor state
// machine is built against.
type Loader interface {
	// NumberOfCPUs reports how many logical CPUs must each run their own
	// launch sequence.
	NumberOfCPUs() int

	// Allocate returns size bytes of page-aligned, non-paged memory
	// together with its physical address.
	Allocate(size int) (virtual []byte, physical uint64, err error)

	// PhysicalToVirtual dereferences a physical address for the
	// duration of initialization, before the host page table is
	// self-consistent.
	PhysicalToVirtual(physical uint64) (virtual uint64, err error)

	// CallOnCPU runs fn while pinned to the given logical CPU, passing
	// it a context record for fn to capture its register state into
	// (Linux passes a zero-valued one), and returns whatever error fn
	// returns.
	CallOnCPU(cpu int, fn func(*context.Context) error) error
}
