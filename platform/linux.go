// Package platform's Linux realization of the loader contract. A real
// late-launch driver runs this logic in kernel or UEFI-runtime context,
// where physical memory and CPU affinity are unrestricted; this is a
// best-effort userspace stand-in useful for the CLI's probe/launch demo
// path, grounded on the teacher's own /dev/cpu, sched_setaffinity, and
// mmap usage (now folded into cpu/amd64.msrDevice and here) via
// golang.org/x/sys/unix, the same package the teacher reached for
// whenever it needed a raw Linux syscall its stdlib wrapper didn't
// expose.
package platform

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/vtxhv/context"
)

// ErrPhysicalTranslationUnsupported is returned by Linux.PhysicalToVirtual:
// userspace has no general physical-address-to-virtual mapping facility,
// so a real deployment must supply this from a kernel driver or UEFI
// runtime service, exactly as spec.md's Loader contract describes it as
// "usable only during init" and platform-supplied.
var ErrPhysicalTranslationUnsupported = errors.New(
	"platform: physical-to-virtual translation requires a kernel driver or UEFI runtime, not available from userspace")

// Linux is a best-effort Loader for running the launch engine's
// data-structure-building steps from an ordinary Linux process: it can
// allocate RWX memory and pin a goroutine's OS thread to a logical CPU,
// but it cannot resolve physical addresses, since userspace has no
// standing view of the OS's own page tables.
type Linux struct{}

// NumberOfCPUs reports the number of logical CPUs the Go runtime sees,
// mirroring the teacher's own runtime.NumCPU use for sizing per-CPU
// work.
func (Linux) NumberOfCPUs() int { return runtime.NumCPU() }

// Allocate maps size bytes anonymous, private, read-write-execute, the
// userspace analogue of the RWX allocator the Loader contract in
// spec.md §6 requires from the OS module loader. The address it returns
// in the physical slot is the mapping's virtual address: userspace cannot
// learn the physical one.
func (Linux) Allocate(size int) ([]byte, uint64, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, fmt.Errorf("platform: mmap %d bytes rwx: %w", size, err)
	}

	if len(b) == 0 {
		return b, 0, nil
	}

	return b, uint64(uintptr(unsafe.Pointer(&b[0]))), nil
}

// PhysicalToVirtual always fails: see ErrPhysicalTranslationUnsupported.
func (Linux) PhysicalToVirtual(uint64) (uint64, error) {
	return 0, ErrPhysicalTranslationUnsupported
}

// CallOnCPU pins the calling goroutine's OS thread to cpu for the
// duration of fn via sched_setaffinity, the same primitive the Loader
// contract names ("pins the current thread, invokes, unpins"), and
// restores the prior affinity mask before returning.
func (Linux) CallOnCPU(cpu int, fn func(*context.Context) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var prior unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prior); err != nil {
		return fmt.Errorf("platform: sched_getaffinity: %w", err)
	}

	var want unix.CPUSet
	want.Set(cpu)

	if err := unix.SchedSetaffinity(0, &want); err != nil {
		return fmt.Errorf("platform: pin to cpu %d: %w", cpu, err)
	}
	defer unix.SchedSetaffinity(0, &prior) //nolint:errcheck

	var ctx context.Context

	return fn(&ctx)
}
