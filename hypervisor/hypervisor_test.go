package hypervisor_test

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/bobuhiro11/vtxhv/context"
	"github.com/bobuhiro11/vtxhv/cpu/cputest"
	"github.com/bobuhiro11/vtxhv/hypervisor"
	"github.com/bobuhiro11/vtxhv/pagetable"
)

// identityLoader backs platform.Loader for tests: physical and virtual
// addresses coincide, the same convention pagetable's own tests use for
// the host table.
type identityLoader struct{}

func (identityLoader) NumberOfCPUs() int { return 2 }

func (identityLoader) Allocate(size int) ([]byte, uint64, error) {
	buf := make([]byte, size)
	return buf, uint64(uintptr(unsafe.Pointer(&buf[0]))), nil
}

func (identityLoader) PhysicalToVirtual(physical uint64) (uint64, error) { return physical, nil }

func (identityLoader) CallOnCPU(cpu int, fn func(*context.Context) error) error {
	var ctx context.Context
	return fn(&ctx)
}

// identityTranslator stands in for a real CR3-rooted OS view: it treats
// virtual and physical addresses as equal, the same substitute
// pagetable's own tests use to exercise the host table's algorithms
// without a real OS page table in memory.
type identityTranslator struct{}

func (identityTranslator) VirtualToPhysical(addr uint64) (uint64, error) { return addr, nil }

// fakeOSGDT is real backing memory standing in for the already-running
// OS's GDT, so copyIntermediateGDT's snapshot has legitimate bytes to
// read rather than dereferencing a symbolic address.
var fakeOSGDT [32]byte

func newFakeCPU() *cputest.Fake {
	ops := cputest.New()
	ops.GDTRBase = uint64(uintptr(unsafe.Pointer(&fakeOSGDT[0])))
	ops.GDTRLimit = uint16(len(fakeOSGDT) - 1)
	ops.MSRs[0xc0000100] = 0 // IA32_FS_BASE
	ops.MSRs[0xc0000101] = 0 // IA32_GS_BASE

	for idx := uint32(0x480); idx <= 0x48c; idx++ {
		ops.MSRs[idx] = 0
	}

	ops.MSRs[0xfe] = 0 // IA32_MTRRCAP: no variable-range registers

	return ops
}

func newTestEngine() *hypervisor.Engine {
	return hypervisor.NewEngine(hypervisor.WithOSView(identityTranslator{}))
}

func TestLaunchOnCPUVMXOnFailureLeavesCPUStateUnchanged(t *testing.T) {
	t.Parallel()

	const moduleBase, moduleSize = 0x10000, 0x1000

	ops := newFakeCPU()
	ops.VMXOnErr = errors.New("vmxon disabled by locked feature-control msr")

	originalCR0, originalCR3, originalCR4 := ops.CR0, ops.CR3, ops.CR4
	originalGDTBase, originalGDTLimit := ops.GDTRBase, ops.GDTRLimit

	e := newTestEngine()

	var ctx context.Context

	err := e.LaunchOnCPU(ops, identityLoader{}, 0, moduleBase, moduleSize, &ctx)
	if hypervisor.CodeOf(err) != 1 {
		t.Fatalf("expected code 1 (vmxon failed), got %v (code %d)", err, hypervisor.CodeOf(err))
	}

	if ops.CR0 != originalCR0 || ops.CR3 != originalCR3 || ops.CR4 != originalCR4 {
		t.Fatalf("cpu control registers mutated on vmxon failure: cr0=%#x cr3=%#x cr4=%#x",
			ops.CR0, ops.CR3, ops.CR4)
	}

	if ops.GDTRBase != originalGDTBase || ops.GDTRLimit != originalGDTLimit {
		t.Fatalf("gdtr mutated on vmxon failure")
	}
}

func TestLaunchOnCPUCapacityOverflowMutatesNothing(t *testing.T) {
	t.Parallel()

	moduleSize := (pagetable.DefaultModuleMapCapacity + 1) * 0x1000

	ops := newFakeCPU()

	originalCR0, originalCR3, originalCR4 := ops.CR0, ops.CR3, ops.CR4

	e := newTestEngine()

	var ctx context.Context

	err := e.LaunchOnCPU(ops, identityLoader{}, 0, 0x10000, moduleSize, &ctx)
	if hypervisor.CodeOf(err) != 4 {
		t.Fatalf("expected code 4 (module too large), got %v (code %d)", err, hypervisor.CodeOf(err))
	}

	if ops.CR0 != originalCR0 || ops.CR3 != originalCR3 || ops.CR4 != originalCR4 {
		t.Fatalf("cpu state mutated despite capacity overflow")
	}
}

func TestLaunchOnCPUTwoCPUSequencedLaunch(t *testing.T) {
	t.Parallel()

	const moduleBase, moduleSize = 0x10000, 0x1000

	ops0 := newFakeCPU()
	ops1 := newFakeCPU()

	e := newTestEngine()

	var ctx0, ctx1 context.Context

	if err := e.LaunchOnCPU(ops0, identityLoader{}, 0, moduleBase, moduleSize, &ctx0); err != nil {
		t.Fatalf("cpu 0 launch: %v", err)
	}

	if err := e.LaunchOnCPU(ops1, identityLoader{}, 1, moduleBase, moduleSize, &ctx1); err != nil {
		t.Fatalf("cpu 1 launch: %v", err)
	}

	vpid0, ok := e.VPIDFor(0)
	if !ok {
		t.Fatalf("no vpid recorded for cpu 0")
	}

	vpid1, ok := e.VPIDFor(1)
	if !ok {
		t.Fatalf("no vpid recorded for cpu 1")
	}

	if vpid0 != 1 || vpid1 != 2 {
		t.Fatalf("expected vpids 1 and 2, got %d and %d", vpid0, vpid1)
	}

	vmcs0, _ := e.VMCSPhysicalFor(0)
	vmcs1, _ := e.VMCSPhysicalFor(1)

	if vmcs0 == vmcs1 {
		t.Fatalf("expected distinct vmcs physical regions, both %#x", vmcs0)
	}
}
