package vmx_test

import (
	"testing"

	"github.com/bobuhiro11/vtxhv/context"
	"github.com/bobuhiro11/vtxhv/cpu/cputest"
	"github.com/bobuhiro11/vtxhv/vmx"
)

func TestAdjustMSR(t *testing.T) {
	t.Parallel()

	// low 32 bits force bit 0 on; high 32 bits forbid bit 1.
	capability := uint64(0x1) | (uint64(0xfffffffd) << 32)

	got := vmx.AdjustMSR(capability, 0x2)
	if got != 0x1 {
		t.Fatalf("got %#x, want 0x1", got)
	}
}

func TestMSRCacheFixCR0(t *testing.T) {
	t.Parallel()

	ops := cputest.New()
	for idx := uint32(vmx.MSRBasic); idx <= 0x48c; idx++ {
		ops.MSRs[idx] = 0
	}

	ops.MSRs[vmx.MSRCR0Fixed0] = 0x1
	ops.MSRs[vmx.MSRCR0Fixed1] = 0xffffffff

	cache, err := vmx.ReadAll(ops)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	if got := cache.FixCR0(0); got&0x1 == 0 {
		t.Fatalf("fixed0 bit not forced on: %#x", got)
	}
}

func TestLaunchCaptureBranchRoundTrip(t *testing.T) {
	t.Parallel()

	ops := cputest.New()

	var ctx context.Context

	resumed, err := vmx.Launch(ops, &ctx)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if resumed {
		t.Fatalf("first Launch call reported resumed")
	}

	if _, ok := ops.VMCS[vmx.FieldHostRIP]; !ok {
		t.Fatalf("expected host rip to be written")
	}

	context.Restore(ops, &ctx)

	resumed, err = vmx.Launch(ops, &ctx)
	if err != nil {
		t.Fatalf("Launch after restore: %v", err)
	}

	if !resumed {
		t.Fatalf("expected resumed after restore")
	}
}

func TestLaunchPropagatesVMLaunchFailure(t *testing.T) {
	t.Parallel()

	ops := cputest.New()
	ops.VMLaunchErr = cputest.ErrNotImplemented

	var ctx context.Context

	_, err := vmx.Launch(ops, &ctx)
	if err == nil {
		t.Fatalf("expected error from vmlaunch")
	}
}

func TestDispatchPatchesCPUIDHypervisorBit(t *testing.T) {
	t.Parallel()

	ops := cputest.New()

	var ctx context.Context
	ctx.RAX = 1

	vmx.Dispatch(ops, &ctx, vmx.ExitInfo{Reason: vmx.ExitReasonCPUID})

	if ctx.RCX&(1<<31) == 0 {
		t.Fatalf("expected hypervisor-present bit set, got %#x", ctx.RCX)
	}
}

func TestDispatchPatchesHypervisorSignatureLeaf(t *testing.T) {
	t.Parallel()

	ops := cputest.New()

	var ctx context.Context
	ctx.RAX = 0x40000000

	vmx.Dispatch(ops, &ctx, vmx.ExitInfo{Reason: vmx.ExitReasonCPUID})

	if ctx.RBX != 0x5a70705a || ctx.RCX != 0x705a7070 || ctx.RDX != 0x70705a70 {
		t.Fatalf("unexpected signature: %#x %#x %#x", ctx.RBX, ctx.RCX, ctx.RDX)
	}
}

func TestDispatchIgnoresNonCPUIDExits(t *testing.T) {
	t.Parallel()

	ops := cputest.New()

	var ctx context.Context
	ctx.RAX = 0xdeadbeef

	vmx.Dispatch(ops, &ctx, vmx.ExitInfo{Reason: 0x1})

	if ctx.RAX != 0xdeadbeef {
		t.Fatalf("unexpected mutation on non-cpuid exit")
	}
}
