package vmx

import (
	"github.com/bobuhiro11/vtxhv/context"
	"github.com/bobuhiro11/vtxhv/cpu"
)

// Exit reason basic codes (the low 16 bits of the full exit-reason
// field) this dispatcher distinguishes.
const (
	ExitReasonCPUID        uint64 = 10
	ExitReasonEPTViolation uint64 = 48
)

const hypervisorSignatureLeaf = 1 << 30 // 0x40000000

// Dispatch inspects ctx/info for a CPUID exit and patches the guest's
// view of CPUID leaf 1 (setting the hypervisor-present bit, ECX bit 31)
// and the hypervisor signature leaf, executing the real CPUID
// instruction for every other leaf so the guest otherwise sees
// unmodified results. Every other exit reason passes through
// unmodified; advancing guest RIP past the exiting instruction is the
// caller's responsibility via info.InstructionLength.
func Dispatch(ops cpu.Ops, ctx *context.Context, info ExitInfo) {
	if (info.Reason & 0xffff) != ExitReasonCPUID {
		return
	}

	a, b, c, d := ops.CPUID(uint32(ctx.RAX), uint32(ctx.RCX))

	switch uint32(ctx.RAX) {
	case 1:
		c |= 1 << 31
	case hypervisorSignatureLeaf:
		b, c, d = 0x5a70705a, 0x705a7070, 0x70705a70
	}

	ctx.RAX, ctx.RBX, ctx.RCX, ctx.RDX = uint64(a), uint64(b), uint64(c), uint64(d)
}
