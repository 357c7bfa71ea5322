// Package context defines the checkpoint record used by the
// capture-and-branch control flow that straddles vmlaunch and the
// eventual VM-exit return across a single shared host stack.
package context

// Ops is the checkpoint pair Capture and Restore call through; every
// cpu.Ops value provides it. It is declared here rather than taken from
// package cpu because cpu.Ops itself refers to Context.
type Ops interface {
	CaptureContext(ctx *Context) bool
	RestoreContext(ctx *Context)
}

// Context mirrors the unprivileged processor state captured at a
// checkpoint. Offsets are architecturally fixed because the capture and
// restore primitives are written in assembly and index into this layout
// directly; do not reorder or resize any field.
type Context struct {
	RAX uint64 // 0x00
	RBX uint64 // 0x08
	RCX uint64 // 0x10
	RDX uint64 // 0x18
	RSP uint64 // 0x20
	RBP uint64 // 0x28
	RSI uint64 // 0x30
	RDI uint64 // 0x38
	R8  uint64 // 0x40
	R9  uint64 // 0x48
	R10 uint64 // 0x50
	R11 uint64 // 0x58
	R12 uint64 // 0x60
	R13 uint64 // 0x68
	R14 uint64 // 0x70
	R15 uint64 // 0x78

	RIP    uint64 // 0x80
	RFlags uint64 // 0x88

	XMM [16][2]uint64 // 0x90..0x188

	FXSave [0x200]byte // 0x190

	MXCSR uint32 // 0x390
	CS    uint16 // 0x394
	DS    uint16 // 0x396
	ES    uint16 // 0x398
	FS    uint16 // 0x39a
	GS    uint16 // 0x39c
	SS    uint16 // 0x39e
}

// Size is the architecturally fixed context record size in bytes.
const Size = 0x3a0

// Capture checkpoints the caller's unprivileged register state into ctx.
// It returns false for the call that performed the checkpoint, and true
// for the call that returns control after a later Restore resumes
// execution at this same point — the checkpoint-and-branch idiom the
// launch engine uses to share one VMCS/host stack between the vmlaunch
// call site and the VM-exit return path.
func Capture(ops Ops, ctx *Context) bool {
	return ops.CaptureContext(ctx)
}

// Restore never returns to its caller. Execution resumes at the point a
// prior Capture call recorded in ctx, with Capture now reporting true.
func Restore(ops Ops, ctx *Context) {
	ops.RestoreContext(ctx)
}
