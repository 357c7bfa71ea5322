// Package cpu declares the assembly-backed primitives the launch engine
// treats as an external collaborator: MSR access, control registers,
// descriptor table registers, the VMX instruction set, and the
// checkpoint-and-branch context capture/restore pair.
package cpu

import "github.com/bobuhiro11/vtxhv/context"

// Ops is the fixed function table every privileged primitive is consumed
// through. The core never issues a privileged instruction directly; it
// always goes through an Ops value, so that the data-structure-building
// parts of the hypervisor (page tables, EPT, MTRR table, VMCS population)
// stay plain, host-testable Go.
type Ops interface {
	// CPUID is the one primitive that is genuinely unprivileged and is
	// implemented for real on every build (cpu/amd64).
	CPUID(eax, ecx uint32) (a, b, c, d uint32)

	ReadMSR(index uint32) (uint64, error)
	WriteMSR(index uint32, value uint64) error

	ReadCR0() uint64
	WriteCR0(v uint64)
	ReadCR3() uint64
	WriteCR3(v uint64)
	ReadCR4() uint64
	WriteCR4(v uint64)

	ReadGDTR() (base uint64, limit uint16)
	WriteGDTR(base uint64, limit uint16)
	ReadIDTR() (base uint64, limit uint16)
	WriteIDTR(base uint64, limit uint16)
	ReadTR() uint16
	WriteTR(selector uint16)
	ReadCS() uint16

	VMXOn(region uint64) error
	VMXOff() error
	VMClear(region uint64) error
	VMPtrLd(region uint64) error
	VMRead(field uint64) (uint64, error)
	VMWrite(field, value uint64) error
	VMLaunch() error
	VMResume() error
	INVEPT(eptPointer uint64) error
	INVVPID(vpid uint16) error

	// CaptureContext stores the caller's full register state into ctx and
	// returns false on the initial call. When the checkpoint is later
	// resumed via RestoreContext, execution returns from this same call
	// site with CaptureContext instead returning true, mirroring the
	// checkpoint-and-branch idiom described for the launch sequence.
	CaptureContext(ctx *context.Context) bool
	// RestoreContext never returns to its caller; it resumes execution at
	// the point CaptureContext recorded in ctx.
	RestoreContext(ctx *context.Context)
}
