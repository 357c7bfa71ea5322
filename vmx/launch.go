package vmx

import (
	"fmt"

	"github.com/bobuhiro11/vtxhv/context"
	"github.com/bobuhiro11/vtxhv/cpu"
)

// ExitInfo is the subset of VM-exit state the dispatcher needs.
type ExitInfo struct {
	Reason            uint64
	Qualification     uint64
	InstructionLength uint64
	GuestRIP          uint64
}

// Launch writes the host resume point from ctx's capture and attempts
// VMLAUNCH. It returns (false, nil) having issued VMLAUNCH when ctx was
// freshly captured (the instruction either fails, in which case err is
// non-nil, or the guest starts running and this call never truly
// returns on real hardware). It returns (true, nil) when ctx reports it
// was resumed — i.e. a VM-exit landed back at the checkpoint — leaving
// exit interpretation to the caller via Dispatch.
func Launch(ops cpu.Ops, ctx *context.Context) (resumed bool, err error) {
	if context.Capture(ops, ctx) {
		return true, nil
	}

	if err := write(ops, FieldHostRIP, ctx.RIP); err != nil {
		return false, err
	}

	if err := write(ops, FieldHostRSP, ctx.RSP); err != nil {
		return false, err
	}

	if err := ops.VMLaunch(); err != nil {
		return false, fmt.Errorf("vmx: vmlaunch: %w", err)
	}

	return false, nil
}

// Resume is Launch's counterpart for every exit after the first: it
// reissues VMRESUME instead of VMLAUNCH, reusing the already-loaded VMCS.
func Resume(ops cpu.Ops, ctx *context.Context) (resumed bool, err error) {
	if context.Capture(ops, ctx) {
		return true, nil
	}

	if err := ops.VMResume(); err != nil {
		return false, fmt.Errorf("vmx: vmresume: %w", err)
	}

	return false, nil
}

// ReadExitInfo reads the VMCS fields describing why the guest exited.
func ReadExitInfo(ops cpu.Ops) (ExitInfo, error) {
	var info ExitInfo

	fields := []struct {
		field Field
		dst   *uint64
	}{
		{FieldExitReason, &info.Reason},
		{FieldExitQualification, &info.Qualification},
		{FieldExitInstrLen, &info.InstructionLength},
		{FieldGuestRIP, &info.GuestRIP},
	}

	for _, f := range fields {
		v, err := ops.VMRead(f.field)
		if err != nil {
			return info, fmt.Errorf("vmx: vmread %#x: %w", f.field, err)
		}

		*f.dst = v
	}

	return info, nil
}
