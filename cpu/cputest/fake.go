// Package cputest provides a fake cpu.Ops for exercising the launch
// engine's control flow and data-structure construction without real
// VT-x hardware or root privilege.
package cputest

import (
	"errors"

	"github.com/bobuhiro11/vtxhv/context"
)

// ErrNotImplemented is returned by ReadMSR for an MSR index the current
// test has not set in MSRs.
var ErrNotImplemented = errors.New("cputest: not implemented")

// Fake is an in-memory, single-goroutine stand-in for cpu.Ops.
type Fake struct {
	MSRs map[uint32]uint64
	VMCS map[uint64]uint64

	CR0, CR3, CR4       uint64
	GDTRBase            uint64
	GDTRLimit           uint16
	IDTRBase            uint64
	IDTRLimit           uint16
	TR                  uint16
	CS                  uint16

	// VMXOnErr, when set, is returned by the next VMXOn call.
	VMXOnErr error
	// VMLaunchErr, when set, is returned by the next VMLaunch call.
	VMLaunchErr error

	vmxOn     bool
	restored  bool
	lastCtx   *context.Context
}

// New returns a Fake with empty MSR/VMCS maps ready to use.
func New() *Fake {
	return &Fake{
		MSRs: map[uint32]uint64{},
		VMCS: map[uint64]uint64{},
	}
}

func (f *Fake) CPUID(eax, _ uint32) (a, b, c, d uint32) {
	if eax == 1 {
		return 0, 0, 1 << 5, 0 // report VMX support (ECX bit 5)
	}

	return 0, 0, 0, 0
}

func (f *Fake) ReadMSR(index uint32) (uint64, error) {
	v, ok := f.MSRs[index]
	if !ok {
		return 0, ErrNotImplemented
	}

	return v, nil
}

func (f *Fake) WriteMSR(index uint32, value uint64) error {
	f.MSRs[index] = value

	return nil
}

func (f *Fake) ReadCR0() uint64   { return f.CR0 }
func (f *Fake) WriteCR0(v uint64) { f.CR0 = v }
func (f *Fake) ReadCR3() uint64   { return f.CR3 }
func (f *Fake) WriteCR3(v uint64) { f.CR3 = v }
func (f *Fake) ReadCR4() uint64   { return f.CR4 }
func (f *Fake) WriteCR4(v uint64) { f.CR4 = v }

func (f *Fake) ReadGDTR() (uint64, uint16) { return f.GDTRBase, f.GDTRLimit }
func (f *Fake) WriteGDTR(base uint64, limit uint16) {
	f.GDTRBase, f.GDTRLimit = base, limit
}

func (f *Fake) ReadIDTR() (uint64, uint16) { return f.IDTRBase, f.IDTRLimit }
func (f *Fake) WriteIDTR(base uint64, limit uint16) {
	f.IDTRBase, f.IDTRLimit = base, limit
}

func (f *Fake) ReadTR() uint16       { return f.TR }
func (f *Fake) WriteTR(sel uint16)   { f.TR = sel }
func (f *Fake) ReadCS() uint16       { return f.CS }

func (f *Fake) VMXOn(region uint64) error {
	if f.VMXOnErr != nil {
		err := f.VMXOnErr
		f.VMXOnErr = nil

		return err
	}

	f.vmxOn = true

	return nil
}

func (f *Fake) VMXOff() error {
	f.vmxOn = false

	return nil
}

func (f *Fake) VMClear(region uint64) error { return nil }
func (f *Fake) VMPtrLd(region uint64) error { return nil }

func (f *Fake) VMRead(field uint64) (uint64, error) {
	return f.VMCS[field], nil
}

func (f *Fake) VMWrite(field, value uint64) error {
	f.VMCS[field] = value

	return nil
}

func (f *Fake) VMLaunch() error {
	if f.VMLaunchErr != nil {
		err := f.VMLaunchErr
		f.VMLaunchErr = nil

		return err
	}

	return nil
}

func (f *Fake) VMResume() error { return nil }

func (f *Fake) INVEPT(eptPointer uint64) error { return nil }
func (f *Fake) INVVPID(vpid uint16) error      { return nil }

// CaptureContext records ctx and returns false (the "checkpoint" branch)
// unless RestoreContext was called since the previous capture: each
// RestoreContext call flips a flag so the next CaptureContext call on the
// same Fake reports true, modelling the checkpoint-and-branch idiom
// without requiring a real assembly jump.
func (f *Fake) CaptureContext(ctx *context.Context) bool {
	f.lastCtx = ctx
	if f.restored {
		f.restored = false

		return true
	}

	return false
}

// RestoreContext marks the next CaptureContext call as the "resumed"
// branch. Unlike the real primitive it returns to its caller, which is
// sufficient for exercising the launch engine's control flow in tests.
func (f *Fake) RestoreContext(ctx *context.Context) {
	f.restored = true
	f.lastCtx = ctx
}
