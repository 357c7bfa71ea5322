package amd64

import (
	"errors"
	"unsafe"

	"github.com/bobuhiro11/vtxhv/context"
)

// ErrVMInstruction is returned when a VMX instruction sets CF or ZF,
// indicating VMfailInvalid or VMfailValid respectively.
var ErrVMInstruction = errors.New("vmx instruction failed")

func readCR0() uint64      // implemented in cr_amd64.s
func writeCR0(v uint64)    // implemented in cr_amd64.s
func readCR3() uint64      // implemented in cr_amd64.s
func writeCR3(v uint64)    // implemented in cr_amd64.s
func readCR4() uint64      // implemented in cr_amd64.s
func writeCR4(v uint64)    // implemented in cr_amd64.s
func readCS() uint16       // implemented in cr_amd64.s
func readTR() uint16       // implemented in cr_amd64.s
func writeTR(sel uint16)   // implemented in cr_amd64.s
func readGDTR() (base uint64, limit uint16)    // implemented in cr_amd64.s
func writeGDTR(base uint64, limit uint16)      // implemented in cr_amd64.s
func readIDTR() (base uint64, limit uint16)    // implemented in cr_amd64.s
func writeIDTR(base uint64, limit uint16)      // implemented in cr_amd64.s

func (Hardware) ReadCR0() uint64    { return readCR0() }
func (Hardware) WriteCR0(v uint64)  { writeCR0(v) }
func (Hardware) ReadCR3() uint64    { return readCR3() }
func (Hardware) WriteCR3(v uint64)  { writeCR3(v) }
func (Hardware) ReadCR4() uint64    { return readCR4() }
func (Hardware) WriteCR4(v uint64)  { writeCR4(v) }
func (Hardware) ReadCS() uint16     { return readCS() }
func (Hardware) ReadTR() uint16     { return readTR() }
func (Hardware) WriteTR(sel uint16) { writeTR(sel) }

func (Hardware) ReadGDTR() (uint64, uint16)             { return readGDTR() }
func (Hardware) WriteGDTR(base uint64, limit uint16)    { writeGDTR(base, limit) }
func (Hardware) ReadIDTR() (uint64, uint16)             { return readIDTR() }
func (Hardware) WriteIDTR(base uint64, limit uint16)    { writeIDTR(base, limit) }

func vmxOn(region uint64) uint8     // implemented in vmx_amd64.s
func vmxOff() uint8                 // implemented in vmx_amd64.s
func vmClear(region uint64) uint8   // implemented in vmx_amd64.s
func vmPtrLd(region uint64) uint8   // implemented in vmx_amd64.s
func vmRead(field uint64) (uint64, uint8)   // implemented in vmx_amd64.s
func vmWrite(field, value uint64) uint8     // implemented in vmx_amd64.s
func vmLaunch() uint8                // implemented in vmx_amd64.s
func vmResume() uint8                // implemented in vmx_amd64.s
func invept(descriptor uint64) uint8 // implemented in vmx_amd64.s
func invvpid(descriptor uint64) uint8 // implemented in vmx_amd64.s

func status(s uint8) error {
	if s != 0 {
		return ErrVMInstruction
	}

	return nil
}

func (Hardware) VMXOn(region uint64) error   { return status(vmxOn(region)) }
func (Hardware) VMXOff() error               { return status(vmxOff()) }
func (Hardware) VMClear(region uint64) error { return status(vmClear(region)) }
func (Hardware) VMPtrLd(region uint64) error { return status(vmPtrLd(region)) }

func (Hardware) VMRead(field uint64) (uint64, error) {
	v, s := vmRead(field)

	return v, status(s)
}

func (Hardware) VMWrite(field, value uint64) error {
	return status(vmWrite(field, value))
}

func (Hardware) VMLaunch() error { return status(vmLaunch()) }
func (Hardware) VMResume() error { return status(vmResume()) }

func (Hardware) INVEPT(eptPointer uint64) error {
	descriptor := [2]uint64{eptPointer, 0}

	return status(invept(uint64(uintptr(unsafe.Pointer(&descriptor)))))
}

func (Hardware) INVVPID(vpid uint16) error {
	descriptor := [2]uint64{uint64(vpid), 0}

	return status(invvpid(uint64(uintptr(unsafe.Pointer(&descriptor)))))
}

func captureContext(ctx *context.Context) bool // implemented in context_amd64.s
func restoreContext(ctx *context.Context)       // implemented in context_amd64.s

func (Hardware) CaptureContext(ctx *context.Context) bool { return captureContext(ctx) }
func (Hardware) RestoreContext(ctx *context.Context)      { restoreContext(ctx) }
