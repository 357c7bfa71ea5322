package vmx

import (
	"fmt"

	"github.com/bobuhiro11/vtxhv/cpu"
)

// Field is a VMCS component encoding, as used by VMREAD/VMWRITE.
type Field = uint64

// VMCS field encodings, using the standard Intel SDM component
// encodings; only the fields this launch engine populates are named.
const (
	FieldVirtualProcessorID Field = 0x0000
	FieldEPTPointer         Field = 0x201a
	FieldMSRBitmap          Field = 0x2004
	FieldVMCSLinkPointer    Field = 0x2800

	FieldPinBasedControls       Field = 0x4000
	FieldProcBasedControls      Field = 0x4002
	FieldExceptionBitmap        Field = 0x4004
	FieldExitControls           Field = 0x400c
	FieldEntryControls          Field = 0x4012
	FieldSecondaryProcControls  Field = 0x401e

	FieldExitReason        Field = 0x4402
	FieldExitInstrLen      Field = 0x440c
	FieldExitQualification Field = 0x6400
	FieldGuestLinearAddr   Field = 0x640a
	FieldGuestPhysicalAddr Field = 0x2400

	FieldGuestCR0 Field = 0x6800
	FieldGuestCR3 Field = 0x6802
	FieldGuestCR4 Field = 0x6804
	FieldHostCR0  Field = 0x6c00
	FieldHostCR3  Field = 0x6c02
	FieldHostCR4  Field = 0x6c04

	FieldCR0GuestHostMask Field = 0x6000
	FieldCR4GuestHostMask Field = 0x6002
	FieldCR0ReadShadow    Field = 0x6004
	FieldCR4ReadShadow    Field = 0x6006

	FieldGuestRSP    Field = 0x681c
	FieldGuestRIP    Field = 0x681e
	FieldGuestRFlags Field = 0x6820
	FieldHostRSP     Field = 0x6c14
	FieldHostRIP     Field = 0x6c16

	FieldGuestCS   Field = 0x0802
	FieldGuestSS   Field = 0x0804
	FieldGuestDS   Field = 0x0806
	FieldGuestES   Field = 0x0800
	FieldGuestFS   Field = 0x0808
	FieldGuestGS   Field = 0x080a
	FieldGuestLDTR Field = 0x080c
	FieldGuestTR   Field = 0x080e

	FieldGuestESLimit   Field = 0x4800
	FieldGuestCSLimit   Field = 0x4802
	FieldGuestSSLimit   Field = 0x4804
	FieldGuestDSLimit   Field = 0x4806
	FieldGuestFSLimit   Field = 0x4808
	FieldGuestGSLimit   Field = 0x480a
	FieldGuestLDTRLimit Field = 0x480c
	FieldGuestTRLimit   Field = 0x480e

	FieldGuestESAccessRights   Field = 0x4814
	FieldGuestCSAccessRights   Field = 0x4816
	FieldGuestSSAccessRights   Field = 0x4818
	FieldGuestDSAccessRights   Field = 0x481a
	FieldGuestFSAccessRights   Field = 0x481c
	FieldGuestGSAccessRights   Field = 0x481e
	FieldGuestLDTRAccessRights Field = 0x4820
	FieldGuestTRAccessRights   Field = 0x4822

	FieldGuestESBase   Field = 0x6806
	FieldGuestCSBase   Field = 0x6808
	FieldGuestSSBase   Field = 0x680a
	FieldGuestDSBase   Field = 0x680c
	FieldGuestFSBase   Field = 0x680e
	FieldGuestGSBase   Field = 0x6810
	FieldGuestLDTRBase Field = 0x6812
	FieldGuestTRBase   Field = 0x6814
	FieldGuestDR7      Field = 0x681a

	FieldGuestIA32DebugCtl Field = 0x2802

	FieldHostCS Field = 0x0c02
	FieldHostSS Field = 0x0c04
	FieldHostDS Field = 0x0c06
	FieldHostES Field = 0x0c00
	FieldHostFS Field = 0x0c08
	FieldHostGS Field = 0x0c0a
	FieldHostTR Field = 0x0c0c

	FieldGuestGDTRBase Field = 0x6816
	FieldGuestGDTRLim  Field = 0x4810
	FieldGuestIDTRBase Field = 0x6818
	FieldGuestIDTRLim  Field = 0x4812
	FieldHostGDTRBase  Field = 0x6c0c
	FieldHostIDTRBase  Field = 0x6c0e
	FieldHostFSBase    Field = 0x6c06
	FieldHostGSBase    Field = 0x6c08
	FieldHostTRBase    Field = 0x6c0a
)

func write(ops cpu.Ops, field Field, value uint64) error {
	if err := ops.VMWrite(field, value); err != nil {
		return fmt.Errorf("vmx: vmwrite %#x: %w", field, err)
	}

	return nil
}

// Write populates a single VMCS field, for collaborators outside this
// package (the launch orchestration in package hypervisor) that need to
// write fields this package does not already populate itself.
func Write(ops cpu.Ops, field Field, value uint64) error {
	return write(ops, field, value)
}
