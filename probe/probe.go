// Package probe reports the host CPU's virtualization capability bits:
// whether VMX is present and enabled, which secondary execution controls
// the processor advertises, and how many variable-range MTRRs it has.
// It is read-only diagnostics — it never enters VMX root mode itself —
// grounded on the teacher's probe/cpuid.go and tools/testCaps.go, which
// printed a raw CPUID/KVM-capability dump in the same shape.
package probe

import (
	"fmt"

	"github.com/bobuhiro11/vtxhv/cpu"
	"github.com/bobuhiro11/vtxhv/mtrr"
	"github.com/bobuhiro11/vtxhv/vmx"
)

const (
	cpuidLeafFeatures = 1
	ecxVMXBit         = 1 << 5
	ecxSMXBit         = 1 << 6

	msrFeatureControl       = 0x3a
	featureControlLocked    = 1 << 0
	featureControlVMXOnly   = 1 << 2
)

// Report is every capability bit this package knows how to check, in the
// order probe's CLI subcommand prints them.
type Report struct {
	VMXSupported      bool
	SMXSupported      bool
	FeatureControlSet bool
	VMXLockedOutsideSMX bool

	RevisionID uint32

	EPTSupported  bool
	VPIDSupported bool
	UnrestrictedGuest bool

	VariableMTRRCount int
}

// Capabilities reads every VMX/EPT/VPID/MTRR capability bit and the VMX
// revision identifier through ops, the same CPUID/RDMSR primitives the
// launch engine itself uses, so probe reports exactly what a launch
// attempt on this host would see.
func Capabilities(ops cpu.Ops) (*Report, error) {
	_, _, ecx, _ := ops.CPUID(cpuidLeafFeatures, 0)

	r := &Report{
		VMXSupported: ecx&ecxVMXBit != 0,
		SMXSupported: ecx&ecxSMXBit != 0,
	}

	if !r.VMXSupported {
		return r, nil
	}

	fc, err := ops.ReadMSR(msrFeatureControl)
	if err != nil {
		return nil, fmt.Errorf("probe: read feature control msr: %w", err)
	}

	r.FeatureControlSet = fc&featureControlLocked != 0
	r.VMXLockedOutsideSMX = fc&(featureControlLocked|featureControlVMXOnly) == featureControlLocked|featureControlVMXOnly

	msrs, err := vmx.ReadAll(ops)
	if err != nil {
		return nil, fmt.Errorf("probe: read vmx capability msrs: %w", err)
	}

	r.RevisionID = msrs.RevisionID()

	// The high 32 bits of a VMX capability MSR are the allowed-1 mask:
	// a bit set there means the processor supports requesting it.
	secondaryAllowed1 := msrs.Get(vmx.MSRProcBased2) >> 32

	const (
		secondaryEnableEPT            = 1 << 1
		secondaryEnableVPID           = 1 << 5
		secondaryUnrestrictedGuest    = 1 << 7
	)

	r.EPTSupported = secondaryAllowed1&secondaryEnableEPT != 0
	r.VPIDSupported = secondaryAllowed1&secondaryEnableVPID != 0
	r.UnrestrictedGuest = secondaryAllowed1&secondaryUnrestrictedGuest != 0

	mtrrs, err := mtrr.Read(ops)
	if err != nil {
		return nil, fmt.Errorf("probe: read mtrrs: %w", err)
	}

	r.VariableMTRRCount = len(mtrrs.Entries)

	return r, nil
}

// Print writes one line per capability, in the "%-30s: %t" shape the
// teacher's tools.TestCaps used for its KVM capability dump.
func (r *Report) Print() {
	fmt.Printf("%-30s: %t\n", "vmx", r.VMXSupported)

	if !r.VMXSupported {
		return
	}

	fmt.Printf("%-30s: %t\n", "smx", r.SMXSupported)
	fmt.Printf("%-30s: %t\n", "feature-control-locked", r.FeatureControlSet)
	fmt.Printf("%-30s: %t\n", "vmx-locked-outside-smx", r.VMXLockedOutsideSMX)
	fmt.Printf("%-30s: 0x%08x\n", "vmx-revision-id", r.RevisionID)
	fmt.Printf("%-30s: %t\n", "ept", r.EPTSupported)
	fmt.Printf("%-30s: %t\n", "vpid", r.VPIDSupported)
	fmt.Printf("%-30s: %t\n", "unrestricted-guest", r.UnrestrictedGuest)
	fmt.Printf("%-30s: %d\n", "variable-mtrr-count", r.VariableMTRRCount)
}
