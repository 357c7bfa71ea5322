// Package vmx builds and drives the VMCS: MSR-derived control-adjustment,
// host descriptor tables, field population, the capture/branch launch
// sequence, and VM-exit dispatch.
package vmx

import (
	"fmt"

	"github.com/bobuhiro11/vtxhv/cpu"
)

// VMX capability and fixed-bit MSR indices.
const (
	MSRBasic       = 0x480
	MSRCR0Fixed0   = 0x486
	MSRCR0Fixed1   = 0x487
	MSRCR4Fixed0   = 0x488
	MSRCR4Fixed1   = 0x489
	MSRProcBased   = 0x482
	MSRProcBased2  = 0x48b
	MSREntryCtls   = 0x484
	MSRExitCtls    = 0x483
	MSRPinBased    = 0x481
	MSREPTVPIDCap  = 0x48c

	msrVMXBegin = MSRBasic
	msrVMXEnd   = MSREPTVPIDCap
)

// AdjustMSR combines a desired control-bit set with the capability MSR's
// allowed-0/allowed-1 halves: bits the low half forces to 1 are forced
// on, and bits the high half does not allow are forced off.
func AdjustMSR(capability, desired uint64) uint64 {
	low := capability & 0xffffffff
	high := capability >> 32

	return (desired & high) | low
}

// MSRCache holds every VMX capability MSR read once at initialization
// time, the way the launch engine avoids re-reading them on every
// exit.
type MSRCache struct {
	values map[uint32]uint64
}

// ReadAll reads the VMX MSR indices 0x480 through 0x48c
// (IA32_VMX_EPT_VPID_CAP) through ops; the VMX MSRs from 0x48d upward
// are not read.
func ReadAll(ops cpu.Ops) (*MSRCache, error) {
	c := &MSRCache{values: map[uint32]uint64{}}

	for idx := uint32(msrVMXBegin); idx <= msrVMXEnd; idx++ {
		v, err := ops.ReadMSR(idx)
		if err != nil {
			return nil, fmt.Errorf("vmx: read msr %#x: %w", idx, err)
		}

		c.values[idx] = v
	}

	return c, nil
}

// Get returns the cached value for a VMX MSR index.
func (c *MSRCache) Get(index uint32) uint64 { return c.values[index] }

// FixCR0 adjusts a desired CR0 value against IA32_VMX_CR0_FIXED0/1.
func (c *MSRCache) FixCR0(desired uint64) uint64 {
	v := desired
	v &= c.Get(MSRCR0Fixed1) & 0xffffffff
	v |= c.Get(MSRCR0Fixed0) & 0xffffffff

	return v
}

// FixCR4 adjusts a desired CR4 value against IA32_VMX_CR4_FIXED0/1.
func (c *MSRCache) FixCR4(desired uint64) uint64 {
	v := desired
	v &= c.Get(MSRCR4Fixed1) & 0xffffffff
	v |= c.Get(MSRCR4Fixed0) & 0xffffffff

	return v
}

// RevisionID is the low 32 bits of IA32_VMX_BASIC, required at the head
// of every VMXON and VMCS region.
func (c *MSRCache) RevisionID() uint32 {
	return uint32(c.Get(MSRBasic) & 0xffffffff)
}
