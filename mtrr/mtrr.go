// Package mtrr reads the variable-range memory type range registers so
// the EPT builder can mirror the host's own cacheability decisions
// instead of guessing a single memory type for all of guest-physical
// memory.
package mtrr

import (
	"fmt"

	"github.com/bobuhiro11/vtxhv/cpu"
)

const (
	msrCapability  = 0xfe
	msrPhysBase0   = 0x200
	msrPhysMask0   = 0x201
	pageSize       = 0x1000
	maxVariableMTR = 8
)

// MemoryType mirrors the x86 PAT/MTRR memory type encoding.
type MemoryType uint8

const (
	Uncacheable     MemoryType = 0
	WriteCombining  MemoryType = 1
	WriteThrough    MemoryType = 4
	WriteProtected  MemoryType = 5
	WriteBack       MemoryType = 6
)

// Entry is one variable-range MTRR.
type Entry struct {
	Valid         bool
	Type          MemoryType
	PhysicalBase  uint64
	Size          uint64
}

// Table holds every variable-range MTRR the host CPU reports.
type Table struct {
	Entries []Entry
}

// Read queries IA32_MTRRCAP for the variable-range register count, then
// reads every PhysBase/PhysMask pair, deriving each entry's size from the
// number of zero bits at the bottom of the mask, matching the rule
// (address_in_range & mask) == (base & mask).
func Read(ops cpu.Ops) (*Table, error) {
	cap, err := ops.ReadMSR(msrCapability)
	if err != nil {
		return nil, fmt.Errorf("mtrr: read capability msr: %w", err)
	}

	count := int(cap & 0xff)
	if count > maxVariableMTR {
		count = maxVariableMTR
	}

	t := &Table{Entries: make([]Entry, count)}

	for i := 0; i < count; i++ {
		base, err := ops.ReadMSR(uint32(msrPhysBase0 + i*2))
		if err != nil {
			return nil, fmt.Errorf("mtrr: read physbase %d: %w", i, err)
		}

		mask, err := ops.ReadMSR(uint32(msrPhysMask0 + i*2))
		if err != nil {
			return nil, fmt.Errorf("mtrr: read physmask %d: %w", i, err)
		}

		e := &t.Entries[i]
		e.Type = MemoryType(base & 0xff)
		e.Valid = mask&(1<<11) != 0
		e.PhysicalBase = base &^ 0xfff

		physicalMask := mask &^ 0xfff
		if physicalMask == 0 {
			continue
		}

		size := uint64(pageSize)
		for v := physicalMask >> 12; v&1 == 0; v >>= 1 {
			size <<= 1
		}

		e.Size = size
	}

	return t, nil
}

// Lookup returns the memory type that applies to physicalAddress,
// matching the first valid entry whose range contains it, and falling
// back to write-back when no variable-range entry matches — the default
// fixed-MTRR-disabled behaviour.
func (t *Table) Lookup(physicalAddress uint64) MemoryType {
	for _, e := range t.Entries {
		if !e.Valid || e.Size == 0 {
			continue
		}

		if physicalAddress >= e.PhysicalBase && physicalAddress < e.PhysicalBase+e.Size {
			return e.Type
		}
	}

	return WriteBack
}
