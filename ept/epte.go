// Package ept builds the Extended Page Table that identity-maps all of
// guest-physical memory with the MTRR-derived memory type, and protects
// the already-running module's own pages from the guest by demoting
// their covering large page and clearing read/write/execute on the
// module's entries.
package ept

import "github.com/bobuhiro11/vtxhv/mtrr"

// EPTE is a single extended-page-table-entry bit accessor, covering both
// the large (2 MiB) and small (4 KiB) entry shapes.
type EPTE uint64

func (e EPTE) Read() bool        { return e&1 != 0 }
func (e EPTE) Write() bool       { return e&(1<<1) != 0 }
func (e EPTE) Execute() bool     { return e&(1<<2) != 0 }
func (e EPTE) Large() bool       { return e&(1<<7) != 0 }
func (e EPTE) ExecuteUser() bool { return e&(1<<10) != 0 }

func (e EPTE) Type() mtrr.MemoryType { return mtrr.MemoryType((e >> 3) & 0x7) }

func (e EPTE) PageNumber() uint64      { return (uint64(e) >> 12) & 0xffffffffff }
func (e EPTE) LargePageNumber() uint64 { return (uint64(e) >> 21) & 0x7ffffff }

func (e *EPTE) SetRead(v bool)        { e.setBit(0, v) }
func (e *EPTE) SetWrite(v bool)       { e.setBit(1, v) }
func (e *EPTE) SetExecute(v bool)     { e.setBit(2, v) }
func (e *EPTE) SetLarge(v bool)       { e.setBit(7, v) }
func (e *EPTE) SetExecuteUser(v bool) { e.setBit(10, v) }

func (e *EPTE) SetType(t mtrr.MemoryType) {
	*e = EPTE((uint64(*e) &^ (0x7 << 3)) | (uint64(t&0x7) << 3))
}

func (e *EPTE) SetPageNumber(n uint64) {
	*e = EPTE((uint64(*e) &^ 0xffffffffff000) | ((n & 0xffffffffff) << 12))
}

func (e *EPTE) SetLargePageNumber(n uint64) {
	*e = EPTE((uint64(*e) &^ (0x7ffffff << 21)) | ((n & 0x7ffffff) << 21))
}

func (e *EPTE) setBit(bit uint, v bool) {
	if v {
		*e |= 1 << bit
	} else {
		*e &^= 1 << bit
	}
}
