package ept

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/vtxhv/mtrr"
	"github.com/bobuhiro11/vtxhv/pagetable"
)

const pageSize = 0x1000

// ErrOutOfEPTEntries is returned by Protect when demoting a large page
// would exceed the fixed-size pool of small-page EPT tables.
var ErrOutOfEPTEntries = errors.New("ept: out of ept entries")

// Translator resolves the physical address backing a value in this
// process's own address space, the same contract pagetable.Translator
// uses for the host page table.
type Translator interface {
	VirtualToPhysical(addr uint64) (uint64, error)
}

// Table is the Extended Page Table covering 512 GiB of guest-physical
// memory as 2 MiB large pages by default, plus a bounded pool of 4 KiB
// tables used to demote individual large pages when a module's pages
// need finer-grained protection.
type Table struct {
	EPML4 [512]EPTE
	EPDPT [512]EPTE
	EPD   [512][512]EPTE
	Pool  [][512]EPTE

	poolNext int
}

// NewTable returns an empty table with a pool of poolCapacity small-page
// tables available for module protection.
func NewTable(poolCapacity int) *Table {
	return &Table{Pool: make([][512]EPTE, poolCapacity)}
}

// Build fills in the large-page identity map of all of guest-physical
// memory, assigning each 2 MiB region the memory type reported by mtrrs
// (or write-back when no MTRR entry covers it), and resolving the
// intermediate tables' own physical addresses through host.
func (t *Table) Build(host Translator, mtrrs *mtrr.Table) error {
	epdptPhys, err := host.VirtualToPhysical(uint64(addrOf(&t.EPDPT)))
	if err != nil {
		return fmt.Errorf("ept: translate epdpt: %w", err)
	}

	t.EPML4[0] = 0
	t.EPML4[0].SetRead(true)
	t.EPML4[0].SetWrite(true)
	t.EPML4[0].SetExecute(true)
	t.EPML4[0].SetExecuteUser(true)
	t.EPML4[0].SetPageNumber(epdptPhys >> 12)

	for i := range t.EPDPT {
		epdPhys, err := host.VirtualToPhysical(uint64(addrOf(&t.EPD[i])))
		if err != nil {
			return fmt.Errorf("ept: translate epd[%d]: %w", i, err)
		}

		var e EPTE
		e.SetRead(true)
		e.SetWrite(true)
		e.SetExecute(true)
		e.SetExecuteUser(true)
		e.SetPageNumber(epdPhys >> 12)
		t.EPDPT[i] = e
	}

	var largePageNumber uint64

	for i := range t.EPD {
		for j := range t.EPD[i] {
			physicalAddress := largePageNumber << 21

			var e EPTE
			e.SetRead(true)
			e.SetWrite(true)
			e.SetExecute(true)
			e.SetExecuteUser(true)
			e.SetLarge(true)
			e.SetLargePageNumber(largePageNumber)
			e.SetType(lookupMTRR(mtrrs, physicalAddress))

			t.EPD[i][j] = e
			largePageNumber++
		}
	}

	return nil
}

func lookupMTRR(mtrrs *mtrr.Table, physicalAddress uint64) mtrr.MemoryType {
	if mtrrs == nil {
		return mtrr.WriteBack
	}

	return mtrrs.Lookup(physicalAddress)
}

// Protect walks every page of the module at [moduleBase, moduleBase +
// moduleSize), demoting the covering 2 MiB EPD entry into a small-page
// EPT table the first time a module page falls inside it, then clearing
// read/write/execute on that page's own EPTE. moduleMap records the
// physical address of every demoted EPT table the same way it would be
// looked up later, so pages that share an already-demoted large page
// reuse it instead of demoting twice.
func (t *Table) Protect(host Translator, moduleBase uint64, moduleSize int, moduleMap *pagetable.ModuleMap) error {
	pages := moduleSize / pageSize

	for i := 0; i < pages; i++ {
		address := moduleBase + uint64(i*pageSize)

		physicalAddress, err := host.VirtualToPhysical(address)
		if err != nil {
			return fmt.Errorf("ept: translate module page %d: %w", i, err)
		}

		epdeIndex1 := physicalAddress >> 30
		epdeIndex2 := (physicalAddress >> 21) & 0x1ff
		epde := &t.EPD[epdeIndex1][epdeIndex2]

		if !epde.Large() {
			eptPhysical := epde.PageNumber() << 12

			eptVirtual, ok := moduleMap.Lookup(eptPhysical)
			if !ok {
				return fmt.Errorf("ept: no demoted table recorded for %#x", eptPhysical)
			}

			smallTable := (*[512]EPTE)(ptrFromAddr(eptVirtual))
			epte := &smallTable[(physicalAddress>>12)&0x1ff]
			epte.SetRead(false)
			epte.SetWrite(false)
			epte.SetExecute(false)
			epte.SetExecuteUser(false)

			continue
		}

		if t.poolNext == len(t.Pool) {
			return ErrOutOfEPTEntries
		}

		small := &t.Pool[t.poolNext]
		memoryType := epde.Type()
		basePageNumber := epde.LargePageNumber() << (21 - 12)

		for j := range small {
			var e EPTE
			e.SetRead(true)
			e.SetWrite(true)
			e.SetExecute(true)
			e.SetExecuteUser(true)
			e.SetPageNumber(basePageNumber + uint64(j))
			e.SetType(memoryType)
			small[j] = e
		}

		smallPhysical, err := host.VirtualToPhysical(uint64(addrOf(small)))
		if err != nil {
			return fmt.Errorf("ept: translate pool table %d: %w", t.poolNext, err)
		}

		if err := moduleMap.Insert(smallPhysical, uint64(addrOf(small))); err != nil {
			return fmt.Errorf("ept: record demoted table: %w", err)
		}

		epde.SetLarge(false)
		epde.SetType(0)
		epde.SetPageNumber(smallPhysical >> 12)

		t.poolNext++

		epte := &small[(physicalAddress>>12)&0x1ff]
		epte.SetRead(false)
		epte.SetWrite(false)
		epte.SetExecute(false)
		epte.SetExecuteUser(false)
	}

	return nil
}
