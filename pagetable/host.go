package pagetable

import "fmt"

const pageSize = 0x1000

// Protection describes the access rights a mapped page is given.
type Protection int

const (
	Read Protection = 1 << iota
	Write
	Execute
)

// Translator converts a virtual address, or the address of a value
// living in this process's own address space, to the physical address
// another page table (or the OS view) would use to resolve it. It is
// the "other_page_table" collaborator the host table is built from.
type Translator interface {
	VirtualToPhysical(addr uint64) (uint64, error)
}

// Host is a four-level page table covering 2 GiB through one PML4 entry,
// one PDPT, two page directories and two page-directory's worth of page
// tables — the fixed shape the hypervisor needs to map its own code,
// stack and data once it interrupts the host OS's control flow.
type Host struct {
	PML4 [512]PTE
	PDPT [512]PTE
	PDs  [2][512]PTE
	PTs  [2][512][512]PTE
}

type virtualAddress uint64

func (v virtualAddress) pml4e() uint64 { return (uint64(v) >> 39) & 0x1ff }
func (v virtualAddress) pdpte() uint64 { return (uint64(v) >> 30) & 0x1ff }
func (v virtualAddress) pde() uint64   { return (uint64(v) >> 21) & 0x1ff }
func (v virtualAddress) pte() uint64   { return (uint64(v) >> 12) & 0x1ff }

// MapPageFrom maps a single 4 KiB page at address to physical_address,
// with protection, resolving every intermediate table's own physical
// address through other. Used while this table has not yet mapped
// itself and so cannot translate its own addresses.
func (h *Host) MapPageFrom(address, physicalAddress uint64, prot Protection, other Translator) error {
	va := virtualAddress(address)

	pml4e := &h.PML4[va.pml4e()]

	pdptPhys, err := other.VirtualToPhysical(uint64(ptrOf(&h.PDPT)))
	if err != nil {
		return fmt.Errorf("translate pdpt: %w", err)
	}

	pml4e.SetPageNumber(pdptPhys >> 12)
	pml4e.SetWrite(true)
	pml4e.SetPresent(true)

	pdpte := &h.PDPT[va.pdpte()]

	pdCount := uint64(len(h.PDs))
	pdIndex := va.pdpte() / (512 / pdCount)
	pd := &h.PDs[pdIndex]

	pdPhys, err := other.VirtualToPhysical(uint64(ptrOf(pd)))
	if err != nil {
		return fmt.Errorf("translate pd: %w", err)
	}

	pdpte.SetPageNumber(pdPhys >> 12)
	pdpte.SetWrite(true)
	pdpte.SetPresent(true)

	pde := &pd[va.pde()]
	pt := &h.PTs[pdIndex][va.pde()]

	ptPhys, err := other.VirtualToPhysical(uint64(ptrOf(pt)))
	if err != nil {
		return fmt.Errorf("translate pt: %w", err)
	}

	pde.SetPageNumber(ptPhys >> 12)
	pde.SetWrite(true)
	pde.SetPresent(true)

	entry := &pt[va.pte()]
	entry.SetPageNumber(physicalAddress >> 12)
	entry.SetWrite(prot&Write != 0)
	entry.SetExecuteDisable(prot&Execute == 0)
	entry.SetPresent(true)

	return nil
}

// MapPage maps a single page using this table's own VirtualToPhysical,
// once the table is self-consistent.
func (h *Host) MapPage(address, physicalAddress uint64, prot Protection) error {
	return h.MapPageFrom(address, physicalAddress, prot, h)
}

// UninitializedMapFrom maps size bytes starting at baseAddress, one page
// at a time, resolving both the mapped pages' and this table's own
// intermediate pages' physical addresses through other.
func (h *Host) UninitializedMapFrom(baseAddress uint64, size int, prot Protection, other Translator) error {
	pages := (size + pageSize - 1) / pageSize

	for i := 0; i < pages; i++ {
		address := baseAddress + uint64(i*pageSize)

		physicalAddress, err := other.VirtualToPhysical(address)
		if err != nil {
			return err
		}

		if err := h.MapPageFrom(address, physicalAddress, prot, other); err != nil {
			return err
		}
	}

	return nil
}

// MapFrom maps size bytes starting at baseAddress, resolving this table's
// own intermediate tables through its own VirtualToPhysical while each
// mapped page's physicalAddress is still resolved through other — used
// once the table is self-consistent but the source memory being mapped
// belongs to a different address space.
func (h *Host) MapFrom(baseAddress uint64, size int, prot Protection, other Translator) error {
	pages := (size + pageSize - 1) / pageSize

	for i := 0; i < pages; i++ {
		address := baseAddress + uint64(i*pageSize)

		physicalAddress, err := other.VirtualToPhysical(address)
		if err != nil {
			return err
		}

		if err := h.MapPage(address, physicalAddress, prot); err != nil {
			return err
		}
	}

	return nil
}

// MapSelf maps this table's own four levels using other, so that
// subsequent calls can use this table's own VirtualToPhysical.
func (h *Host) MapSelf(other Translator) error {
	if err := h.UninitializedMapFrom(uint64(ptrOf(&h.PML4)), len(h.PML4)*8, Read|Write, other); err != nil {
		return fmt.Errorf("map pml4: %w", err)
	}

	if err := h.UninitializedMapFrom(uint64(ptrOf(&h.PDPT)), len(h.PDPT)*8, Read|Write, other); err != nil {
		return fmt.Errorf("map pdpt: %w", err)
	}

	if err := h.UninitializedMapFrom(uint64(ptrOf(&h.PDs)), sizeOfPDs, Read|Write, other); err != nil {
		return fmt.Errorf("map pds: %w", err)
	}

	if err := h.UninitializedMapFrom(uint64(ptrOf(&h.PTs)), sizeOfPTs, Read|Write, other); err != nil {
		return fmt.Errorf("map pts: %w", err)
	}

	return nil
}

const (
	sizeOfPDs = 2 * 512 * 8
	sizeOfPTs = 2 * 512 * 512 * 8
)

// VirtualToPhysical resolves an address mapped by this table, walking
// PML4 -> PDPT -> PD -> PT.
func (h *Host) VirtualToPhysical(address uint64) (uint64, error) {
	va := virtualAddress(address)

	pml4e := h.PML4[va.pml4e()]
	if !pml4e.Present() {
		return 0, fmt.Errorf("pagetable: pml4e for %#x not present", address)
	}

	pdIndex := va.pdpte() / (512 / uint64(len(h.PDs)))
	pde := h.PDs[pdIndex][va.pde()]

	if !pde.Present() {
		return 0, fmt.Errorf("pagetable: pde for %#x not present", address)
	}

	entry := h.PTs[pdIndex][va.pde()][va.pte()]
	if !entry.Present() {
		return 0, fmt.Errorf("pagetable: pte for %#x not present", address)
	}

	return (entry.PageNumber() << 12) | (address & 0xfff), nil
}
