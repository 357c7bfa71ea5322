package pagetable

import "fmt"

// PhysicalToVirtual converts a physical address into an address this
// process can dereference. It is supplied by the platform loader, which
// knows how the host OS identity-maps or otherwise exposes physical
// memory to the freestanding image.
type PhysicalToVirtual func(physical uint64) (uint64, error)

// OSView walks the interrupted OS's own CR3-rooted page table to
// translate virtual addresses, without copying or modifying any of its
// entries. It implements Translator so the host table can be built
// using the OS's existing mappings before the host table is
// self-consistent.
type OSView struct {
	cr3               uint64
	physicalToVirtual PhysicalToVirtual
}

// NewOSView returns a view rooted at cr3, using toVirtual to dereference
// physical page-table pages.
func NewOSView(cr3 uint64, toVirtual PhysicalToVirtual) OSView {
	return OSView{cr3: cr3 &^ 0xfff, physicalToVirtual: toVirtual}
}

func (o OSView) table(physical uint64) ([512]uint64, error) {
	var t [512]uint64

	virtual, err := o.physicalToVirtual(physical)
	if err != nil {
		return t, err
	}

	for i := range t {
		t[i] = *(*uint64)(uintptrToPointer(uintptr(virtual) + uintptr(i*8)))
	}

	return t, nil
}

// VirtualToPhysical walks pml4 -> pdpt -> pd -> pt, honoring 1 GiB and
// 2 MiB large-page entries, and returns the physical address value
// resolves to.
func (o OSView) VirtualToPhysical(value uint64) (uint64, error) {
	va := virtualAddress(value)

	pml4, err := o.table(o.cr3)
	if err != nil {
		return 0, fmt.Errorf("osview: read pml4: %w", err)
	}

	pml4e := PTE(pml4[va.pml4e()])
	if !pml4e.Present() {
		return 0, fmt.Errorf("osview: pml4e for %#x not present", value)
	}

	pdpt, err := o.table(pml4e.PageNumber() << 12)
	if err != nil {
		return 0, fmt.Errorf("osview: read pdpt: %w", err)
	}

	pdpte := PTE(pdpt[va.pdpte()])
	if !pdpte.Present() {
		return 0, fmt.Errorf("osview: pdpte for %#x not present", value)
	}

	if pdpte.Large() {
		return ((pdpte.PageNumber() << 12) &^ ((1 << 30) - 1)) + (value & ((1 << 30) - 1)), nil
	}

	pd, err := o.table(pdpte.PageNumber() << 12)
	if err != nil {
		return 0, fmt.Errorf("osview: read pd: %w", err)
	}

	pde := PTE(pd[va.pde()])
	if !pde.Present() {
		return 0, fmt.Errorf("osview: pde for %#x not present", value)
	}

	if pde.Large() {
		return ((pde.PageNumber() << 12) &^ ((1 << 21) - 1)) + (value & ((1 << 21) - 1)), nil
	}

	pt, err := o.table(pde.PageNumber() << 12)
	if err != nil {
		return 0, fmt.Errorf("osview: read pt: %w", err)
	}

	pte := PTE(pt[va.pte()])
	if !pte.Present() {
		return 0, fmt.Errorf("osview: pte for %#x not present", value)
	}

	return (pte.PageNumber() << 12) + (value & 0xfff), nil
}
