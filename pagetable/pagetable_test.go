package pagetable_test

import (
	"testing"
	"unsafe"

	"github.com/bobuhiro11/vtxhv/pagetable"
)

func pagetableAddr(v interface{}) uintptr {
	switch p := v.(type) {
	case *[512]pagetable.PTE:
		return uintptr(unsafe.Pointer(p))
	default:
		return 0
	}
}

// identityTranslator treats virtual and physical addresses as equal,
// which is sufficient to exercise the table-building algorithm without
// a real OS page table.
type identityTranslator struct{}

func (identityTranslator) VirtualToPhysical(addr uint64) (uint64, error) { return addr, nil }

func TestMapSelfThenTranslate(t *testing.T) {
	t.Parallel()

	h := &pagetable.Host{}
	if err := h.MapSelf(identityTranslator{}); err != nil {
		t.Fatalf("MapSelf: %v", err)
	}

	phys, err := h.VirtualToPhysical(uint64(pagetableAddr(&h.PML4)))
	if err != nil {
		t.Fatalf("VirtualToPhysical: %v", err)
	}

	if phys != uint64(pagetableAddr(&h.PML4)) {
		t.Fatalf("identity map mismatch: got %#x", phys)
	}
}

func TestMapPageProtectionIsLeftInverse(t *testing.T) {
	t.Parallel()

	h := &pagetable.Host{}
	if err := h.MapSelf(identityTranslator{}); err != nil {
		t.Fatalf("MapSelf: %v", err)
	}

	const va = 0x1000
	const pa = 0x2000

	if err := h.MapPage(va, pa, pagetable.Read|pagetable.Write); err != nil {
		t.Fatalf("MapPage: %v", err)
	}

	got, err := h.VirtualToPhysical(va)
	if err != nil {
		t.Fatalf("VirtualToPhysical: %v", err)
	}

	if got != pa {
		t.Fatalf("got %#x, want %#x", got, pa)
	}

	entry := h.PTs[0][0][1]
	if !entry.Write() || !entry.ExecuteDisable() {
		t.Fatalf("read/write protection not applied: %#x", uint64(entry))
	}
}

func TestModuleMapCapacity(t *testing.T) {
	t.Parallel()

	m := pagetable.NewModuleMap(2)

	if err := m.Insert(0x1000, 0xdead1000); err != nil {
		t.Fatalf("insert 1: %v", err)
	}

	if err := m.Insert(0x2000, 0xdead2000); err != nil {
		t.Fatalf("insert 2: %v", err)
	}

	if err := m.Insert(0x3000, 0xdead3000); err != pagetable.ErrModuleMapFull {
		t.Fatalf("expected ErrModuleMapFull, got %v", err)
	}

	v, ok := m.Lookup(0x2000)
	if !ok || v != 0xdead2000 {
		t.Fatalf("lookup failed: %#x %v", v, ok)
	}

	if _, ok := m.Lookup(0x9999); ok {
		t.Fatalf("expected miss")
	}
}
