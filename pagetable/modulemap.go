package pagetable

import (
	"errors"
	"sort"
)

// DefaultModuleMapCapacity is the maximum number of page-sized entries a
// ModuleMap holds, chosen for a 50 MiB maximum module size at a 4 KiB
// page granularity (50 * 1024 * 1024 / 4096 = 12800).
const DefaultModuleMapCapacity = 50 * 1024 * 1024 / pageSize

// ErrModuleMapFull is returned when inserting into a ModuleMap that has
// reached its capacity.
var ErrModuleMapFull = errors.New("pagetable: module map is full")

// ModuleMap is a fixed-capacity, physical-address-sorted associative
// array from a page-aligned physical address to its virtual address,
// mirroring a bounded-capacity sorted map rather than growing
// unboundedly the way a Go map would.
type ModuleMap struct {
	capacity int
	keys     []uint64
	values   []uint64
}

// NewModuleMap returns an empty map with the given capacity.
func NewModuleMap(capacity int) *ModuleMap {
	return &ModuleMap{capacity: capacity}
}

// Len returns the number of entries currently stored.
func (m *ModuleMap) Len() int { return len(m.keys) }

// Capacity returns the maximum number of entries this map can hold.
func (m *ModuleMap) Capacity() int { return m.capacity }

// Insert adds physical -> virtual, keeping keys sorted for binary
// search. It fails with ErrModuleMapFull once Capacity entries are
// stored, rather than growing past the bound a real freestanding image
// would allocate for this table.
func (m *ModuleMap) Insert(physical, virtual uint64) error {
	i := sort.Search(len(m.keys), func(i int) bool { return m.keys[i] >= physical })
	if i < len(m.keys) && m.keys[i] == physical {
		m.values[i] = virtual

		return nil
	}

	if len(m.keys) >= m.capacity {
		return ErrModuleMapFull
	}

	m.keys = append(m.keys, 0)
	m.values = append(m.values, 0)
	copy(m.keys[i+1:], m.keys[i:])
	copy(m.values[i+1:], m.values[i:])
	m.keys[i] = physical
	m.values[i] = virtual

	return nil
}

// Lookup returns the virtual address mapped to physical, if any.
func (m *ModuleMap) Lookup(physical uint64) (uint64, bool) {
	i := sort.Search(len(m.keys), func(i int) bool { return m.keys[i] >= physical })
	if i < len(m.keys) && m.keys[i] == physical {
		return m.values[i], true
	}

	return 0, false
}
