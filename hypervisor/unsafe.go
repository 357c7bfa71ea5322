package hypervisor

import "unsafe"

// ptrOf returns the address of v as an integer, the same convention
// pagetable and ept use throughout this module for "physical or
// virtual address" depending on context: the hypervisor's own data
// structures live in ordinary Go memory, and their Go address stands in
// for the linear address the real assembly primitives would use.
func ptrOf[T any](v *T) uintptr {
	return uintptr(unsafe.Pointer(v))
}

func bytesAt(address uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(address)), length)
}

// identityPhysical is the Translator used to give the host table a
// present mapping for the hypervisor's own auxiliary structures (the
// EPT table, the MSR bitmap, each CPU's VMXON and VMCS regions): they
// live in ordinary Go memory rather than inside the module's own
// [moduleBase, moduleBase+moduleSize) range, but the host table still
// needs to resolve their addresses to a physical address once it
// switches CR3, so they are mapped identity (physical == virtual) the
// same way the table maps itself.
type identityPhysical struct{}

func (identityPhysical) VirtualToPhysical(addr uint64) (uint64, error) { return addr, nil }
