package pagetable

import "unsafe"

// ptrOf returns the process-local address backing v, used as the
// "virtual address" argument when this table asks another table/view to
// translate one of its own backing pages.
func ptrOf[T any](v *T) uintptr {
	return uintptr(unsafe.Pointer(v))
}

func uintptrToPointer(p uintptr) unsafe.Pointer {
	return unsafe.Pointer(p) //nolint:govet // intentional raw conversion for physical memory access
}
