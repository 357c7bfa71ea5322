package ept

import "unsafe"

func addrOf[T any](v *T) uintptr {
	return uintptr(unsafe.Pointer(v))
}

func ptrFromAddr(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr)) //nolint:govet // physical/virtual address bookkeeping
}
