package vmx

// MSRBitmap is a 4 KiB page; every bit left clear means accessing that
// MSR does not cause a VM exit. This hypervisor does not intercept any
// MSR access, so the bitmap stays zeroed.
type MSRBitmap [0x1000]byte

// Region is one page-sized VMXON or VMCS region: a 32-bit revision
// identifier followed by opaque, processor-defined data.
type Region struct {
	RevisionID uint32
	_          uint32
	Data       [0x1000 - 8]byte
}
