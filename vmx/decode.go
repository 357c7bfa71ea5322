package vmx

import (
	"fmt"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

// DecodeInstructionLength decodes the x86-64 instruction at the guest
// linear address rip and returns its length. The VMCS's own
// exit-instruction-length field is not guaranteed valid for every exit
// reason (notably EPT violations on some processors), so the dispatcher
// falls back to this when it needs to advance guest RIP itself. Guest
// and host share one address space across the late launch, so rip is
// dereferenced directly the way the checkpoint-and-branch context
// capture already treats guest/host linear addresses as interchangeable.
func DecodeInstructionLength(rip uint64) (uint64, error) {
	const maxInstructionBytes = 15

	code := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(rip))), maxInstructionBytes)

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0, fmt.Errorf("vmx: decode instruction at %#x: %w", rip, err)
	}

	return uint64(inst.Len), nil
}
