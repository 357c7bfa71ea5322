// Package amd64 is the real, assembly-backed implementation of cpu.Ops.
package amd64

func cpuidLow(eax, ecx uint32) (a, b, c, d uint32) // implemented in cpuid_amd64.s

// CPUID executes the CPUID instruction for the given leaf/subleaf.
func (Hardware) CPUID(eax, ecx uint32) (a, b, c, d uint32) {
	return cpuidLow(eax, ecx)
}
