package amd64

import (
	"fmt"
	"os"
)

// msrDevice reads and writes model-specific registers through the Linux
// /dev/cpu/N/msr character device, using pread/pwrite at an offset equal
// to the MSR index — the same mechanism the rdmsr/wrmsr userspace tools
// use. This lets the MTRR reader and the VMX capability-MSR cache be
// exercised from a hosted diagnostic/probe context without resorting to
// a privileged RDMSR/WRMSR instruction, which would fault outside ring 0.
type msrDevice struct {
	cpu int
}

func newMSRDevice(cpu int) msrDevice {
	return msrDevice{cpu: cpu}
}

func (m msrDevice) path() string {
	return fmt.Sprintf("/dev/cpu/%d/msr", m.cpu)
}

func (m msrDevice) ReadMSR(index uint32) (uint64, error) {
	f, err := os.OpenFile(m.path(), os.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", m.path(), err)
	}
	defer f.Close()

	var buf [8]byte
	if _, err := f.ReadAt(buf[:], int64(index)); err != nil {
		return 0, fmt.Errorf("pread msr 0x%x: %w", index, err)
	}

	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}

	return v, nil
}

func (m msrDevice) WriteMSR(index uint32, value uint64) error {
	f, err := os.OpenFile(m.path(), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", m.path(), err)
	}
	defer f.Close()

	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(value)
		value >>= 8
	}

	if _, err := f.WriteAt(buf[:], int64(index)); err != nil {
		return fmt.Errorf("pwrite msr 0x%x: %w", index, err)
	}

	return nil
}

// Hardware is the real cpu.Ops implementation for an amd64 host, backing
// the unprivileged CPUID path with the CPUID instruction and the MSR path
// with /dev/cpu/N/msr. The remaining privileged primitives (control
// registers, descriptor tables, the VMX instruction set, and context
// capture/restore) are declared here and implemented in assembly; they
// are only meaningful when this code runs as part of the freestanding
// hypervisor image in VMX root or ring 0, never inside a hosted process.
type Hardware struct {
	CPU int
}

func (h Hardware) ReadMSR(index uint32) (uint64, error) {
	return newMSRDevice(h.CPU).ReadMSR(index)
}

func (h Hardware) WriteMSR(index uint32, value uint64) error {
	return newMSRDevice(h.CPU).WriteMSR(index, value)
}
