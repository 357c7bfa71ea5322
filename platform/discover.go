package platform

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
)

const pageSize = 0x1000

// ErrModuleNotFound is returned when no ELF header is found within the
// configured search distance.
var ErrModuleNotFound = errors.New("platform: module base not found")

// Reader gives DiscoverModule page-granularity read access to the
// address space it's searching, independent of how the platform loader
// actually exposes that memory (mmap'd /dev/mem, a driver IOCTL, or
// direct pointer dereference inside the freestanding image).
type Reader interface {
	ReadPage(address uint64) ([pageSize]byte, error)
}

// DiscoverModule scans backward, one page at a time, from a virtual
// address known to fall somewhere inside the loaded module (typically
// the address of an exported symbol resolved by the host OS's own
// loader), looking for the ELF magic number that marks the module's base
// address. It gives up after maxPages without a match.
func DiscoverModule(r Reader, symbolVA uint64, maxPages int) (base uint64, err error) {
	address := symbolVA &^ (pageSize - 1)

	for i := 0; i < maxPages; i++ {
		page, err := r.ReadPage(address)
		if err != nil {
			return 0, fmt.Errorf("platform: read page at %#x: %w", address, err)
		}

		if bytes.HasPrefix(page[:], []byte(elf.ELFMAG)) {
			return address, nil
		}

		if address < pageSize {
			break
		}

		address -= pageSize
	}

	return 0, ErrModuleNotFound
}

// ModuleSize returns the size of the loaded module's image by parsing
// its ELF program headers and returning the highest (vaddr + memsz),
// rounded up to a page, per the loader's own in-memory layout rather
// than the on-disk file size.
func ModuleSize(image []byte) (uint64, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return 0, fmt.Errorf("platform: parse elf: %w", err)
	}
	defer f.Close()

	var max uint64

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		end := p.Vaddr + p.Memsz
		if end > max {
			max = end
		}
	}

	return (max + pageSize - 1) &^ (pageSize - 1), nil
}
