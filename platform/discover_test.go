package platform_test

import (
	"debug/elf"
	"testing"

	"github.com/bobuhiro11/vtxhv/platform"
)

type fakeReader struct {
	pages map[uint64][4096]byte
}

func (f fakeReader) ReadPage(address uint64) ([4096]byte, error) {
	return f.pages[address], nil
}

func TestDiscoverModuleFindsELFMagic(t *testing.T) {
	t.Parallel()

	pages := map[uint64][4096]byte{}

	var base [4096]byte
	copy(base[:], elf.ELFMAG)
	pages[0x1000] = base
	pages[0x2000] = [4096]byte{}

	r := fakeReader{pages: pages}

	got, err := platform.DiscoverModule(r, 0x2500, 4)
	if err != nil {
		t.Fatalf("DiscoverModule: %v", err)
	}

	if got != 0x1000 {
		t.Fatalf("got %#x, want 0x1000", got)
	}
}

func TestDiscoverModuleGivesUp(t *testing.T) {
	t.Parallel()

	r := fakeReader{pages: map[uint64][4096]byte{}}

	_, err := platform.DiscoverModule(r, 0x5000, 2)
	if err != platform.ErrModuleNotFound {
		t.Fatalf("expected ErrModuleNotFound, got %v", err)
	}
}
