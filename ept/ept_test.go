package ept_test

import (
	"testing"

	"github.com/bobuhiro11/vtxhv/ept"
	"github.com/bobuhiro11/vtxhv/mtrr"
	"github.com/bobuhiro11/vtxhv/pagetable"
)

type identityTranslator struct{}

func (identityTranslator) VirtualToPhysical(addr uint64) (uint64, error) { return addr, nil }

func TestBuildIdentityMapsWriteBackByDefault(t *testing.T) {
	t.Parallel()

	table := ept.NewTable(8)
	if err := table.Build(identityTranslator{}, nil); err != nil {
		t.Fatalf("Build: %v", err)
	}

	epde := table.EPD[0][0]
	if !epde.Large() || !epde.Read() || !epde.Write() || !epde.Execute() {
		t.Fatalf("expected RWX large epde, got %#x", uint64(epde))
	}

	if epde.Type() != mtrr.WriteBack {
		t.Fatalf("expected write-back default, got %v", epde.Type())
	}
}

func TestProtectDemotesAndClearsModulePages(t *testing.T) {
	t.Parallel()

	table := ept.NewTable(4)
	if err := table.Build(identityTranslator{}, nil); err != nil {
		t.Fatalf("Build: %v", err)
	}

	moduleMap := pagetable.NewModuleMap(pagetable.DefaultModuleMapCapacity)

	const moduleBase = 0x200000 // aligned to a 2 MiB boundary
	const moduleSize = 0x1000 * 3

	if err := table.Protect(identityTranslator{}, moduleBase, moduleSize, moduleMap); err != nil {
		t.Fatalf("Protect: %v", err)
	}

	epdeIndex1 := uint64(moduleBase) >> 30
	epdeIndex2 := (uint64(moduleBase) >> 21) & 0x1ff
	epde := table.EPD[epdeIndex1][epdeIndex2]

	if epde.Large() {
		t.Fatalf("expected epde to be demoted")
	}

	if moduleMap.Len() != 1 {
		t.Fatalf("expected exactly one demoted table recorded, got %d", moduleMap.Len())
	}

	small := table.Pool[0]
	for i := 0; i < 3; i++ {
		if e := small[i]; e.Read() || e.Write() || e.Execute() || e.ExecuteUser() {
			t.Fatalf("module page %d still accessible: %#x", i, uint64(e))
		}
	}

	if e := small[3]; !e.Read() || !e.Write() || !e.Execute() {
		t.Fatalf("page after the module lost access: %#x", uint64(e))
	}
}

func TestProtectReturnsErrOutOfEPTEntriesWhenPoolExhausted(t *testing.T) {
	t.Parallel()

	table := ept.NewTable(0)
	if err := table.Build(identityTranslator{}, nil); err != nil {
		t.Fatalf("Build: %v", err)
	}

	moduleMap := pagetable.NewModuleMap(pagetable.DefaultModuleMapCapacity)

	err := table.Protect(identityTranslator{}, 0x400000, 0x1000, moduleMap)
	if err != ept.ErrOutOfEPTEntries {
		t.Fatalf("expected ErrOutOfEPTEntries, got %v", err)
	}
}
