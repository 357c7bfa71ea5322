package mtrr_test

import (
	"testing"

	"github.com/bobuhiro11/vtxhv/cpu/cputest"
	"github.com/bobuhiro11/vtxhv/mtrr"
)

func TestReadAndLookup(t *testing.T) {
	t.Parallel()

	ops := cputest.New()
	ops.MSRs[0xfe] = 1 // one variable-range register

	// base=0 type=WriteBack(6), mask covers 0x1000 bytes, valid.
	ops.MSRs[0x200] = uint64(mtrr.WriteBack)
	ops.MSRs[0x201] = (1 << 11) | (^uint64(0xfff))

	table, err := mtrr.Read(ops)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if len(table.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(table.Entries))
	}

	if got := table.Lookup(0x500); got != mtrr.WriteBack {
		t.Fatalf("lookup in range: got %v", got)
	}

	if got := table.Lookup(0x10000); got != mtrr.WriteBack {
		t.Fatalf("default fallback: got %v", got)
	}
}

func TestLookupFallsBackWhenNoEntries(t *testing.T) {
	t.Parallel()

	table := &mtrr.Table{}
	if got := table.Lookup(0x1234); got != mtrr.WriteBack {
		t.Fatalf("expected WriteBack default, got %v", got)
	}
}
