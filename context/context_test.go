package context_test

import (
	"testing"

	"github.com/bobuhiro11/vtxhv/context"
	"github.com/bobuhiro11/vtxhv/cpu/cputest"
)

func TestCaptureRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	ops := cputest.New()

	var ctx context.Context
	ctx.RAX = 0xdead

	resumed := context.Capture(ops, &ctx)
	if resumed {
		t.Fatalf("first capture reported resumed")
	}

	context.Restore(ops, &ctx)

	resumed = context.Capture(ops, &ctx)
	if !resumed {
		t.Fatalf("capture after restore did not report resumed")
	}
}

func TestSize(t *testing.T) {
	t.Parallel()

	if context.Size != 0x3a0 {
		t.Fatalf("unexpected context size constant: %#x", context.Size)
	}
}
