package flag_test

import (
	"os"
	"testing"

	"github.com/alecthomas/kong"

	"github.com/bobuhiro11/vtxhv/flag"
)

func TestCmdlineLaunchParsing(t *testing.T) { //nolint:paralleltest
	args := os.Args
	defer func() { os.Args = args }()

	os.Args = []string{"vtxhv", "launch", "--cpu", "0", "--module-size", "65536"}

	kong.Parse(&flag.CLI{}, kong.Exit(func(_ int) { t.Fatal("parsing failed") }))
}

func TestCmdlineProbeParsing(t *testing.T) { //nolint:paralleltest
	args := os.Args
	defer func() { os.Args = args }()

	os.Args = []string{"vtxhv", "probe"}

	kong.Parse(&flag.CLI{}, kong.Exit(func(_ int) { t.Fatal("parsing failed") }))
}

func TestCmdlineProbeCPUFlag(t *testing.T) { //nolint:paralleltest
	args := os.Args
	defer func() { os.Args = args }()

	os.Args = []string{"vtxhv", "probe", "--cpu", "1"}

	ctx := kong.Parse(&flag.CLI{}, kong.Exit(func(_ int) { t.Fatal("parsing failed") }))
	if ctx.Command() != "probe" {
		t.Fatalf("got command %q, want probe", ctx.Command())
	}
}
