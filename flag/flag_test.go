package flag_test

import (
	"os"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/hlandau/kvmtest/flag"
)

func TestCmdlineBootParsingAcceptsRequiredFlags(t *testing.T) {
	t.Parallel()

	var cli flag.CLI

	p, err := kong.New(&cli)
	if err != nil {
		t.Fatalf("kong.New failed: %v", err)
	}

	if _, err := p.Parse([]string{
		"boot",
		"--fwcode", "/tmp/code.fd",
		"--fwvars", "/tmp/vars.fd",
	}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cli.Boot.FwCode != "/tmp/code.fd" || cli.Boot.FwVars != "/tmp/vars.fd" {
		t.Fatalf("have FwCode=%q FwVars=%q, want /tmp/code.fd /tmp/vars.fd", cli.Boot.FwCode, cli.Boot.FwVars)
	}
}

func TestCmdlineBootParsingRejectsMissingFwVars(t *testing.T) {
	t.Parallel()

	var cli flag.CLI

	p, err := kong.New(&cli)
	if err != nil {
		t.Fatalf("kong.New failed: %v", err)
	}

	if _, err := p.Parse([]string{"boot", "--fwcode", "/tmp/code.fd"}); err == nil {
		t.Fatalf("expected Parse to fail with --fwvars missing")
	}
}

func TestCmdlineProbeParsing(t *testing.T) {
	t.Parallel()

	var cli flag.CLI

	p, err := kong.New(&cli)
	if err != nil {
		t.Fatalf("kong.New failed: %v", err)
	}

	if _, err := p.Parse([]string{"probe"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
}

func TestParseUsesOSArgs(t *testing.T) {
	t.Parallel()

	args := os.Args
	defer func() { os.Args = args }()

	os.Args = []string{"kvmtest", "probe"}

	var cli flag.CLI

	ctx := kong.Parse(&cli, kong.Name("kvmtest"), kong.Exit(func(code int) {
		t.Fatalf("parsing os.Args failed with exit code %d", code)
	}))

	if ctx.Command() != "probe" {
		t.Fatalf("have command %q, want probe", ctx.Command())
	}
}
