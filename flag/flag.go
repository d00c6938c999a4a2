// Package flag implements the command-line interface: a "boot" subcommand
// that runs a guest under the monitor and a "probe" subcommand that dumps
// the host kernel's supported CPUID entries, plus a top-level CPU-profiling switch
// shared by both.
package flag

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"

	"github.com/hlandau/kvmtest/probe"
	"github.com/hlandau/kvmtest/term"
	"github.com/hlandau/kvmtest/vmm"
)

// BootCmd runs a guest to completion (or until it halts/shuts down) under
// the given firmware and disk images.
type BootCmd struct {
	FwCode  string `name:"fwcode" help:"UEFI firmware code image (read-only)." required:""`
	FwVars  string `name:"fwvars" help:"UEFI firmware variable-store image (read-write)." required:""`
	Disk    string `help:"Disk image exposed as the virtio-scsi disk LUN." optional:""`
	Optical string `help:"ISO image exposed as the virtio-scsi optical LUN." optional:""`
}

func (c *BootCmd) Run() error {
	m := vmm.New(vmm.Config{
		FwCode:  c.FwCode,
		FwVars:  c.FwVars,
		Disk:    c.Disk,
		Optical: c.Optical,
	})

	if err := m.Init(); err != nil {
		return fmt.Errorf("flag: initializing monitor: %w", err)
	}
	defer m.Close()

	if err := m.Setup(); err != nil {
		return fmt.Errorf("flag: setting up monitor: %w", err)
	}

	restore, err := term.SetRawMode()
	if err != nil {
		return fmt.Errorf("flag: putting terminal into raw mode: %w", err)
	}
	defer restore()

	go m.ReadInputLoop(os.Stdin)

	return m.Run()
}

// ProbeCmd dumps the host kernel's supported CPUID leaves, a quick sanity
// check for "will this host even run a guest" independent of any firmware.
type ProbeCmd struct{}

func (c *ProbeCmd) Run() error {
	return probe.CPUID()
}

// CLI is the top-level command-line grammar.
type CLI struct {
	Profile bool `help:"Write a CPU profile to a temporary directory on exit."`

	Boot  BootCmd  `cmd:"" help:"Boot a guest."`
	Probe ProbeCmd `cmd:"" help:"Probe host KVM capabilities."`
}

// Parse parses os.Args, runs the selected subcommand, and returns any
// error it produces.
func Parse() error {
	var cli CLI

	ctx := kong.Parse(&cli,
		kong.Name("kvmtest"),
		kong.Description("A minimal KVM-based virtual machine monitor."),
		kong.UsageOnError(),
	)

	if cli.Profile {
		defer profile.Start(profile.CPUProfile).Stop()
	}

	return ctx.Run()
}
