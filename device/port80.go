// Package device implements the legacy PC/ICH9-style devices a Q35
// platform's I/O and memory address spaces mount: POST code and A20/reset
// ports, the RTC, 16550 UARTs, PS/2 controller and keyboard, the QEMU
// debug-console and fw-cfg stubs, the ACPI PM stub registers, the system
// flash state machine, and a no-op TPM TIS window.
package device

import "github.com/hlandau/kvmtest/iodev"

// Port80 is the legacy POST-code / Linux io_delay scratch port. r00 is a
// plain read/write scratch byte; offset 7 reads back 0xFF, matching
// Linux's i8237.c DMA controller probe.
type Port80 struct {
	*iodev.RegisterFile
}

// NewPort80 builds the Port80 handler at 0x80..0x8F.
func NewPort80() *Port80 {
	d := &Port80{}

	regs := []*iodev.Register{
		{Name: "r00", Offset: 0x00, Width: 8},
		{Name: "r07", Offset: 0x07, Width: 8, RO: true, Initial: 0xFF},
	}

	d.RegisterFile = iodev.NewRegisterFile(0x80, 16, regs)

	return d
}
