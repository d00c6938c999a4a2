package device

import (
	"log"

	"github.com/hlandau/kvmtest/iodev"
)

// AcpiCnt is the ACPI PM control register at 0x604. No sleep state is
// actually implemented: reads return 0, writes are logged and dropped.
type AcpiCnt struct {
	*iodev.RegisterFile
}

// NewAcpiCnt builds the ACPI PM control register handler.
func NewAcpiCnt() *AcpiCnt {
	d := &AcpiCnt{}

	regs := []*iodev.Register{
		{Name: "r", Offset: 0, Width: 16, Get: d.get, Set: d.set},
	}

	d.RegisterFile = iodev.NewRegisterFile(0x604, 4, regs)

	return d
}

func (d *AcpiCnt) get() uint64 {
	return 0
}

func (d *AcpiCnt) set(v uint64) {
	log.Printf("device: ACPI-CNT set 0x%x", v)
}

// AcpiTmr is the ACPI PM timer register at 0x608: a free-running counter a
// guest reads to measure elapsed time, incremented on every read rather
// than driven by wall-clock time (matching the original's fixed per-read
// step).
type AcpiTmr struct {
	*iodev.RegisterFile

	v uint32
}

// NewAcpiTmr builds the ACPI PM timer register handler.
func NewAcpiTmr() *AcpiTmr {
	d := &AcpiTmr{}

	regs := []*iodev.Register{
		{Name: "r", Offset: 0, Width: 32, RO: true, Get: d.get},
	}

	d.RegisterFile = iodev.NewRegisterFile(0x608, 4, regs)

	return d
}

func (d *AcpiTmr) get() uint64 {
	d.v += 1000

	return uint64(d.v)
}

// AcpiPM is the nested address space at 0x600..0x67F mounting only the
// control and timer registers the rest of the window is left unmapped.
type AcpiPM struct {
	*iodev.AddressSpace

	Cnt *AcpiCnt
	Tmr *AcpiTmr
}

// NewAcpiPM builds the ACPI PM nested address space.
func NewAcpiPM() *AcpiPM {
	as := iodev.NewAddressSpace("acpi-pm", 0x600, 0x80)
	pm := &AcpiPM{AddressSpace: as}

	pm.Cnt = as.Mount(NewAcpiCnt()).(*AcpiCnt)
	pm.Tmr = as.Mount(NewAcpiTmr()).(*AcpiTmr)

	return pm
}
