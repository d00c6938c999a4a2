package pci

import "github.com/hlandau/kvmtest/iodev"

// IoCfgPort is the base I/O port of the legacy CF8 (address)/CFC (data)
// register pair.
const IoCfgPort = 0xCF8

// IoCfgDev implements the CF8/CFC I/O port pair giving legacy access to PCI
// configuration space: a write to CF8 latches a BDF and register number,
// and CFC then reads or writes that register.
//
// The register number is masked to its low byte with bit 1:0 cleared
// (reg = cf8 & 0xFC), keeping register accesses 4-byte aligned as the
// legacy mechanism requires.
type IoCfgDev struct {
	*iodev.RegisterFile

	subsystem *Subsystem
	cf8       uint32
}

// NewIoCfgDev creates the CF8/CFC handler for the given PCI domain.
func NewIoCfgDev(subsystem *Subsystem) *IoCfgDev {
	d := &IoCfgDev{subsystem: subsystem}

	regs := []*iodev.Register{
		{
			Name:   "cf8",
			Offset: 0,
			Width:  32,
			Get:    func() uint64 { return uint64(d.cf8) },
			Set:    func(v uint64) { d.cf8 = uint32(v) },
		},
		{
			Name:   "cfc",
			Offset: 4,
			Width:  32,
			Get:    d.readCfc,
			Set:    d.writeCfc,
		},
	}

	d.RegisterFile = iodev.NewRegisterFile(IoCfgPort, 8, regs)

	return d
}

func (d *IoCfgDev) decode() (BDF, uint16) {
	cf8 := d.cf8 & 0x7FFF_FFFF
	bdf := BDF(cf8 >> 8)
	reg := uint16(cf8 & 0xFC)

	return bdf, reg
}

func (d *IoCfgDev) readCfc() uint64 {
	bdf, reg := d.decode()

	return uint64(d.subsystem.CfgRead(bdf, reg))
}

func (d *IoCfgDev) writeCfc(v uint64) {
	bdf, reg := d.decode()

	d.subsystem.CfgWrite(bdf, reg, uint32(v))
}
