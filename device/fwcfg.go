package device

import (
	"log"

	"github.com/hlandau/kvmtest/iodev"
)

// FwCfg is the QEMU fw-cfg selector/data port pair at 0x510/0x511. No
// fw-cfg files are actually served: selecting any item yields an empty
// buffer, so the data register always reads back zero. Present only so a
// guest firmware that probes for fw-cfg doesn't fault.
type FwCfg struct {
	*iodev.RegisterFile

	buf []byte
}

// NewFwCfg builds the fw-cfg handler.
func NewFwCfg() *FwCfg {
	d := &FwCfg{}

	regs := []*iodev.Register{
		{Name: "sel", Offset: 0, Width: 16, AfterSet: d.selectItem},
		{Name: "data", Offset: 1, Width: 8, RO: true, Get: d.readByte},
	}

	d.RegisterFile = iodev.NewRegisterFile(0x510, 2, regs)

	return d
}

func (d *FwCfg) selectItem(v uint64) {
	log.Printf("device: fw-cfg select 0x%x", v)
	d.buf = nil
}

func (d *FwCfg) readByte() uint64 {
	if len(d.buf) == 0 {
		return 0
	}

	v := d.buf[0]
	d.buf = d.buf[1:]

	return uint64(v)
}
