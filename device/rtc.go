package device

import "github.com/hlandau/kvmtest/iodev"

// rtcTotalMem64K is the CMOS "extended memory above 16 MiB, in 64 KiB
// units" value this monitor reports for its fixed 1 GiB of guest RAM,
// matching the original's (1GiB - 16MiB) / 64KiB calculation.
const rtcTotalMem64K = (1*1024*1024*1024 - 16*1024*1024) / (64 * 1024)

// RtcActual is the CMOS RAM/register bank addressed indirectly through Rtc's
// address/data port pair: register 0x0B (status B, a plain read/write byte
// initialised to 0x02: 24-hour mode, BCD), 0x0C (status C, always reads as no pending interrupt), 0x0D
// (status D, battery-good bit fixed on) and 0x34/0x35 (extended memory
// size).
type RtcActual struct {
	*iodev.RegisterFile
}

// NewRtcActual builds the CMOS bank; indices without a declared register
// read as 0 and ignore writes.
func NewRtcActual() *RtcActual {
	a := &RtcActual{}

	regs := []*iodev.Register{
		{Name: "statusB", Offset: 0x0B, Width: 8, Initial: 2},
		{Name: "statusC", Offset: 0x0C, Width: 8, RO: true},
		{Name: "statusD", Offset: 0x0D, Width: 8, Initial: 0x80, Set: func(uint64) {}},
		{Name: "extMem", Offset: 0x34, Width: 16, RO: true, Initial: rtcTotalMem64K},
	}

	a.RegisterFile = iodev.NewRegisterFile(0, 0xFF, regs)
	a.RegisterFile.OnUnknownRead = func(addr uint64, width int) (uint64, error) { return 0, nil }
	a.RegisterFile.OnUnknownWrite = func(addr uint64, v uint64, width int) error { return nil }

	return a
}

// Read8 reads one CMOS byte by its RTC-internal register index.
func (a *RtcActual) Read8(reg uint8) uint8 {
	buf := make([]byte, 1)
	a.RegisterFile.Read(uint64(reg), buf)

	return buf[0]
}

// Write8 writes one CMOS byte by its RTC-internal register index.
func (a *RtcActual) Write8(reg, v uint8) {
	a.RegisterFile.Write(uint64(reg), []byte{v})
}

// Rtc is the CMOS index/data port pair at 0x70/0x71: a write to the address
// port latches a register index, then reads/writes of the data port target
// that register in the underlying RtcActual bank.
type Rtc struct {
	*iodev.RegisterFile

	actual  *RtcActual
	addrReg uint8
}

// NewRtc builds the Rtc handler.
func NewRtc() *Rtc {
	d := &Rtc{actual: NewRtcActual()}

	regs := []*iodev.Register{
		{Name: "addr", Offset: 0, Width: 8,
			Get: func() uint64 { return uint64(d.addrReg) },
			Set: func(v uint64) { d.addrReg = uint8(v) }},
		{Name: "data", Offset: 1, Width: 8,
			Get: func() uint64 { return uint64(d.actual.Read8(d.addrReg)) },
			Set: func(v uint64) { d.actual.Write8(d.addrReg, uint8(v)) }},
	}

	d.RegisterFile = iodev.NewRegisterFile(0x70, 2, regs)

	return d
}
