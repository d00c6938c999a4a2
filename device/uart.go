package device

import (
	"fmt"
	"os"
	"regexp"

	"github.com/hlandau/kvmtest/iodev"
)

var ansiEscape = regexp.MustCompile("\x1B\\[[^a-zA-Z]*[a-zA-Z]")

// Uart is a 16550-style serial port. It implements just enough of the
// register set for a guest's console driver to work: the transmit-holding
// and divisor-latch overlay on dr/ier (selected by LCR's DLAB bit), and a
// line-buffered stdout sink that flushes on newline with ANSI escapes
// stripped, matching the host-side "COMn: ..." logging the original gives
// each port.
type Uart struct {
	*iodev.RegisterFile

	n   int
	ier uint8
	lcr uint8
	div uint16
	buf []byte
}

// uartBases are the four legacy COM port base addresses, in port order.
var uartBases = [4]uint64{0x3F8, 0x2F8, 0x3E8, 0x2E8}

// NewUart builds the UART for logical port n (0 = COM1 .. 3 = COM4).
func NewUart(n int) *Uart {
	u := &Uart{n: n}

	regs := []*iodev.Register{
		{Name: "dr", Offset: 0x00, Width: 8, Get: u.getDR, Set: u.setDR},
		{Name: "ier", Offset: 0x01, Width: 8, Get: u.getIER, Set: u.setIER},
		{Name: "fcr", Offset: 0x02, Width: 8},
		{Name: "lcr", Offset: 0x03, Width: 8,
			Get: func() uint64 { return uint64(u.lcr) },
			Set: func(v uint64) { u.lcr = uint8(v) }},
		{Name: "mcr", Offset: 0x04, Width: 8},
		{Name: "lsr", Offset: 0x05, Width: 8, RO: true, Initial: (1 << 5) | (1 << 6)}, // THRE|TEMT
		{Name: "msr", Offset: 0x06, Width: 8, RO: true, Initial: 0xB0},
		{Name: "scr", Offset: 0x07, Width: 8},
	}

	u.RegisterFile = iodev.NewRegisterFile(uartBases[n], 8, regs)

	return u
}

func (u *Uart) dlab() bool { return u.lcr&0x80 != 0 }

func (u *Uart) getDR() uint64 {
	if u.dlab() {
		return uint64(u.div & 0xFF)
	}

	return 0
}

func (u *Uart) setDR(v uint64) {
	if u.dlab() {
		u.div = (u.div & 0xFF00) | uint16(v)

		return
	}

	u.outputChar(byte(v))
}

func (u *Uart) getIER() uint64 {
	if u.dlab() {
		return uint64(u.div >> 8)
	}

	return uint64(u.ier)
}

func (u *Uart) setIER(v uint64) {
	if u.dlab() {
		u.div = (u.div & 0xFF) | (uint16(v) << 8)

		return
	}

	u.ier = uint8(v)
}

func (u *Uart) outputChar(v byte) {
	u.buf = append(u.buf, v)
	if v != '\n' {
		return
	}

	fmt.Fprintf(os.Stdout, "COM%d: %s", u.n+1, ansiEscape.ReplaceAll(u.buf, nil))
	os.Stdout.Sync()
	u.buf = nil
}
