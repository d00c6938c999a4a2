package device

import (
	"fmt"
	"os"

	"github.com/hlandau/kvmtest/iodev"
)

// QemuDebugOutput is the QEMU "isa-debugcon" single-byte debug console at
// 0x402: each byte written is buffered and flushed to stdout, prefixed
// "DBG: ", on newline.
type QemuDebugOutput struct {
	*iodev.RegisterFile

	buf []byte
}

// NewQemuDebugOutput builds the debug-console handler.
func NewQemuDebugOutput() *QemuDebugOutput {
	d := &QemuDebugOutput{}

	regs := []*iodev.Register{
		{Name: "r402", Offset: 0, Width: 8, Initial: 0xE9, Set: d.write},
	}

	d.RegisterFile = iodev.NewRegisterFile(0x402, 1, regs)

	return d
}

func (d *QemuDebugOutput) write(v uint64) {
	d.buf = append(d.buf, byte(v))
	if v != '\n' {
		return
	}

	fmt.Fprintf(os.Stdout, "DBG: %s", d.buf)
	d.buf = nil
}
