package device

import "github.com/hlandau/kvmtest/iodev"

// Port92 is the legacy A20-gate/fast-reset port. This device does not
// implement A20 masking or reset, so writes are accepted and dropped.
type Port92 struct {
	*iodev.RegisterFile
}

// NewPort92 builds the Port92 handler at 0x92.
func NewPort92() *Port92 {
	d := &Port92{}

	regs := []*iodev.Register{
		{Name: "r", Offset: 0, Width: 8, Set: func(uint64) {}},
	}

	d.RegisterFile = iodev.NewRegisterFile(0x92, 1, regs)

	return d
}
