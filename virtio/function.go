package virtio

import (
	"github.com/hlandau/kvmtest/memory"
	"github.com/hlandau/kvmtest/pci"
	"github.com/hlandau/kvmtest/scsi"
)

// Function is a virtio-scsi-pci device: a PCI function at a fixed BDF
// exposing one memory BAR (Bar0) that a guest driver uses to configure and
// drive the SCSI transport.
type Function struct {
	BDF    pci.BDF
	Config *pci.Config
	Bar0   *Bar0
}

// New builds a virtio-scsi-pci function at BDF (0,2,0), wired to mem for
// guest-memory access, vm for interrupt delivery, and subsystem to execute
// the SCSI commands it receives.
func New(mem *memory.Manager, subsystem scsi.Subsystem, vm IRQRaiser) *Function {
	f := &Function{BDF: pci.NewBDF(0, 2, 0)}

	f.Bar0 = NewBar0(mem, subsystem, vm, func() uint8 { return f.Config.IntrLine() })

	bars := [6]*pci.Bar{
		0: {Kind: pci.BarMem32, Size: uint32(f.Bar0.Len()), Handler: f.Bar0},
	}

	f.Config = newConfig(bars)

	return f
}
