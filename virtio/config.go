// Package virtio implements a virtio 1.0 SCSI host controller: the PCI
// capability chain and common/notify/ISR/device-specific register blocks
// of a single-BAR virtio-scsi-pci device, and the split-ring virtqueue
// consumer that turns driver notifications into SCSI commands.
package virtio

import (
	"github.com/hlandau/kvmtest/iodev"
	"github.com/hlandau/kvmtest/pci"
)

// Virtio feature bits this device understands.
const (
	FeatureVersion1   = 32 // VIRTIO_F_VERSION_1
	FeatureSCSIInOut  = 0  // VIRTIO_SCSI_F_INOUT
)

// virtio-scsi response codes.
const (
	ScsiStatusOK             = 0
	ScsiStatusTargetFailure  = 7
)

// capRegisters adapts an iodev.RegisterFile to pci.CapabilityReader, so the
// five vendor-specific virtio PCI capabilities can be exposed as ordinary
// declarative registers and claimed as a single block of config space.
type capRegisters struct {
	rf *iodev.RegisterFile
}

func (c *capRegisters) Read(reg int) uint32 {
	var buf [4]byte
	if err := c.rf.Read(uint64(reg), buf[:]); err != nil {
		return 0xFFFF_FFFF
	}

	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func (c *capRegisters) Write(reg int, v uint32) {
	buf := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	c.rf.Write(uint64(reg), buf[:])
}

// capBase/capEnd bound the vendor-specific PCI capability chain: common
// cfg, notify, ISR, device-specific and PCI caps, back to back starting at
// cap-ptr 0x40.
const (
	capBase = 0x40
	capEnd  = 0x98
)

func newCapRegisters() *capRegisters {
	regs := []*iodev.Register{
		{Name: "capCommonID", Offset: 0x40, Width: 8, RO: true, Initial: 0x09},
		{Name: "capCommonNext", Offset: 0x41, Width: 8, RO: true, Initial: 0x50},
		{Name: "capCommonLen", Offset: 0x42, Width: 8, RO: true, Initial: 16},
		{Name: "capCommonType", Offset: 0x43, Width: 8, RO: true, Initial: 1},
		{Name: "capCommonBar", Offset: 0x44, Width: 32, RO: true, Initial: 0},
		{Name: "capCommonOffset", Offset: 0x48, Width: 32, RO: true, Initial: 0},
		{Name: "capCommonCfgLen", Offset: 0x4C, Width: 32, RO: true, Initial: 0x38},

		{Name: "capNotifyID", Offset: 0x50, Width: 8, RO: true, Initial: 0x09},
		{Name: "capNotifyNext", Offset: 0x51, Width: 8, RO: true, Initial: 0x64},
		{Name: "capNotifyLen", Offset: 0x52, Width: 8, RO: true, Initial: 20},
		{Name: "capNotifyType", Offset: 0x53, Width: 8, RO: true, Initial: 2},
		{Name: "capNotifyBar", Offset: 0x54, Width: 32, RO: true, Initial: 0},
		{Name: "capNotifyOffset", Offset: 0x58, Width: 32, RO: true, Initial: 0x70},
		{Name: "capNotifyCfgLen", Offset: 0x5C, Width: 32, RO: true, Initial: 2},
		{Name: "capNotifyMul", Offset: 0x60, Width: 32, RO: true, Initial: 2},

		{Name: "capIsrID", Offset: 0x64, Width: 8, RO: true, Initial: 0x09},
		{Name: "capIsrNext", Offset: 0x65, Width: 8, RO: true, Initial: 0x74},
		{Name: "capIsrLen", Offset: 0x66, Width: 8, RO: true, Initial: 16},
		{Name: "capIsrType", Offset: 0x67, Width: 8, RO: true, Initial: 3},
		{Name: "capIsrBar", Offset: 0x68, Width: 32, RO: true, Initial: 0},
		{Name: "capIsrOffset", Offset: 0x6C, Width: 32, RO: true, Initial: 0x40},
		{Name: "capIsrCfgLen", Offset: 0x70, Width: 32, RO: true, Initial: 1},

		{Name: "capDeviceID", Offset: 0x74, Width: 8, RO: true, Initial: 0x09},
		{Name: "capDeviceNext", Offset: 0x75, Width: 8, RO: true, Initial: 0x84},
		{Name: "capDeviceLen", Offset: 0x76, Width: 8, RO: true, Initial: 16},
		{Name: "capDeviceType", Offset: 0x77, Width: 8, RO: true, Initial: 4},
		{Name: "capDeviceBar", Offset: 0x78, Width: 32, RO: true, Initial: 0},
		{Name: "capDeviceOffset", Offset: 0x7C, Width: 32, RO: true, Initial: 0x44},
		{Name: "capDeviceCfgLen", Offset: 0x80, Width: 32, RO: true, Initial: 0x24},

		{Name: "capPciID", Offset: 0x84, Width: 8, RO: true, Initial: 0x09},
		{Name: "capPciNext", Offset: 0x85, Width: 8, RO: true, Initial: 0},
		{Name: "capPciLen", Offset: 0x86, Width: 8, RO: true, Initial: 20},
		{Name: "capPciType", Offset: 0x87, Width: 8, RO: true, Initial: 5},
		{Name: "capPciBar", Offset: 0x88, Width: 32, RO: true, Initial: 0},
		{Name: "capPciOffset", Offset: 0x8C, Width: 32, RO: true, Initial: 0},
		{Name: "capPciCfgLen", Offset: 0x90, Width: 32, RO: true, Initial: 0},
		{Name: "capPciData", Offset: 0x94, Width: 32, RO: true, Initial: 0},
	}

	return &capRegisters{rf: iodev.NewRegisterFile(capBase, capEnd-capBase, regs)}
}

// newConfig builds the PCI type-0 config space of a virtio-scsi-pci
// function: a standard header plus the vendor-specific capability chain
// advertising the common/notify/ISR/device-specific regions of BAR0.
func newConfig(bars [6]*pci.Bar) *pci.Config {
	ident := pci.IdentInfo{
		VendorID:          0x1af4,
		DeviceID:          0x1048,
		Revision:          1,
		ClassCode:         0,
		SubClass:          0,
		ProgIf:            0,
		SubsystemVendorID: 0x1af4,
		SubsystemID:       0x0048,
		CapPtr:            capBase,
		IntrPin:           1,
	}

	c := pci.NewConfig(ident, bars)
	caps := newCapRegisters()
	c.RegisterCapability(capBase, (capEnd-capBase)/4, caps)

	return c
}
