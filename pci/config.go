package pci

import (
	"fmt"

	"github.com/hlandau/kvmtest/iodev"
)

// BarKind distinguishes the two BAR address-decode rules a type-0 header
// supports: I/O-space (16-bit ports) and 32-bit memory space.
type BarKind int

const (
	BarIO BarKind = iota
	BarMem32
)

// Bar describes one base-address-register slot: its decoded size and kind,
// plus the handler it repositions on write (typically a memory-window
// AddressSpace or a RAM-backed slot).
type Bar struct {
	Kind    BarKind
	Size    uint32
	Handler BarHandler
}

// BarHandler receives the guest-programmed base address for a BAR.
type BarHandler interface {
	SetBase(addr uint64)
}

// IdentInfo is the static device-identification and classification data a
// Function exposes through its config space.
type IdentInfo struct {
	VendorID         uint16
	DeviceID         uint16
	Revision         uint8
	ProgIf           uint8
	SubClass         uint8
	ClassCode        uint8
	SubsystemVendorID uint16
	SubsystemID      uint16
	CapPtr           uint8
	IntrPin          uint8
}

// Config is a type-0 PCI configuration space register file, 4 KiB of
// address space (the legacy 256-byte header plus PCIe extended space, left
// as unknown-register territory unless a capability chain claims it).
type Config struct {
	*iodev.RegisterFile

	ident    IdentInfo
	command  uint16
	bars     [6]*Bar
	barValue [6]uint32
	caps     map[int]CapabilityReader

	cacheLineSize uint8
	intrLine      uint8
	expRomBase    uint32
}

// CapabilityReader lets a capability (e.g. virtio's vendor-specific PCI
// capabilities) claim a byte range of config space beyond the standard
// header.
type CapabilityReader interface {
	Read(reg int) uint32
	Write(reg int, v uint32)
}

// NewConfig builds a type-0 config-space register file for a function with
// the given identification data and BAR set. bars[i] may be nil for an
// unimplemented BAR.
func NewConfig(ident IdentInfo, bars [6]*Bar) *Config {
	c := &Config{ident: ident, bars: bars, caps: map[int]CapabilityReader{}}

	regs := []*iodev.Register{
		{Name: "vendorID", Offset: 0x00, Width: 16, RO: true, Get: func() uint64 { return uint64(c.ident.VendorID) }},
		{Name: "deviceID", Offset: 0x02, Width: 16, RO: true, Get: func() uint64 { return uint64(c.ident.DeviceID) }},
		{Name: "command", Offset: 0x04, Width: 16,
			Get: func() uint64 { return uint64(c.command) },
			Set: func(v uint64) { c.command = uint16(v) }},
		{Name: "status", Offset: 0x06, Width: 16, RO: true, Initial: 0x0010}, // capabilities list present
		{Name: "revision", Offset: 0x08, Width: 8, RO: true, Get: func() uint64 { return uint64(c.ident.Revision) }},
		{Name: "progIf", Offset: 0x09, Width: 8, RO: true, Get: func() uint64 { return uint64(c.ident.ProgIf) }},
		{Name: "subclass", Offset: 0x0A, Width: 8, RO: true, Get: func() uint64 { return uint64(c.ident.SubClass) }},
		{Name: "classCode", Offset: 0x0B, Width: 8, RO: true, Get: func() uint64 { return uint64(c.ident.ClassCode) }},
		{Name: "cacheLineSize", Offset: 0x0C, Width: 8,
			Get: func() uint64 { return uint64(c.cacheLineSize) },
			Set: func(v uint64) { c.cacheLineSize = uint8(v) }},
		{Name: "latencyTimer", Offset: 0x0D, Width: 8, RO: true},
		{Name: "headerType", Offset: 0x0E, Width: 8, RO: true},
		{Name: "bist", Offset: 0x0F, Width: 8, RO: true},
		c.barRegister(0, 0x10), c.barRegister(1, 0x14), c.barRegister(2, 0x18),
		c.barRegister(3, 0x1C), c.barRegister(4, 0x20), c.barRegister(5, 0x24),
		{Name: "cardbusCisPtr", Offset: 0x28, Width: 32, RO: true},
		{Name: "subsystemVendorID", Offset: 0x2C, Width: 16, RO: true, Get: func() uint64 { return uint64(c.ident.SubsystemVendorID) }},
		{Name: "subsystemID", Offset: 0x2E, Width: 16, RO: true, Get: func() uint64 { return uint64(c.ident.SubsystemID) }},
		{Name: "expansionRomBaseAddr", Offset: 0x30, Width: 32,
			Get: func() uint64 { return uint64(c.expRomBase) },
			Set: func(v uint64) { c.expRomBase = uint32(v) }},
		{Name: "capPtr", Offset: 0x34, Width: 8, RO: true, Get: func() uint64 { return uint64(c.ident.CapPtr) }},
		{Name: "rsvd35", Offset: 0x35, Width: 8, RO: true},
		{Name: "rsvd36", Offset: 0x36, Width: 16, RO: true},
		{Name: "rsvd38", Offset: 0x38, Width: 32, RO: true},
		{Name: "intrLine", Offset: 0x3C, Width: 8,
			Get: func() uint64 { return uint64(c.intrLine) },
			Set: func(v uint64) { c.intrLine = uint8(v) }},
		{Name: "intrPin", Offset: 0x3D, Width: 8, RO: true, Get: func() uint64 { return uint64(c.ident.IntrPin) }},
		{Name: "minGrant", Offset: 0x3E, Width: 8, RO: true},
		{Name: "maxLatency", Offset: 0x3F, Width: 8, RO: true},
	}

	c.RegisterFile = iodev.NewRegisterFile(0, 4096, regs)
	c.RegisterFile.OnUnknownRead = c.onUnknownRead
	c.RegisterFile.OnUnknownWrite = c.onUnknownWrite

	return c
}

// IntrLine returns the legacy interrupt line currently programmed into
// config space (offset 0x3C), the line a device's interrupt source should
// assert on the VM's IRQ chip.
func (c *Config) IntrLine() uint8 { return c.intrLine }

func (c *Config) barRegister(barNo int, offset int) *iodev.Register {
	return &iodev.Register{
		Name:   fmt.Sprintf("bar%d", barNo),
		Offset: offset,
		Width:  32,
		Get:    func() uint64 { return uint64(c.barValue[barNo]) },
		Set:    func(v uint64) { c.setBar(barNo, uint32(v)) },
	}
}

func (c *Config) setBar(barNo int, v uint32) {
	b := c.bars[barNo]
	if b == nil {
		return
	}

	var vv uint32

	switch b.Kind {
	case BarIO:
		vv = (v & 0xFFFF_FFFC) | 1
	case BarMem32:
		vv = (v & 0xFFFF_FFF0) &^ (b.Size - 1)
	}

	c.barValue[barNo] = vv

	if b.Handler != nil {
		b.Handler.SetBase(uint64(vv))
	}
}

// RegisterCapability claims a 4-byte-aligned offset range of config space
// for a vendor-specific/extended capability (e.g. virtio's PCI caps).
func (c *Config) RegisterCapability(offsetStart int, words int, cap CapabilityReader) {
	for i := 0; i < words; i++ {
		c.caps[offsetStart+i*4] = cap
	}
}

func (c *Config) onUnknownRead(addr uint64, width int) (uint64, error) {
	reg := int(addr)
	base := reg &^ 0x3

	if cap, ok := c.caps[base]; ok {
		return uint64(cap.Read(base)) >> (8 * uint(reg-base)), nil
	}

	return 0xFFFF_FFFF, nil
}

func (c *Config) onUnknownWrite(addr uint64, v uint64, width int) error {
	reg := int(addr)
	base := reg &^ 0x3

	if cap, ok := c.caps[base]; ok {
		cap.Write(base, uint32(v))
	}

	return nil
}
