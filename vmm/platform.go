package vmm

import (
	"fmt"
	"os"

	"github.com/hlandau/kvmtest/device"
	"github.com/hlandau/kvmtest/iodev"
	"github.com/hlandau/kvmtest/kvm"
	"github.com/hlandau/kvmtest/memory"
	"github.com/hlandau/kvmtest/pci"
	"github.com/hlandau/kvmtest/scsi"
	"github.com/hlandau/kvmtest/virtio"
)

// Guest-physical layout constants.
const (
	ramBase  = 0
	ramLen   = 1 * 1024 * 1024 * 1024
	fwTop    = 4 * 1024 * 1024 * 1024
	fwMaxLen = 4 * 1024 * 1024
	fwAlign  = 4 * 1024

	resetShadowBase = 1 * 1024 * 1024
	resetShadowLen  = 128 * 1024

	pciEcamBase = 0xB000_0000
	pciEcamLen  = 0x1000_0000
)

// Platform owns every device this monitor exposes to the guest, mounted
// into the two address spaces a vcpu's KVM_EXIT_IO/KVM_EXIT_MMIO dispatch
// resolves against.
type Platform struct {
	IO  *iodev.AddressSpace
	Mem *iodev.AddressSpace

	PCI  *pci.Subsystem
	PS2  *device.PS2Controller
	Uart [4]*device.Uart

	scsiFunc *virtio.Function
}

// NewPlatform builds the device platform for one VM instance: PCI host
// bridge plumbing, the virtio-scsi function and its backing SCSI targets,
// the legacy PC device set, and the firmware RAM/flash mappings. sysReset
// is invoked when the guest pulses the PS/2 controller's reset line.
func NewPlatform(mem *memory.Manager, vm *kvm.VM, cfg Config, sysReset func() error) (*Platform, error) {
	p := &Platform{
		IO:  iodev.NewAddressSpace("io", 0, 1<<16),
		Mem: iodev.NewAddressSpace("mem", 0, 1<<48),
	}

	if err := p.mapFirmware(mem, cfg); err != nil {
		return nil, err
	}

	scsiSubsystem, err := scsi.NewHostSubsystem(cfg.Disk, cfg.Optical)
	if err != nil {
		return nil, fmt.Errorf("vmm: building scsi subsystem: %w", err)
	}

	p.PCI = pci.NewSubsystem()
	p.PCI.Insert(pci.NewFunction(pci.NewBDF(0, 0, 0), pci.NewConfig(pci.IdentInfo{
		VendorID: 0x8086,
		DeviceID: 0x29C0, // Q35 MCH host bridge
	}, [6]*pci.Bar{})))

	p.scsiFunc = virtio.New(mem, scsiSubsystem, vm)
	p.PCI.Insert(pci.NewFunction(p.scsiFunc.BDF, p.scsiFunc.Config))

	p.IO.Mount(pci.NewIoCfgDev(p.PCI))
	p.Mem.Mount(pci.NewEcam(pciEcamBase, pciEcamLen, p.PCI))
	p.Mem.Mount(p.scsiFunc.Bar0)

	p.IO.Mount(device.NewPort80())
	p.IO.Mount(device.NewPort92())
	p.IO.Mount(device.NewRtc())
	p.IO.Mount(device.NewQemuDebugOutput())
	p.IO.Mount(device.NewFwCfg())

	acpiPM := device.NewAcpiPM()
	p.IO.Mount(acpiPM)

	p.PS2 = p.IO.Mount(device.NewPS2Controller(vm, func() {
		if err := sysReset(); err != nil {
			fmt.Fprintf(os.Stderr, "vmm: system reset failed: %v\n", err)
		}
	})).(*device.PS2Controller)

	for i := range p.Uart {
		p.Uart[i] = p.IO.Mount(device.NewUart(i)).(*device.Uart)
	}

	p.Mem.Mount(device.NewNoopTPM())

	return p, nil
}

// mapFirmware maps guest RAM and loads the firmware code/vars images: the
// code image is mapped read-only at the top of the 4 GiB address space
// with its final 128 KiB also shadowed at the legacy reset-vector alias
// just under 1 MiB, and the vars image is handled by SysFlash, mounted as
// its own memory-space handler rather than a RAM slot.
func (p *Platform) mapFirmware(mem *memory.Manager, cfg Config) error {
	if _, err := mem.MapNew(ramBase, ramLen, false); err != nil {
		return fmt.Errorf("vmm: mapping guest RAM: %w", err)
	}

	code, err := os.ReadFile(cfg.FwCode)
	if err != nil {
		return fmt.Errorf("vmm: reading firmware code image: %w", err)
	}

	if len(code)%fwAlign != 0 || len(code) > fwMaxLen {
		return fmt.Errorf("vmm: firmware code image %s must be a multiple of %d bytes and at most %d bytes", cfg.FwCode, fwAlign, fwMaxLen)
	}

	codeBase := uint64(fwTop - len(code))

	if _, err := mem.MapNew(codeBase, len(code), true); err != nil {
		return fmt.Errorf("vmm: mapping firmware code image: %w", err)
	}

	if err := mem.Write(codeBase, code); err != nil {
		return fmt.Errorf("vmm: loading firmware code image: %w", err)
	}

	shadowLen := resetShadowLen
	if shadowLen > len(code) {
		shadowLen = len(code)
	}

	shadow := code[len(code)-shadowLen:]
	shadowBase := uint64(resetShadowBase - shadowLen)

	if _, err := mem.MapNew(shadowBase, shadowLen, true); err != nil {
		return fmt.Errorf("vmm: mapping firmware reset-vector shadow: %w", err)
	}

	if err := mem.Write(shadowBase, shadow); err != nil {
		return fmt.Errorf("vmm: loading firmware reset-vector shadow: %w", err)
	}

	flash, err := device.NewSysFlash(cfg.FwVars)
	if err != nil {
		return err
	}

	p.Mem.Mount(flash)

	return nil
}
