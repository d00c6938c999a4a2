package kvm

import (
	"fmt"
	"unsafe"
)

// VM is a handle to a created virtual machine instance.
type VM struct {
	hv *Hypervisor
	fd int
}

func (vm *VM) ioctl(op uintptr, arg uintptr) (uintptr, error) {
	return ioctl(uintptr(vm.fd), op, arg)
}

// Close closes the VM's file descriptor.
func (vm *VM) Close() error {
	return closeFd(vm.fd)
}

// SetTSSAddr configures the 3-page TSS region Intel hosts require to be
// set aside before any vcpu can run in protected or long mode.
func (vm *VM) SetTSSAddr(addr uint64) error {
	if _, err := vm.ioctl(kvmSetTSSAddr, uintptr(addr)); err != nil {
		return fmt.Errorf("SET_TSS_ADDR: %w", err)
	}

	return nil
}

// UserspaceMemoryRegion describes a guest-physical memory slot backed by a
// userspace host address, matching struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const memRegionReadonly = 1 << 1

// SetReadonly marks the region as read-only from the guest's perspective.
func (r *UserspaceMemoryRegion) SetReadonly() { r.Flags |= memRegionReadonly }

// SetUserMemoryRegion registers or updates a guest-physical memory slot.
// Per the error-handling policy, failures here are not treated as fatal by
// the memory manager: they are returned to the caller, who logs rather than
// aborting the VM.
func (vm *VM) SetUserMemoryRegion(r *UserspaceMemoryRegion) error {
	if _, err := vm.ioctl(kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(r))); err != nil {
		return fmt.Errorf("SET_USER_MEMORY_REGION: %w", err)
	}

	return nil
}

// CreateIRQChip creates the in-kernel IRQ chip (PIC/IOAPIC) model.
func (vm *VM) CreateIRQChip() error {
	if _, err := vm.ioctl(kvmCreateIRQChip, 0); err != nil {
		return fmt.Errorf("CREATE_IRQCHIP: %w", err)
	}

	return nil
}

// PITConfig configures the in-kernel PIT2 model, matching struct
// kvm_pit_config.
type PITConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates the in-kernel PIT (programmable interval timer).
func (vm *VM) CreatePIT2() error {
	cfg := &PITConfig{}
	if _, err := vm.ioctl(kvmCreatePIT2, uintptr(unsafe.Pointer(cfg))); err != nil {
		return fmt.Errorf("CREATE_PIT2: %w", err)
	}

	return nil
}

// IRQLevel describes an edge on a given IRQ line, matching struct
// kvm_irq_level.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// SetIRQLine raises (level=1) or lowers (level=0) the given IRQ line.
func (vm *VM) SetIRQLine(irq uint32, level bool) error {
	l := &IRQLevel{IRQ: irq}
	if level {
		l.Level = 1
	}

	if _, err := vm.ioctl(kvmIRQLine, uintptr(unsafe.Pointer(l))); err != nil {
		return fmt.Errorf("IRQ_LINE: %w", err)
	}

	return nil
}

// CreateVcpu creates vcpu number cpuNum on this VM and maps its run page.
func (vm *VM) CreateVcpu(cpuNum int) (*Vcpu, error) {
	fd, err := vm.ioctl(kvmCreateVCPU, uintptr(cpuNum))
	if err != nil {
		return nil, fmt.Errorf("CREATE_VCPU: %w", err)
	}

	runBase, err := mmapRunPage(int(fd), vm.hv.mmapSize)
	if err != nil {
		closeFd(int(fd))

		return nil, fmt.Errorf("mmap vcpu run page: %w", err)
	}

	return &Vcpu{
		vm:      vm,
		fd:      int(fd),
		runBase: runBase,
		runLen:  vm.hv.mmapSize,
	}, nil
}
