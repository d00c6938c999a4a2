// Package vmm ties the kernel hypervisor bindings, the guest-memory
// manager, and the Q35-style device platform together into a runnable
// virtual machine: vcpu initialization and reset, the CPUID/MSR/LAPIC
// programming a guest firmware expects to see, and the supervisor loop that
// drains KVM_RUN exits into the platform's address spaces.
package vmm

import (
	"fmt"

	"github.com/hlandau/kvmtest/device"
	"github.com/hlandau/kvmtest/kvm"
	"github.com/hlandau/kvmtest/memory"
)

// Config names the on-disk inputs a boot needs: the firmware code image,
// its writable variable-store backing file, and optional disk/optical
// backing files for the virtio-scsi targets.
type Config struct {
	FwCode  string
	FwVars  string
	Disk    string
	Optical string
}

// extensions this monitor requires the host kernel to support, checked at
// startup so a missing one fails fast with a clear error instead of an
// obscure ioctl failure deep in vcpu setup.
var requiredExtensions = []int{
	capCoalescedMMIO,
	capSetTSSAddr,
	capPIT2,
	capUserMemory,
	capIRQRouting,
	capIRQChip,
	capHLT,
	capIRQInjectStatus,
	capExtCPUID,
}

// KVM_CAP_* extension numbers this monitor depends on, per <linux/kvm.h>.
const (
	capCoalescedMMIO   = 15
	capSetTSSAddr      = 4
	capPIT2            = 33
	capUserMemory      = 3
	capIRQRouting      = 25
	capIRQChip         = 0
	capHLT             = 1
	capIRQInjectStatus = 26
	capExtCPUID        = 7
)

// VMM owns the hypervisor handle, a single vcpu, the guest-memory manager,
// and the device platform built on top of them. It is not safe for
// concurrent use: every method except the background input feeders the
// platform wires up must be called from the same goroutine that ran Init,
// matching the kernel's same-thread-per-vcpu ioctl requirement.
type VMM struct {
	cfg Config

	hv   *kvm.Hypervisor
	vm   *kvm.VM
	vcpu *kvm.Vcpu
	mem  *memory.Manager

	platform *Platform

	origRegs  *kvm.Regs
	origSregs *kvm.Sregs
	origFPU   *kvm.FPU

	hostCPUID       *kvm.CPUID
	msrIndexList    []uint32
	initialMSRState map[uint32]uint64

	interruptCount int

	display device.DisplayHook
}

// New builds an uninitialized VMM for the given firmware/disk configuration.
// The display hook defaults to a no-op; SetDisplayHook attaches a real
// external framebuffer observer.
func New(cfg Config) *VMM {
	return &VMM{cfg: cfg, display: device.NoopDisplayHook{}}
}

// SetDisplayHook attaches the external framebuffer observer that Reset's
// mode-change notification and FeedKeyEvent's key events are delivered to.
// A nil hook restores the no-op default.
func (v *VMM) SetDisplayHook(h device.DisplayHook) {
	if h == nil {
		h = device.NoopDisplayHook{}
	}

	v.display = h
}

// Init opens the hypervisor device, checks required extensions, creates the
// VM and its single vcpu, and captures the vcpu's power-on register/FPU/MSR
// state as the baseline every subsequent reset restores from.
func (v *VMM) Init() error {
	hv, err := kvm.OpenDefault()
	if err != nil {
		return fmt.Errorf("vmm: opening hypervisor: %w", err)
	}

	v.hv = hv

	for _, c := range requiredExtensions {
		if ok, err := hv.CheckExtension(c); err != nil || ok == 0 {
			return fmt.Errorf("vmm: required KVM extension %d not supported (ok=%d, err=%v)", c, ok, err)
		}
	}

	cpuid, err := hv.GetSupportedCPUID()
	if err != nil {
		return fmt.Errorf("vmm: querying supported CPUID: %w", err)
	}

	v.hostCPUID = cpuid

	vm, err := hv.CreateVM()
	if err != nil {
		return fmt.Errorf("vmm: creating VM: %w", err)
	}

	v.vm = vm

	if err := vm.CreatePIT2(); err != nil {
		return fmt.Errorf("vmm: creating PIT: %w", err)
	}

	if err := vm.CreateIRQChip(); err != nil {
		return fmt.Errorf("vmm: creating IRQ chip: %w", err)
	}

	vcpu, err := vm.CreateVcpu(0)
	if err != nil {
		return fmt.Errorf("vmm: creating vcpu: %w", err)
	}

	v.vcpu = vcpu

	if v.origRegs, err = vcpu.GetRegs(); err != nil {
		return fmt.Errorf("vmm: capturing original regs: %w", err)
	}

	if v.origSregs, err = vcpu.GetSregs(); err != nil {
		return fmt.Errorf("vmm: capturing original sregs: %w", err)
	}

	if v.origFPU, err = vcpu.GetFPU(); err != nil {
		return fmt.Errorf("vmm: capturing original fpu: %w", err)
	}

	if err := v.initCPUID(); err != nil {
		return err
	}

	if err := v.initLAPIC(); err != nil {
		return err
	}

	if err := v.initMSRSnapshot(); err != nil {
		return err
	}

	v.mem = memory.New(v.vm)

	return nil
}

// Setup builds the device platform for the first time, equivalent to the
// first of the resets Reset would otherwise perform.
func (v *VMM) Setup() error {
	return v.Reset()
}

// Reset clears every guest-memory slot and rebuilds the device platform
// from scratch, then restores the vcpu's reset-vector register state and
// notifies the display hook that the guest's display mode just reverted to
// its power-on default. This is both the monitor's startup path and what a
// guest-triggered system reset (PS/2 controller pulse-reset, bit 0) replays.
func (v *VMM) Reset() error {
	if v.mem != nil {
		if err := v.mem.Clear(); err != nil {
			return fmt.Errorf("vmm: clearing guest memory: %w", err)
		}
	}

	if err := v.resetVcpuState(); err != nil {
		return err
	}

	platform, err := NewPlatform(v.mem, v.vm, v.cfg, v.Reset)
	if err != nil {
		return fmt.Errorf("vmm: building platform: %w", err)
	}

	v.platform = platform
	v.display.ModeChange()

	return nil
}

// Close releases the vcpu, VM, and hypervisor file descriptors.
func (v *VMM) Close() {
	if v.vcpu != nil {
		v.vcpu.Close()
	}

	if v.vm != nil {
		v.vm.Close()
	}

	if v.hv != nil {
		v.hv.Close()
	}
}

// Platform exposes the currently-active device platform, primarily so a
// host input thread can reach the PS/2 keyboard.
func (v *VMM) Platform() *Platform { return v.platform }
