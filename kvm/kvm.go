// Package kvm provides typed wrappers over the Linux KVM ioctl/mmap surface:
// opening the device, creating a VM and vCPUs, and reading/writing vCPU
// register state.
package kvm

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl numbers, as defined by <linux/kvm.h>. These are architecture- and
// ABI-stable across kernel versions, so they are hardcoded rather than
// computed from a macro helper.
const (
	kvmGetAPIVersion          = 0xAE00
	kvmCreateVM               = 0xAE01
	kvmGetMSRIndexList        = 0xC004AE02
	kvmCheckExtension         = 0xAE03
	kvmGetVCPUMMapSize        = 0xAE04
	kvmGetSupportedCPUID      = 0xC008AE05
	kvmGetMSRFeatureIndexList = 0xC004AE0A

	kvmCreateVCPU          = 0xAE41
	kvmSetTSSAddr          = 0xAE47
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmCreateIRQChip       = 0xAE60
	kvmIRQLine             = 0x4008AE61
	kvmCreatePIT2          = 0x4040AE77

	kvmRun         = 0xAE80
	kvmGetRegs     = 0x8090AE81
	kvmSetRegs     = 0x4090AE82
	kvmGetSregs    = 0x8138AE83
	kvmSetSregs    = 0x4138AE84
	kvmGetMSRs     = 0xC008AE88
	kvmSetMSRs     = 0x4008AE89
	kvmSetCPUID2   = 0x4008AE90
	kvmGetFPU      = 0x81A0AE8C
	kvmSetFPU      = 0x41A0AE8D
	kvmGetLAPIC    = 0x8400AE8E
	kvmSetLAPIC    = 0x4400AE8F
	kvmSetGuestDBG = 0x4048AE9B
)

const apiVersion = 12

// Hypervisor is a handle to the open /dev/kvm device.
type Hypervisor struct {
	file       *os.File
	mmapSize   uintptr
}

// OpenDefault opens the default /dev/kvm node.
func OpenDefault() (*Hypervisor, error) {
	return Open("/dev/kvm")
}

// Open opens the given kernel hypervisor device node and validates its API
// version. A version mismatch is fatal: this binding only understands the
// ioctl ABI of apiVersion.
func Open(path string) (*Hypervisor, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	h := &Hypervisor{file: f}

	ver, err := h.ioctl(kvmGetAPIVersion, 0)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("GET_API_VERSION: %w", err)
	}

	if ver != apiVersion {
		f.Close()

		return nil, fmt.Errorf("%w: kernel reports API version %d, want %d", ErrVersionMismatch, ver, apiVersion)
	}

	sz, err := h.ioctl(kvmGetVCPUMMapSize, 0)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("GET_VCPU_MMAP_SIZE: %w", err)
	}

	h.mmapSize = uintptr(sz)

	return h, nil
}

// Close closes the underlying device.
func (h *Hypervisor) Close() error {
	return h.file.Close()
}

func (h *Hypervisor) ioctl(op uintptr, arg uintptr) (uintptr, error) {
	return ioctl(h.file.Fd(), op, arg)
}

// ioctl retries on EINTR rather than surfacing a spurious failure to the
// caller.
func ioctl(fd uintptr, op uintptr, arg uintptr) (uintptr, error) {
	for {
		r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return 0, fmt.Errorf("%w: %w", ErrKernel, errno)
		}

		return r, nil
	}
}

// CheckExtension reports whether the given KVM_CAP_* extension is supported.
func (h *Hypervisor) CheckExtension(cap int) (int, error) {
	r, err := h.ioctl(kvmCheckExtension, uintptr(cap))

	return int(r), err
}

// GetSupportedCPUID queries the set of CPUID entries the kernel will permit
// a vCPU to present to the guest, growing the buffer on E2BIG until it fits.
func (h *Hypervisor) GetSupportedCPUID() (*CPUID, error) {
	n := 128

	for {
		c := newCPUID(n)

		_, err := h.ioctl(kvmGetSupportedCPUID, uintptr(unsafe.Pointer(c.raw())))
		if isE2big(err) {
			n *= 2

			continue
		}

		if err != nil {
			return nil, fmt.Errorf("GET_SUPPORTED_CPUID: %w", err)
		}

		return c, nil
	}
}

func isE2big(err error) bool {
	return errors.Is(err, unix.E2BIG)
}

// getMSRIndexList implements the shared growing-buffer retry loop used by
// both GetMSRIndexList and GetMSRFeatureIndexList.
func (h *Hypervisor) getMSRIndexList(op uintptr) ([]uint32, error) {
	n := 1

	for {
		l := newMSRList(n)

		_, err := h.ioctl(op, uintptr(unsafe.Pointer(l.raw())))
		if isE2big(err) {
			n = int(l.nmsrs())

			continue
		}

		if err != nil {
			return nil, err
		}

		return l.Indices(), nil
	}
}

// GetMSRIndexList returns the set of MSRs the kernel will save/restore for a
// vCPU.
func (h *Hypervisor) GetMSRIndexList() ([]uint32, error) {
	l, err := h.getMSRIndexList(kvmGetMSRIndexList)
	if err != nil {
		return nil, fmt.Errorf("GET_MSR_INDEX_LIST: %w", err)
	}

	return l, nil
}

// GetMSRFeatureIndexList returns the set of MSRs exposing host CPU features.
func (h *Hypervisor) GetMSRFeatureIndexList() ([]uint32, error) {
	l, err := h.getMSRIndexList(kvmGetMSRFeatureIndexList)
	if err != nil {
		return nil, fmt.Errorf("GET_MSR_FEATURE_INDEX_LIST: %w", err)
	}

	return l, nil
}

// CreateVM creates a new VM instance backed by this hypervisor handle.
func (h *Hypervisor) CreateVM() (*VM, error) {
	fd, err := h.ioctl(kvmCreateVM, 0)
	if err != nil {
		return nil, fmt.Errorf("CREATE_VM: %w", err)
	}

	return &VM{hv: h, fd: int(fd)}, nil
}
