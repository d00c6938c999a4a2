package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Vcpu is a handle to a created virtual CPU. Its run page is mapped for the
// vcpu's lifetime; Close unmaps it and closes the descriptor.
type Vcpu struct {
	vm      *VM
	fd      int
	runBase []byte
	runLen  uintptr
}

func (v *Vcpu) ioctl(op uintptr, arg uintptr) (uintptr, error) {
	return ioctl(uintptr(v.fd), op, arg)
}

func mmapRunPage(fd int, size uintptr) ([]byte, error) {
	b, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	return b, nil
}

func closeFd(fd int) error {
	return unix.Close(fd)
}

// Close unmaps the run page and closes the vcpu file descriptor.
func (v *Vcpu) Close() error {
	if err := unix.Munmap(v.runBase); err != nil {
		return err
	}

	return closeFd(v.fd)
}

// RunOnce issues the blocking KVM_RUN ioctl. It returns when the vcpu exits
// back to userspace for any reason; inspect ExitReason() to see why. Unlike
// the other ioctl wrappers it does not retry on EINTR: a host signal that
// interrupts the run is returned to the caller as an error wrapping
// unix.EINTR.
func (v *Vcpu) RunOnce() error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), kvmRun, 0)
	if errno != 0 {
		return fmt.Errorf("%w: %w", ErrKernel, errno)
	}

	return nil
}

// runDataLayout mirrors the head of struct kvm_run far enough to decode the
// exit reason and the io/mmio exit payloads. The remainder of the kernel
// structure (a large union plus arch-specific trailer) is treated as opaque
// bytes accessed only via RunBuf/offsets.
type runDataLayout struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8
	ExitReason             uint32
	ReadyForInterruptInjection uint8
	IfFlag                 uint8
	Flags                  uint16
	CR8                    uint64
	ApicBase               uint64
	// union starts here; for IO/MMIO we interpret raw bytes via offsets
	// below rather than a Go struct, since the union's layout depends on
	// exit reason.
}

const runDataUnionOffset = unsafe.Sizeof(runDataLayout{})

// ExitReason returns the current exit reason recorded in the run page.
func (v *Vcpu) ExitReason() ExitReason {
	return ExitReason(*(*uint32)(unsafe.Pointer(&v.runBase[unsafe.Offsetof(runDataLayout{}.ExitReason)])))
}

// RunBuf exposes the raw mmap'd run page, for port-I/O payload transfer and
// MMIO data access.
func (v *Vcpu) RunBuf() []byte {
	return v.runBase
}

// IOExit describes a decoded KVM_EXIT_IO payload.
type IOExit struct {
	Direction IODirection
	Size      uint64
	Port      uint64
	Count     uint64
	DataOffset uint64
}

// kvmRunIO mirrors the KVM_EXIT_IO arm of the kvm_run union:
// __u8 direction; __u8 size; __u16 port; __u32 count; __u64 data_offset.
type kvmRunIO struct {
	Direction uint8
	Size      uint8
	Port      uint16
	Count     uint32
	DataOffset uint64
}

// IO decodes the KVM_EXIT_IO union arm from the run page.
func (v *Vcpu) IO() IOExit {
	io := (*kvmRunIO)(unsafe.Pointer(&v.runBase[runDataUnionOffset]))

	return IOExit{
		Direction:  IODirection(io.Direction),
		Size:       uint64(io.Size),
		Port:       uint64(io.Port),
		Count:      uint64(io.Count),
		DataOffset: io.DataOffset,
	}
}

// MMIOExit describes a decoded KVM_EXIT_MMIO payload.
type MMIOExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  bool
}

// kvmRunMMIO mirrors the KVM_EXIT_MMIO arm: __u64 phys_addr; __u8 data[8];
// __u32 len; __u8 is_write.
type kvmRunMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]uint8
}

// MMIO decodes the KVM_EXIT_MMIO union arm from the run page.
func (v *Vcpu) MMIO() MMIOExit {
	m := (*kvmRunMMIO)(unsafe.Pointer(&v.runBase[runDataUnionOffset]))

	return MMIOExit{
		PhysAddr: m.PhysAddr,
		Data:     m.Data,
		Len:      m.Len,
		IsWrite:  m.IsWrite != 0,
	}
}

// SetMMIODataForRead writes the result of a handled MMIO read back into the
// run page's data field, the bytes the kernel copies into the guest after
// KVM_RUN returns.
func (v *Vcpu) SetMMIODataForRead(data []byte) {
	m := (*kvmRunMMIO)(unsafe.Pointer(&v.runBase[runDataUnionOffset]))
	copy(m.Data[:], data)
}

// SetCPUID2 programs the vcpu's CPUID leaves.
func (v *Vcpu) SetCPUID2(c *CPUID) error {
	if _, err := v.ioctl(kvmSetCPUID2, uintptr(unsafe.Pointer(c.raw()))); err != nil {
		return fmt.Errorf("SET_CPUID2: %w", err)
	}

	return nil
}

// GetMSRs reads the current values of the given MSR indices.
func (v *Vcpu) GetMSRs(indices []uint32) ([]MSREntry, error) {
	m := newMSRs(len(indices))
	for i, idx := range indices {
		m.entries()[i].Index = idx
	}

	n, err := v.ioctl(kvmGetMSRs, uintptr(unsafe.Pointer(m.raw())))
	if err != nil {
		return nil, fmt.Errorf("GET_MSRS: %w", err)
	}

	return m.entries()[:n], nil
}

// SetMSRs writes the given MSR entries.
func (v *Vcpu) SetMSRs(entries []MSREntry) error {
	m := newMSRs(len(entries))
	copy(m.entries(), entries)

	if _, err := v.ioctl(kvmSetMSRs, uintptr(unsafe.Pointer(m.raw()))); err != nil {
		return fmt.Errorf("SET_MSRS: %w", err)
	}

	return nil
}
