// Package memory manages the guest's physical address space: allocating and
// mapping host-anonymous RAM slots with the kernel, and providing scatter-
// gather read/write access across slot boundaries.
package memory

import (
	"errors"
	"fmt"

	"github.com/hlandau/kvmtest/kvm"
	"golang.org/x/sys/unix"
)

var (
	errSlotNotFound = errors.New("memory: no slot covers the given address")
)

// Poison is an instruction sequence guest RAM is filled with before use, so
// that a jump into uninitialized memory traps immediately rather than
// executing garbage:
//
//	0:  b8 be ba fe ca          mov    eax,0xcafebabe
//	5:  90                      nop
//	6:  0f 0b                   ud2
const Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

func fillPoison(b []byte) {
	for i := range b {
		b[i] = Poison[i%len(Poison)]
	}
}

// Slot is a single guest-physical memory region registered with the
// hypervisor, backed by a userspace host mapping.
type Slot struct {
	mgr           *Manager
	slotNo        uint32
	guestPhysAddr uint64
	userspaceAddr uintptr
	buf           []byte
	ro            bool
	wasAllocated  bool
	destroyed     bool
}

// Len is the current size of the slot in bytes.
func (s *Slot) Len() uint64 { return uint64(len(s.buf)) }

// GuestPhysAddr is the base guest-physical address the slot is mapped at.
func (s *Slot) GuestPhysAddr() uint64 { return s.guestPhysAddr }

// update pushes the slot's current guestPhysAddr/len/flags to the
// hypervisor. Per the error-handling policy, a failure here is logged by the
// caller and does not abort the VM, matching the original manager's warning
// rather than a fatal exit.
func (s *Slot) update() error {
	if s.destroyed {
		return nil
	}

	r := &kvm.UserspaceMemoryRegion{
		Slot:          s.slotNo,
		GuestPhysAddr: s.guestPhysAddr,
		MemorySize:    uint64(len(s.buf)),
		UserspaceAddr: uint64(s.userspaceAddr),
	}
	if s.ro {
		r.SetReadonly()
	}

	return s.mgr.vm.SetUserMemoryRegion(r)
}

// Teardown unregisters the slot with the hypervisor and, if the backing
// memory was allocated by MapNew, unmaps it.
func (s *Slot) Teardown() error {
	if s.destroyed {
		return nil
	}

	oldBuf := s.buf
	s.buf = nil

	if err := s.update(); err != nil {
		return fmt.Errorf("tearing down slot %d: %w", s.slotNo, err)
	}

	if s.wasAllocated {
		if err := unix.Munmap(oldBuf); err != nil {
			return fmt.Errorf("unmapping slot %d: %w", s.slotNo, err)
		}
	}

	delete(s.mgr.slots, s.slotNo)
	s.mgr.freeSlots = append(s.mgr.freeSlots, s.slotNo)
	s.destroyed = true

	return nil
}

func (s *Slot) toExtent() MemoryExtent {
	return MemoryExtent{buf: s.buf}
}

// vmSetter is the subset of *kvm.VM the manager needs; it is an interface
// purely to let tests substitute a fake without a real kernel handle.
type vmSetter interface {
	SetUserMemoryRegion(*kvm.UserspaceMemoryRegion) error
}

// Manager owns the full set of guest-physical memory slots for one VM and
// resolves guest-physical addresses to host buffers for MMIO-adjacent
// device access (e.g. firmware loading, DMA from emulated devices).
type Manager struct {
	vm          vmSetter
	nextSlotNo  uint32
	freeSlots   []uint32
	slots       map[uint32]*Slot
}

// New creates a memory manager bound to the given VM handle.
func New(vm vmSetter) *Manager {
	return &Manager{vm: vm, slots: map[uint32]*Slot{}}
}

func (m *Manager) allocateSlotNo() uint32 {
	if n := len(m.freeSlots); n > 0 {
		slotNo := m.freeSlots[n-1]
		m.freeSlots = m.freeSlots[:n-1]

		return slotNo
	}

	slotNo := m.nextSlotNo
	m.nextSlotNo++

	return slotNo
}

// MapExisting registers a slot backed by an already-mapped host buffer.
func (m *Manager) MapExisting(guestPhysAddr uint64, buf []byte, ro bool) (*Slot, error) {
	slotNo := m.allocateSlotNo()
	s := &Slot{
		mgr:           m,
		slotNo:        slotNo,
		guestPhysAddr: guestPhysAddr,
		userspaceAddr: sliceAddr(buf),
		buf:           buf,
		ro:            ro,
	}

	if err := s.update(); err != nil {
		return nil, fmt.Errorf("mapping slot at 0x%x: %w", guestPhysAddr, err)
	}

	m.slots[slotNo] = s

	return s, nil
}

// MapNew allocates len bytes of new anonymous host memory, fills it with
// Poison, and registers it at guestPhysAddr.
func (m *Manager) MapNew(guestPhysAddr uint64, len int, ro bool) (*Slot, error) {
	buf, err := unix.Mmap(-1, 0, len, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of guest RAM: %w", len, err)
	}

	fillPoison(buf)

	s, err := m.MapExisting(guestPhysAddr, buf, ro)
	if err != nil {
		unix.Munmap(buf)

		return nil, err
	}

	s.wasAllocated = true

	return s, nil
}

// Clear tears down every registered slot and resets slot-number allocation.
func (m *Manager) Clear() error {
	for _, s := range m.slots {
		if err := s.Teardown(); err != nil {
			return err
		}
	}

	m.nextSlotNo = 0
	m.freeSlots = nil

	return nil
}

// ResolveSlot returns the slot covering guestPhysAddr, if any.
func (m *Manager) ResolveSlot(guestPhysAddr uint64) (*Slot, bool) {
	for _, s := range m.slots {
		if guestPhysAddr >= s.guestPhysAddr && guestPhysAddr < s.guestPhysAddr+s.Len() {
			return s, true
		}
	}

	return nil, false
}

// ResolveExtent returns the contiguous host-backed extent starting at
// guestPhysAddr within whichever slot contains it.
func (m *Manager) ResolveExtent(guestPhysAddr uint64) (MemoryExtent, bool) {
	s, ok := m.ResolveSlot(guestPhysAddr)
	if !ok {
		return MemoryExtent{}, false
	}

	return s.toExtent().slice(int(guestPhysAddr - s.guestPhysAddr)), true
}

// ResolveExtents splits [guestPhysAddr, guestPhysAddr+length) into the
// contiguous host extents backing it, crossing slot boundaries as needed.
func (m *Manager) ResolveExtents(guestPhysAddr uint64, length int) ([]MemoryExtent, error) {
	var extents []MemoryExtent

	for length > 0 {
		ex, ok := m.ResolveExtent(guestPhysAddr)
		if !ok {
			return nil, fmt.Errorf("%w: 0x%x", errSlotNotFound, guestPhysAddr)
		}

		n := length
		if ex.Len() < n {
			n = ex.Len()
		}

		extents = append(extents, ex.Head(n))
		length -= n
		guestPhysAddr += uint64(n)
	}

	return extents, nil
}

// Read copies bufLen bytes starting at guestPhysAddr out of guest memory.
func (m *Manager) Read(guestPhysAddr uint64, bufLen int) ([]byte, error) {
	extents, err := m.ResolveExtents(guestPhysAddr, bufLen)
	if err != nil {
		return nil, err
	}

	out := make([]byte, bufLen)
	NewMultiReadBuffer(extents).Read(out)

	return out, nil
}

// Write copies buf into guest memory starting at guestPhysAddr.
func (m *Manager) Write(guestPhysAddr uint64, buf []byte) error {
	extents, err := m.ResolveExtents(guestPhysAddr, len(buf))
	if err != nil {
		return err
	}

	NewMultiWriteBuffer(extents).Write(buf)

	return nil
}
