package kvm

import (
	"fmt"
	"unsafe"
)

// Regs are the general-purpose registers for a vcpu, matching struct
// kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// GetRegs fetches the vcpu's general-purpose registers.
func (v *Vcpu) GetRegs() (*Regs, error) {
	r := &Regs{}
	if _, err := v.ioctl(kvmGetRegs, uintptr(unsafe.Pointer(r))); err != nil {
		return nil, fmt.Errorf("GET_REGS: %w", err)
	}

	return r, nil
}

// SetRegs stores the vcpu's general-purpose registers.
func (v *Vcpu) SetRegs(r *Regs) error {
	if _, err := v.ioctl(kvmSetRegs, uintptr(unsafe.Pointer(r))); err != nil {
		return fmt.Errorf("SET_REGS: %w", err)
	}

	return nil
}

// Segment describes a segment register, matching struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, AVL uint8
	Unusable                       uint8
	_                              uint8
}

// Dtable describes a descriptor table register (GDT/IDT), matching struct
// kvm_dtable.
type Dtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs are the special (control/segment/descriptor-table) registers for a
// vcpu, matching struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Dtable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(256 + 63) / 64]uint64
}

// GetSregs fetches the vcpu's special registers.
func (v *Vcpu) GetSregs() (*Sregs, error) {
	s := &Sregs{}
	if _, err := v.ioctl(kvmGetSregs, uintptr(unsafe.Pointer(s))); err != nil {
		return nil, fmt.Errorf("GET_SREGS: %w", err)
	}

	return s, nil
}

// SetSregs stores the vcpu's special registers.
func (v *Vcpu) SetSregs(s *Sregs) error {
	if _, err := v.ioctl(kvmSetSregs, uintptr(unsafe.Pointer(s))); err != nil {
		return fmt.Errorf("SET_SREGS: %w", err)
	}

	return nil
}

// FPU is the vcpu's x87/SSE state, matching struct kvm_fpu.
type FPU struct {
	FPR        [8][16]uint8
	FCW        uint16
	FSW        uint16
	FTWX       uint8
	_          uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	XMM        [16][16]uint8
	MXCSR      uint32
	_          uint32
}

// GetFPU fetches the vcpu's FPU state.
func (v *Vcpu) GetFPU() (*FPU, error) {
	f := &FPU{}
	if _, err := v.ioctl(kvmGetFPU, uintptr(unsafe.Pointer(f))); err != nil {
		return nil, fmt.Errorf("GET_FPU: %w", err)
	}

	return f, nil
}

// SetFPU stores the vcpu's FPU state.
func (v *Vcpu) SetFPU(f *FPU) error {
	if _, err := v.ioctl(kvmSetFPU, uintptr(unsafe.Pointer(f))); err != nil {
		return fmt.Errorf("SET_FPU: %w", err)
	}

	return nil
}

// LocalAPIC mirrors the kernel's 1 KiB local-APIC register page image used by
// GET/SET_LAPIC.
type LocalAPIC struct {
	Regs [0x400]uint8
}

// lvtLINT0Offset/lvtLINT1Offset are the byte offsets of the LINT0/LINT1 LVT
// registers within Regs,
// matching the standard xAPIC register layout (each register occupies 16
// bytes of the page, of which only the first 4 are meaningful).
const (
	lvtLINT0Offset = 0x350
	lvtLINT1Offset = 0x360
)

// LVTExtINTMode is LVT delivery mode 7 (ExtINT).
const LVTExtINTMode = 0x7

// setLVTMode rewrites the delivery-mode bits (10:8) of the LVT register at
// the given offset, leaving the rest of the register untouched.
func (l *LocalAPIC) setLVTMode(offset int, mode uint32) {
	v := *(*uint32)(unsafe.Pointer(&l.Regs[offset]))
	v &^= 0x700
	v |= (mode & 0x7) << 8
	*(*uint32)(unsafe.Pointer(&l.Regs[offset])) = v
}

// SetLINT0Mode sets LINT0's delivery mode.
func (l *LocalAPIC) SetLINT0Mode(mode uint32) { l.setLVTMode(lvtLINT0Offset, mode) }

// SetLINT1Mode sets LINT1's delivery mode.
func (l *LocalAPIC) SetLINT1Mode(mode uint32) { l.setLVTMode(lvtLINT1Offset, mode) }

// GetLAPIC fetches the vcpu's local APIC state.
func (v *Vcpu) GetLAPIC() (*LocalAPIC, error) {
	l := &LocalAPIC{}
	if _, err := v.ioctl(kvmGetLAPIC, uintptr(unsafe.Pointer(l))); err != nil {
		return nil, fmt.Errorf("GET_LAPIC: %w", err)
	}

	return l, nil
}

// SetLAPIC stores the vcpu's local APIC state.
func (v *Vcpu) SetLAPIC(l *LocalAPIC) error {
	if _, err := v.ioctl(kvmSetLAPIC, uintptr(unsafe.Pointer(l))); err != nil {
		return fmt.Errorf("SET_LAPIC: %w", err)
	}

	return nil
}

// GuestDebug controls single-stepping and breakpoints, matching struct
// kvm_guest_debug's control word.
type GuestDebug struct {
	Control  uint32
	_        uint32
	DebugReg [8]uint64
}

const (
	GuestDebugEnable     = 1
	GuestDebugSingleStep = 2
)

// SetGuestDebug arms (or disarms) guest debugging for this vcpu.
func (v *Vcpu) SetGuestDebug(d *GuestDebug) error {
	if _, err := v.ioctl(kvmSetGuestDBG, uintptr(unsafe.Pointer(d))); err != nil {
		return fmt.Errorf("SET_GUEST_DEBUG: %w", err)
	}

	return nil
}
