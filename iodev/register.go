package iodev

import (
	"errors"
	"fmt"
)

// ErrUnknownRegister is returned when an access falls within a RegisterFile
// but does not hit any declared register, and the device has not supplied
// an OnUnknownRead/OnUnknownWrite fallback.
var ErrUnknownRegister = errors.New("iodev: unknown register")

// ErrReadOnly is returned when a write targets only read-only registers.
var ErrReadOnly = errors.New("iodev: all registers written were read-only")

// Register declares one field of a register-mapped device. Width is the
// register's natural access width in bits (8, 16, 32, or 64). Get/Set let a
// device compute a register's value on the fly (e.g. PCI BAR masking,
// command-state-machine registers) instead of storing it as plain state;
// when nil, the RegisterInstance keeps its own backing value.
type Register struct {
	Name     string
	Offset   int
	Width    int
	RO       bool
	Get      func() uint64
	Set      func(uint64)
	AfterSet func(uint64)
	Initial  uint64
}

func bits0(n int) uint64 {
	if n >= 63 {
		return ^uint64(0)
	}

	return (uint64(1) << (n + 1)) - 1
}

// RegisterInstance is a Register bound to storage (either the Register's own
// Get/Set closures or a plain backing value).
type RegisterInstance struct {
	reg   *Register
	value uint64
}

func (ri *RegisterInstance) read(relOffset, width int) uint64 {
	var v uint64
	if ri.reg.Get != nil {
		v = ri.reg.Get()
	} else {
		v = ri.value
	}

	return (v >> (relOffset * 8)) & bits0(width-1)
}

func (ri *RegisterInstance) write(relOffset int, v uint64, width int) error {
	if ri.reg.RO {
		return fmt.Errorf("%w: %s", ErrReadOnly, ri.reg.Name)
	}

	rw := ri.reg.Width

	var vv uint64
	if width < rw {
		oldv := ri.read(0, rw)
		wmask := bits0(width - 1)
		oshift := relOffset * 8
		vv = (oldv &^ (wmask << oshift)) | ((v & wmask) << oshift)
	} else {
		vv = v & bits0(rw-1)
	}

	if ri.reg.Set != nil {
		ri.reg.Set(vv)
	} else {
		ri.value = vv
	}

	if ri.reg.AfterSet != nil {
		ri.reg.AfterSet(vv)
	}

	return nil
}

// RegisterFile is a MemoryHandler backed by a declarative set of Registers.
// A single read or write can span multiple adjacent registers (e.g. a
// 32-bit access over four 8-bit registers); RegisterFile decomposes the
// access into the widest aligned chunk each register instance can satisfy,
// least-significant byte first, mirroring how real hardware register banks
// are commonly composed from byte-wide cells.
type RegisterFile struct {
	base     uint64
	length   uint64
	byOffset map[int]*RegisterInstance

	// OnUnknownRead/OnUnknownWrite let a device handle addresses within its
	// range that fall outside any declared register, instead of erroring.
	OnUnknownRead  func(addr uint64, width int) (uint64, error)
	OnUnknownWrite func(addr uint64, v uint64, width int) error
}

// NewRegisterFile builds a register file spanning [base, base+length),
// instantiating the given register declarations.
func NewRegisterFile(base, length uint64, regs []*Register) *RegisterFile {
	rf := &RegisterFile{base: base, length: length, byOffset: map[int]*RegisterInstance{}}

	for _, r := range regs {
		ri := &RegisterInstance{reg: r, value: r.Initial}
		for i := 0; i < r.Width/8; i++ {
			rf.byOffset[r.Offset+i] = ri
		}
	}

	return rf
}

func (rf *RegisterFile) Base() uint64 { return rf.base }
func (rf *RegisterFile) Len() uint64  { return rf.length }

func (rf *RegisterFile) Read(addr uint64, data []byte) error {
	curOffset := int(addr - rf.base)
	bytesDone := 0

	for bytesDone < len(data) {
		ri, ok := rf.byOffset[curOffset]
		if !ok {
			if rf.OnUnknownRead != nil {
				v, err := rf.OnUnknownRead(rf.base+uint64(curOffset), (len(data)-bytesDone)*8)
				if err != nil {
					return err
				}

				putUint(data[bytesDone:], v)

				return nil
			}

			return fmt.Errorf("%w: read at +0x%x", ErrUnknownRegister, curOffset)
		}

		relOffset := curOffset - ri.reg.Offset

		rw := (len(data) - bytesDone) * 8
		for rw > ri.reg.Width-relOffset*8 {
			rw /= 2
		}

		v := ri.read(relOffset, rw)
		putUint(data[bytesDone:bytesDone+rw/8], v)

		curOffset += rw / 8
		bytesDone += rw / 8
	}

	return nil
}

func (rf *RegisterFile) Write(addr uint64, data []byte) error {
	curOffset := int(addr - rf.base)
	bytesDone := 0
	oneSuccess := false

	for bytesDone < len(data) {
		ri, ok := rf.byOffset[curOffset]
		if !ok {
			if rf.OnUnknownWrite != nil {
				return rf.OnUnknownWrite(rf.base+uint64(curOffset), getUint(data[bytesDone:]), (len(data)-bytesDone)*8)
			}

			return fmt.Errorf("%w: write at +0x%x", ErrUnknownRegister, curOffset)
		}

		relOffset := curOffset - ri.reg.Offset

		rw := (len(data) - bytesDone) * 8
		for rw > ri.reg.Width-relOffset*8 {
			rw /= 2
		}

		if !ri.reg.RO {
			if err := ri.write(relOffset, getUint(data[bytesDone:bytesDone+rw/8]), rw); err != nil {
				return err
			}

			oneSuccess = true
		}

		curOffset += rw / 8
		bytesDone += rw / 8
	}

	if !oneSuccess && len(data) > 0 {
		return fmt.Errorf("%w: write at +0x%x", ErrReadOnly, int(addr-rf.base))
	}

	return nil
}

func putUint(dst []byte, v uint64) {
	for i := range dst {
		dst[i] = byte(v >> (8 * i))
	}
}

func getUint(src []byte) uint64 {
	var v uint64
	for i, b := range src {
		if i >= 8 {
			break
		}

		v |= uint64(b) << (8 * i)
	}

	return v
}
