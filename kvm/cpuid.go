package kvm

import "unsafe"

// CPUIDEntry2 is a single CPUID leaf/subleaf override, matching struct
// kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	_        [3]uint32
}

const (
	cpuidFlagSignificantIndex = 1 << 0
)

// CPUID is a growable buffer matching the variable-length struct kvm_cpuid2:
// a small header (nent, padding) followed by a flexible array of entries.
// It is always backed by exactly the capacity it was created with; Entries
// is bounded by the kernel-reported nent after a GET_SUPPORTED_CPUID call.
type CPUID struct {
	buf []byte
	cap int
}

func newCPUID(n int) *CPUID {
	entSize := int(unsafe.Sizeof(CPUIDEntry2{}))
	buf := make([]byte, 8+n*entSize)
	*(*uint32)(unsafe.Pointer(&buf[0])) = uint32(n)

	return &CPUID{buf: buf, cap: n}
}

// NewCPUID builds a CPUID buffer directly from a caller-supplied entry list,
// for programming a vcpu's leaves via SetCPUID2.
func NewCPUID(entries []CPUIDEntry2) *CPUID {
	c := newCPUID(len(entries))
	copy(c.Entries(), entries)
	*(*uint32)(unsafe.Pointer(&c.buf[0])) = uint32(len(entries))

	return c
}

func (c *CPUID) raw() *byte { return &c.buf[0] }

// Nent is the number of valid entries currently recorded in the header.
func (c *CPUID) Nent() int {
	return int(*(*uint32)(unsafe.Pointer(&c.buf[0])))
}

// Entries returns the valid entries as a CPUIDEntry2 slice: the backing
// capacity cut down to the Nent() count recorded in the header.
func (c *CPUID) Entries() []CPUIDEntry2 {
	return unsafe.Slice((*CPUIDEntry2)(unsafe.Pointer(&c.buf[8])), c.cap)[:c.Nent()]
}

// Find returns the entry for the given function/index, and whether it was
// found. Index is only significant when the entry's flags bit 0 is set.
func (c *CPUID) Find(function, index uint32) (*CPUIDEntry2, bool) {
	entries := c.Entries()
	for i := range entries {
		e := &entries[i]
		if e.Function != function {
			continue
		}

		if e.Flags&cpuidFlagSignificantIndex != 0 && e.Index != index {
			continue
		}

		return e, true
	}

	return nil, false
}
