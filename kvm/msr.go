package kvm

import "unsafe"

// MSREntry is a single model-specific-register value, matching struct
// kvm_msr_entry.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// msrList is a growable buffer matching struct kvm_msr_list: a header
// (nmsrs) followed by a flexible array of uint32 MSR indices. Used by
// GET_MSR_INDEX_LIST and GET_MSR_FEATURE_INDEX_LIST.
type msrList struct {
	buf []byte
	cap int
}

func newMSRList(n int) *msrList {
	buf := make([]byte, 4+n*4)
	*(*uint32)(unsafe.Pointer(&buf[0])) = uint32(n)

	return &msrList{buf: buf, cap: n}
}

func (l *msrList) raw() *byte { return &l.buf[0] }

// nmsrs is the count of valid indices following a kernel call: on E2BIG it
// holds the required capacity, otherwise the number actually returned.
func (l *msrList) nmsrs() uint32 {
	return *(*uint32)(unsafe.Pointer(&l.buf[0]))
}

// Indices returns the MSR index values reported by the kernel.
func (l *msrList) Indices() []uint32 {
	n := int(l.nmsrs())
	if n > l.cap {
		n = l.cap
	}

	return unsafe.Slice((*uint32)(unsafe.Pointer(&l.buf[4])), l.cap)[:n]
}

// msrs is a growable buffer matching struct kvm_msrs: a header (nmsrs,
// padding) followed by a flexible array of MSREntry values. Used by
// GET_MSRS and SET_MSRS.
type msrs struct {
	buf []byte
	cap int
}

func newMSRs(n int) *msrs {
	entSize := int(unsafe.Sizeof(MSREntry{}))
	buf := make([]byte, 8+n*entSize)
	*(*uint32)(unsafe.Pointer(&buf[0])) = uint32(n)

	return &msrs{buf: buf, cap: n}
}

func (m *msrs) raw() *byte { return &m.buf[0] }

func (m *msrs) entries() []MSREntry {
	return unsafe.Slice((*MSREntry)(unsafe.Pointer(&m.buf[8])), m.cap)
}
