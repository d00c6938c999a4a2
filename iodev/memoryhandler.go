// Package iodev provides the memory/port-I/O handler framework devices plug
// into: a common MemoryHandler interface, an AddressSpace that dispatches to
// mounted handlers by range, and a declarative RegisterFile engine for
// building register-mapped devices (PCI config space, virtio common config,
// the legacy PC device set) without hand-written switch statements per
// access width.
package iodev

import (
	"errors"
	"fmt"
)

// ErrNoMapping is returned by AddressSpace.Resolve when no mounted handler
// covers the requested address.
var ErrNoMapping = errors.New("iodev: no mapping found for address")

// MemoryHandler is implemented by anything that can service reads and
// writes over a range of addresses. "Memory" here is used loosely: the same
// interface serves RAM-backed MMIO, I/O ports, and PCI configuration space.
type MemoryHandler interface {
	// Base is the first address this handler covers.
	Base() uint64
	// Len is the number of addresses this handler covers.
	Len() uint64
	// Read fills data from the handler's state starting at addr.
	Read(addr uint64, data []byte) error
	// Write stores data into the handler's state starting at addr.
	Write(addr uint64, data []byte) error
}

// AddressSpace is a MemoryHandler that dispatches to other MemoryHandlers by
// range. Address spaces can be nested: an AddressSpace can itself be
// mounted as a handler inside another, for example a PCI BAR's memory
// window containing its own sub-address-space of device registers.
type AddressSpace struct {
	name     string
	base     uint64
	len      uint64
	mappings []MemoryHandler
}

// NewAddressSpace creates an address space spanning [base, base+len).
func NewAddressSpace(name string, base, length uint64) *AddressSpace {
	return &AddressSpace{name: name, base: base, len: length}
}

func (a *AddressSpace) Base() uint64 { return a.base }
func (a *AddressSpace) Len() uint64  { return a.len }

// Mount registers a handler within this address space and returns it, so
// callers can write `dev := as.Mount(newFoo()).(*Foo)`.
func (a *AddressSpace) Mount(h MemoryHandler) MemoryHandler {
	a.mappings = append(a.mappings, h)

	return h
}

// Resolve returns the mounted handler covering addr.
func (a *AddressSpace) Resolve(addr uint64) (MemoryHandler, error) {
	for _, h := range a.mappings {
		if addr >= h.Base() && addr < h.Base()+h.Len() {
			return h, nil
		}
	}

	return nil, fmt.Errorf("%w: %s: 0x%x", ErrNoMapping, a.name, addr)
}

func (a *AddressSpace) Read(addr uint64, data []byte) error {
	h, err := a.Resolve(addr)
	if err != nil {
		return err
	}

	return h.Read(addr, data)
}

func (a *AddressSpace) Write(addr uint64, data []byte) error {
	h, err := a.Resolve(addr)
	if err != nil {
		return err
	}

	return h.Write(addr, data)
}
