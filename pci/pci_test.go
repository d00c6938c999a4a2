package pci

import "testing"

func TestBDFEncodeDecode(t *testing.T) {
	t.Parallel()

	b := NewBDF(1, 2, 3)
	if b.Bus() != 1 || b.Dev() != 2 || b.Func() != 3 {
		t.Fatalf("have %02x:%02x.%x, want 01:02.3", b.Bus(), b.Dev(), b.Func())
	}

	if b.String() != "01:02.3" {
		t.Fatalf("have %s, want 01:02.3", b.String())
	}
}

func TestConfigVendorDeviceID(t *testing.T) {
	t.Parallel()

	c := NewConfig(IdentInfo{VendorID: 0x1AF4, DeviceID: 0x1048}, [6]*Bar{})

	out := make([]byte, 4)
	if err := c.Read(0, out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	vendor := uint16(out[0]) | uint16(out[1])<<8
	device := uint16(out[2]) | uint16(out[3])<<8

	if vendor != 0x1AF4 || device != 0x1048 {
		t.Fatalf("have vendor=0x%x device=0x%x, want 0x1AF4/0x1048", vendor, device)
	}
}

type fakeBarHandler struct {
	base uint64
}

func (f *fakeBarHandler) SetBase(addr uint64) { f.base = addr }

func TestConfigBarMasking(t *testing.T) {
	t.Parallel()

	h := &fakeBarHandler{}
	bars := [6]*Bar{0: {Kind: BarMem32, Size: 0x1000, Handler: h}}
	c := NewConfig(IdentInfo{}, bars)

	if err := c.Write(0x10, []byte{0x00, 0x00, 0x10, 0xFE}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if h.base != 0xFE100000 {
		t.Fatalf("have base=0x%x, want 0xFE100000", h.base)
	}
}

func TestConfigBarReadbackReflectsProgrammedValue(t *testing.T) {
	t.Parallel()

	bars := [6]*Bar{0: {Kind: BarMem32, Size: 0x1000, Handler: &fakeBarHandler{}}}
	c := NewConfig(IdentInfo{}, bars)

	if err := c.Write(0x10, []byte{0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	out := make([]byte, 4)
	if err := c.Read(0x10, out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	got := uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16 | uint32(out[3])<<24
	if want := uint32(0xFFFF_F000); got != want {
		t.Fatalf("have bar0 readback=0x%x, want 0x%x", got, want)
	}
}

func TestIoCfgDevMasksRegisterTo4ByteAlignment(t *testing.T) {
	t.Parallel()

	sub := NewSubsystem()
	bdf := NewBDF(0, 1, 0)
	sub.Insert(NewFunction(bdf, NewConfig(IdentInfo{VendorID: 0xABCD}, [6]*Bar{})))

	d := NewIoCfgDev(sub)

	cf8 := uint32(0x8000_0000) | uint32(bdf)<<8 | 0x03
	if err := d.Write(IoCfgPort, []byte{byte(cf8), byte(cf8 >> 8), byte(cf8 >> 16), byte(cf8 >> 24)}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	out := make([]byte, 4)
	if err := d.Read(IoCfgPort+4, out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	vendor := uint16(out[0]) | uint16(out[1])<<8
	if vendor != 0xABCD {
		t.Fatalf("have vendor=0x%x, want 0xABCD (register should mask to reg 0, not 3)", vendor)
	}
}
