package iodev

import "testing"

func TestRegisterFileByteComposition(t *testing.T) {
	t.Parallel()

	var lo, hi uint8

	regs := []*Register{
		{Name: "lo", Offset: 0, Width: 8, Get: func() uint64 { return uint64(lo) }, Set: func(v uint64) { lo = uint8(v) }},
		{Name: "hi", Offset: 1, Width: 8, Get: func() uint64 { return uint64(hi) }, Set: func(v uint64) { hi = uint8(v) }},
	}

	rf := NewRegisterFile(0x100, 2, regs)

	if err := rf.Write(0x100, []byte{0x34, 0x12}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if lo != 0x34 || hi != 0x12 {
		t.Fatalf("have lo=0x%x hi=0x%x, want lo=0x34 hi=0x12", lo, hi)
	}

	out := make([]byte, 2)
	if err := rf.Read(0x100, out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if out[0] != 0x34 || out[1] != 0x12 {
		t.Fatalf("have %v, want [0x34 0x12]", out)
	}
}

func TestRegisterFileReadOnly(t *testing.T) {
	t.Parallel()

	regs := []*Register{
		{Name: "ro", Offset: 0, Width: 32, RO: true, Initial: 0xCAFEBABE},
	}

	rf := NewRegisterFile(0x0, 4, regs)

	out := make([]byte, 4)
	if err := rf.Read(0x0, out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if getUint(out) != 0xCAFEBABE {
		t.Fatalf("have 0x%x, want 0xCAFEBABE", getUint(out))
	}

	if err := rf.Write(0x0, []byte{0, 0, 0, 0}); err == nil {
		t.Fatalf("expected error writing to read-only register")
	}
}

func TestRegisterFileUnknownAccess(t *testing.T) {
	t.Parallel()

	rf := NewRegisterFile(0x0, 4, nil)

	if err := rf.Read(0x0, make([]byte, 1)); err == nil {
		t.Fatalf("expected error reading unknown offset")
	}
}

func TestAddressSpaceResolve(t *testing.T) {
	t.Parallel()

	as := NewAddressSpace("test", 0, 0x10000)
	rf := NewRegisterFile(0x100, 4, []*Register{
		{Name: "x", Offset: 0, Width: 32, Initial: 42},
	})
	as.Mount(rf)

	out := make([]byte, 4)
	if err := as.Read(0x100, out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if getUint(out) != 42 {
		t.Fatalf("have %d, want 42", getUint(out))
	}

	if err := as.Read(0x99999, out); err == nil {
		t.Fatalf("expected ErrNoMapping")
	}
}
