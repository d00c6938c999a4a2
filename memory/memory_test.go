package memory

import (
	"testing"

	"github.com/hlandau/kvmtest/kvm"
)

type fakeVM struct {
	regions []*kvm.UserspaceMemoryRegion
}

func (f *fakeVM) SetUserMemoryRegion(r *kvm.UserspaceMemoryRegion) error {
	f.regions = append(f.regions, r)

	return nil
}

func TestMapNewFillsPoison(t *testing.T) {
	t.Parallel()

	m := New(&fakeVM{})

	s, err := m.MapNew(0x1000, 16, false)
	if err != nil {
		t.Fatalf("MapNew failed: %v", err)
	}
	defer m.Clear()

	if s.Len() != 16 {
		t.Fatalf("have len %d, want 16", s.Len())
	}

	for i, b := range s.buf {
		if want := Poison[i%len(Poison)]; b != want {
			t.Fatalf("byte %d: have 0x%x, want 0x%x", i, b, want)
		}
	}
}

func TestResolveExtentsAcrossSlots(t *testing.T) {
	t.Parallel()

	m := New(&fakeVM{})

	if _, err := m.MapNew(0x0, 8, false); err != nil {
		t.Fatalf("MapNew failed: %v", err)
	}

	if _, err := m.MapNew(0x8, 8, false); err != nil {
		t.Fatalf("MapNew failed: %v", err)
	}
	defer m.Clear()

	extents, err := m.ResolveExtents(0x4, 8)
	if err != nil {
		t.Fatalf("ResolveExtents failed: %v", err)
	}

	total := 0
	for _, ex := range extents {
		total += ex.Len()
	}

	if total != 8 {
		t.Fatalf("have %d bytes resolved, want 8", total)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	m := New(&fakeVM{})

	if _, err := m.MapNew(0x0, 32, false); err != nil {
		t.Fatalf("MapNew failed: %v", err)
	}
	defer m.Clear()

	want := []byte("hello, guest memory")
	if err := m.Write(0x4, want); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := m.Read(0x4, len(want))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if string(got) != string(want) {
		t.Fatalf("have %q, want %q", got, want)
	}
}

func TestResolveExtentsUnmapped(t *testing.T) {
	t.Parallel()

	m := New(&fakeVM{})

	if _, err := m.ResolveExtents(0x9999, 4); err == nil {
		t.Fatalf("expected error resolving unmapped address")
	}
}
