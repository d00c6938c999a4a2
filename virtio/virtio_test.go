package virtio

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/hlandau/kvmtest/kvm"
	"github.com/hlandau/kvmtest/memory"
	"github.com/hlandau/kvmtest/scsi"
)

// fakeVM satisfies both memory.Manager's and Bar0's kernel-facing
// dependencies without touching /dev/kvm: SetUserMemoryRegion is a no-op
// (guest RAM here is plain host memory the test addresses directly) and
// SetIRQLine records the most recent line/level for assertions.
type fakeVM struct {
	irqLine uint32
	irqUp   bool
}

func (f *fakeVM) SetUserMemoryRegion(r *kvm.UserspaceMemoryRegion) error { return nil }

func (f *fakeVM) SetIRQLine(irq uint32, level bool) error {
	f.irqLine = irq
	f.irqUp = level

	return nil
}

func newTestMemory(t *testing.T) *memory.Manager {
	t.Helper()

	mgr := memory.New(&fakeVM{})

	if _, err := mgr.MapNew(0, 1<<20, false); err != nil {
		t.Fatalf("mapping guest memory: %v", err)
	}

	return mgr
}

func write16(h *Bar0, off uint64, v uint16) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	h.Write(h.Base()+off, buf)
}

func write64(h *Bar0, off uint64, v uint64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	h.Write(h.Base()+off, buf)
}

func makeDescriptor(addr uint64, length uint32, flags uint16, next uint16) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], addr)
	binary.LittleEndian.PutUint32(b[8:12], length)
	binary.LittleEndian.PutUint16(b[12:14], flags)
	binary.LittleEndian.PutUint16(b[14:16], next)

	return b
}

// TestNotifyDrivesTestUnitReady builds one request-queue descriptor chain
// by hand (a SCSI request header with no CDB payload beyond TEST UNIT
// READY, plus a write-only response descriptor) and checks that notifying
// the request queue runs it to completion: used index advances and the
// interrupt line is raised.
func TestNotifyDrivesTestUnitReady(t *testing.T) {
	t.Parallel()

	const (
		descArea  = 0x1000
		availArea = 0x2000
		usedArea  = 0x3000
		reqArea   = 0x4000
		respArea  = 0x5000
	)

	mgr := newTestMemory(t)

	f, err := os.CreateTemp(t.TempDir(), "disk")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.Truncate(512); err != nil {
		t.Fatal(err)
	}
	f.Close()

	sub, err := scsi.NewHostSubsystem(f.Name(), "")
	if err != nil {
		t.Fatal(err)
	}

	vm := &fakeVM{}
	fn := New(mgr, sub, vm)
	fn.Config.Write(0x3C, []byte{9}) // program intrLine

	bar0 := fn.Bar0
	bar0.SetBase(0xF0000000)

	write16(bar0, 0x16, 2) // comQueueSel = request queue
	write16(bar0, 0x18, 4) // comQueueLen = 4
	write64(bar0, 0x20, descArea)
	write64(bar0, 0x28, availArea)
	write64(bar0, 0x30, usedArea)

	reqHeaderLen := 8 + 8 + 1 + 1 + 1 + 32
	req := make([]byte, reqHeaderLen)
	binary.BigEndian.PutUint64(req[0:8], scsi.LUNDisk)
	req[19] = 0x00 // TEST UNIT READY

	if err := mgr.Write(reqArea, req); err != nil {
		t.Fatal(err)
	}

	descReq := makeDescriptor(reqArea, uint32(len(req)), 0x1, 1) // NEXT
	descResp := makeDescriptor(respArea, 512, 0x2, 0)            // WRITE

	if err := mgr.Write(descArea+0*16, descReq); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Write(descArea+1*16, descResp); err != nil {
		t.Fatal(err)
	}

	availBuf := make([]byte, 4+2)
	binary.LittleEndian.PutUint16(availBuf[0:2], 0) // flags
	binary.LittleEndian.PutUint16(availBuf[4:6], 0) // ring[0] = descriptor 0

	if err := mgr.Write(availArea, availBuf); err != nil {
		t.Fatal(err)
	}

	idxBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(idxBuf, 1)

	if err := mgr.Write(availArea+2, idxBuf); err != nil {
		t.Fatal(err)
	}

	write16(bar0, 0x70, 2) // notify0 = request queue

	if !vm.irqUp {
		t.Fatalf("expected IRQ line raised after processing")
	}

	if vm.irqLine != 9 {
		t.Fatalf("irq line = %d, want 9", vm.irqLine)
	}

	used, err := mgr.Read(usedArea, 4+8)
	if err != nil {
		t.Fatal(err)
	}

	usedIdx := binary.LittleEndian.Uint16(used[2:4])
	if usedIdx != 1 {
		t.Fatalf("used index = %d, want 1", usedIdx)
	}

	resp, err := mgr.Read(respArea, 12)
	if err != nil {
		t.Fatal(err)
	}

	status := resp[10]
	if status != scsi.StatusGood {
		t.Fatalf("response status = %#x, want Good", status)
	}
}

func TestDeviceFeaturesAdvertiseVersion1AndInOut(t *testing.T) {
	t.Parallel()

	mgr := newTestMemory(t)
	sub, err := scsi.NewHostSubsystem("", "")
	if err != nil {
		t.Fatal(err)
	}

	fn := New(mgr, sub, &fakeVM{})
	bar0 := fn.Bar0
	bar0.SetBase(0)

	for page, want := range map[uint16]uint32{0: 1 << FeatureSCSIInOut, 1: 1 << (FeatureVersion1 - 32)} {
		write16(bar0, 0x00, page)

		buf := make([]byte, 4)
		bar0.Read(0x04, buf)

		got := binary.LittleEndian.Uint32(buf)
		if got != want {
			t.Fatalf("feature page %d = %#x, want %#x", page, got, want)
		}
	}
}

func TestDeviceStatusResetClearsQueueState(t *testing.T) {
	t.Parallel()

	mgr := newTestMemory(t)
	sub, err := scsi.NewHostSubsystem("", "")
	if err != nil {
		t.Fatal(err)
	}

	fn := New(mgr, sub, &fakeVM{})
	bar0 := fn.Bar0
	bar0.SetBase(0)

	write16(bar0, 0x16, 2)
	write16(bar0, 0x18, 3)

	buf := make([]byte, 2)
	bar0.Read(0x18, buf)

	if binary.LittleEndian.Uint16(buf) != 3 {
		t.Fatalf("queue len not applied before reset")
	}

	bar0.Write(0x14, []byte{0}) // device status = 0 triggers reset

	bar0.Read(0x18, buf)
	if got := binary.LittleEndian.Uint16(buf); got != 16 {
		t.Fatalf("queue len after reset = %d, want max (16)", got)
	}
}
