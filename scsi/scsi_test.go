package scsi

import (
	"bytes"
	"os"
	"testing"
)

func newCmd(cdb []byte, dataInLen int) *Cmd {
	return &Cmd{
		CDB:       cdb,
		DataOut:   bytes.NewReader(nil),
		DataIn:    &bytes.Buffer{},
		DataInLen: dataInLen,
	}
}

func TestDeviceTestUnitReady(t *testing.T) {
	t.Parallel()

	d := &Device{}
	res, err := d.ExecuteCommand(newCmd([]byte{0x00}, 0))
	if err != nil {
		t.Fatal(err)
	}

	if res.Status != StatusGood {
		t.Fatalf("status = %#x, want Good", res.Status)
	}
}

func TestDeviceInquiryStandard(t *testing.T) {
	t.Parallel()

	d := &Device{Ident: Ident{VendorID: "ACME", ProductID: "DISK", ProductRev: "1"}}
	cmd := newCmd([]byte{0x12, 0x00, 0x00, 0x00, 0xFF, 0x00}, 96)

	res, err := d.ExecuteCommand(cmd)
	if err != nil {
		t.Fatal(err)
	}

	if res.Status != StatusGood {
		t.Fatalf("status = %#x, want Good", res.Status)
	}

	out := cmd.DataIn.Bytes()
	if !bytes.Contains(out, []byte("ACME")) {
		t.Fatalf("inquiry data missing vendor ID: %x", out)
	}
}

func TestDeviceInquiryEVPDSupportedPages(t *testing.T) {
	t.Parallel()

	d := &Device{}
	cmd := newCmd([]byte{0x12, 0x01, 0x00, 0x00, 0xFF, 0x00}, 16)

	res, err := d.ExecuteCommand(cmd)
	if err != nil {
		t.Fatal(err)
	}

	if res.Status != StatusGood {
		t.Fatalf("status = %#x, want Good", res.Status)
	}

	out := cmd.DataIn.Bytes()
	if len(out) < 6 || out[4] != 0x00 || out[5] != 0x83 {
		t.Fatalf("unexpected supported-pages list: %x", out)
	}
}

func TestDeviceUnsupportedOpcode(t *testing.T) {
	t.Parallel()

	d := &Device{}
	res, err := d.ExecuteCommand(newCmd([]byte{0xFF}, 0))
	if err != nil {
		t.Fatal(err)
	}

	if res.Status != StatusCheckCondition {
		t.Fatalf("status = %#x, want CheckCondition", res.Status)
	}
}

func TestBlockDeviceReadCapacityAndReadWrite(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp(t.TempDir(), "disk")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.Truncate(4 * defaultBlockSize); err != nil {
		t.Fatal(err)
	}
	f.Close()

	d, err := OpenBlockDevice(f.Name(), false)
	if err != nil {
		t.Fatal(err)
	}

	capCmd := newCmd([]byte{0x25, 0, 0, 0, 0, 0, 0, 0, 0, 0}, 8)
	res, err := d.ExecuteCommand(capCmd)
	if err != nil {
		t.Fatal(err)
	}

	if res.Status != StatusGood {
		t.Fatalf("read capacity status = %#x", res.Status)
	}

	out := capCmd.DataIn.Bytes()
	if beUint32(out[0:4]) != 3 || beUint32(out[4:8]) != defaultBlockSize {
		t.Fatalf("unexpected capacity data: %x", out)
	}

	payload := bytes.Repeat([]byte{0xAB}, defaultBlockSize)
	writeCmd := &Cmd{
		CDB:     []byte{0x2A, 0, 0, 0, 0, 0, 0, 0, 1, 0},
		DataOut: bytes.NewReader(payload),
	}

	res, err = d.ExecuteCommand(writeCmd)
	if err != nil {
		t.Fatal(err)
	}

	if res.Status != StatusGood {
		t.Fatalf("write status = %#x", res.Status)
	}

	readCmd := newCmd([]byte{0x28, 0, 0, 0, 0, 0, 0, 0, 1, 0}, defaultBlockSize)
	res, err = d.ExecuteCommand(readCmd)
	if err != nil {
		t.Fatal(err)
	}

	if res.Status != StatusGood {
		t.Fatalf("read status = %#x", res.Status)
	}

	if !bytes.Equal(readCmd.DataIn.Bytes(), payload) {
		t.Fatalf("read back mismatch")
	}
}

func TestBlockDeviceReadOnlyRejectsWrite(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp(t.TempDir(), "disk")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.Truncate(defaultBlockSize); err != nil {
		t.Fatal(err)
	}
	f.Close()

	d, err := OpenBlockDevice(f.Name(), true)
	if err != nil {
		t.Fatal(err)
	}

	writeCmd := &Cmd{CDB: []byte{0x2A, 0, 0, 0, 0, 0, 0, 0, 1, 0}, DataOut: bytes.NewReader(make([]byte, defaultBlockSize))}

	res, err := d.ExecuteCommand(writeCmd)
	if err != nil {
		t.Fatal(err)
	}

	if res.Status != StatusCheckCondition {
		t.Fatalf("status = %#x, want CheckCondition for read-only write", res.Status)
	}
}

func TestHostSubsystemRoutesByLUN(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp(t.TempDir(), "disk")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.Truncate(defaultBlockSize); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s, err := NewHostSubsystem(f.Name(), "")
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.ExecuteCommand(&Cmd{LUN: LUNDisk, CDB: []byte{0x00}})
	if err != nil {
		t.Fatal(err)
	}

	if res.Status != StatusGood {
		t.Fatalf("disk LUN status = %#x", res.Status)
	}

	res, err = s.ExecuteCommand(&Cmd{LUN: LUNOptical, CDB: []byte{0x00}})
	if err != nil {
		t.Fatal(err)
	}

	if res.Status != StatusCheckCondition {
		t.Fatalf("unpopulated optical LUN status = %#x, want CheckCondition", res.Status)
	}

	res, err = s.ExecuteCommand(&Cmd{LUN: 0xDEAD, CDB: []byte{0x00}})
	if err != nil {
		t.Fatal(err)
	}

	if res.Status != StatusCheckCondition {
		t.Fatalf("unknown LUN status = %#x, want CheckCondition", res.Status)
	}
}
