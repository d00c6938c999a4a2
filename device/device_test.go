package device

import (
	"bytes"
	"os"
	"testing"
)

func TestPort80WriteReadback(t *testing.T) {
	t.Parallel()

	d := NewPort80()

	if err := d.Write(0x80, []byte{0xAB}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	out := make([]byte, 1)
	if err := d.Read(0x80, out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if out[0] != 0xAB {
		t.Fatalf("have r00=0x%x, want 0xAB", out[0])
	}

	if err := d.Read(0x87, out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if out[0] != 0xFF {
		t.Fatalf("have r07=0x%x, want 0xFF", out[0])
	}
}

func TestPort92AcceptsAndDropsWrites(t *testing.T) {
	t.Parallel()

	d := NewPort92()

	if err := d.Write(0x92, []byte{0x01}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	out := make([]byte, 1)
	if err := d.Read(0x92, out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if out[0] != 0 {
		t.Fatalf("have 0x92=0x%x after write, want 0x00 (write dropped)", out[0])
	}
}

func TestRtcStatusBRegisterRoundtrip(t *testing.T) {
	t.Parallel()

	d := NewRtc()

	if err := d.Write(0x70, []byte{0x0B}); err != nil {
		t.Fatalf("selecting register 0x0B failed: %v", err)
	}

	out := make([]byte, 1)
	if err := d.Read(0x71, out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if out[0] != 2 {
		t.Fatalf("have statusB=0x%x, want 0x02", out[0])
	}

	if err := d.Write(0x71, []byte{0x42}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := d.Read(0x71, out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if out[0] != 0x42 {
		t.Fatalf("have statusB=0x%x, want 0x42", out[0])
	}
}

func TestUartFlushesLineOnNewline(t *testing.T) {
	t.Parallel()

	old := os.Stdout

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}

	os.Stdout = w

	u := NewUart(0)

	for _, b := range []byte("HI\n") {
		if err := u.Write(0x3F8, []byte{b}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)

	if buf.String() != "COM1: HI\n" {
		t.Fatalf("have %q, want %q", buf.String(), "COM1: HI\n")
	}
}

func TestPS2ControllerSelfTestAndKeyboardIO(t *testing.T) {
	t.Parallel()

	ctrl := NewPS2Controller(nil, nil)

	if err := ctrl.Write(0x64, []byte{0xAA}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	out := make([]byte, 1)
	if err := ctrl.Read(0x60, out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if out[0] != 0x55 {
		t.Fatalf("have self-test result=0x%x, want 0x55", out[0])
	}

	kb := ctrl.Keyboard()
	for len(kb.outputBuf) > 0 {
		kb.Read()
	}

	kb.selectScancodeSet(2)
	kb.KeyDown(0x04) // 'A'

	if err := ctrl.Read(0x60, out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if out[0] != 0x1C {
		t.Fatalf("have scancode=0x%x, want 0x1C", out[0])
	}
}

func TestSysResetPulseTriggersCallback(t *testing.T) {
	t.Parallel()

	called := false
	ctrl := NewPS2Controller(nil, func() { called = true })

	// Pulse output line 0 (reset): bit 0 clear, all other bits set.
	if err := ctrl.Write(0x64, []byte{0xFE}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if !called {
		t.Fatalf("expected system reset callback to fire")
	}
}
