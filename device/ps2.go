package device

import (
	"log"
	"sync"

	"github.com/hlandau/kvmtest/iodev"
)

// PS2Keyboard command states.
const (
	ps2KeyboardNormal = iota
	ps2KeyboardSetScancode
	ps2KeyboardSetRepeat
	ps2KeyboardSetLED
)

// usbToScancodeSet2 maps a USB-HID keyboard usage code to its PS/2
// scancode-set-2 make and break byte sequences.
var usbToScancodeSet2 = map[uint8][2][]byte{
	0x04: {{0x1C}, {0xF0, 0x1C}}, // A
	0x05: {{0x32}, {0xF0, 0x32}}, // B
	0x06: {{0x21}, {0xF0, 0x21}}, // C
	0x07: {{0x23}, {0xF0, 0x23}}, // D
	0x08: {{0x24}, {0xF0, 0x24}}, // E
	0x09: {{0x2B}, {0xF0, 0x2B}}, // F
	0x0A: {{0x34}, {0xF0, 0x34}}, // G
	0x0B: {{0x33}, {0xF0, 0x33}}, // H
	0x0C: {{0x43}, {0xF0, 0x43}}, // I
	0x0D: {{0x3B}, {0xF0, 0x3B}}, // J
	0x0E: {{0x42}, {0xF0, 0x42}}, // K
	0x0F: {{0x4B}, {0xF0, 0x4B}}, // L
	0x10: {{0x3A}, {0xF0, 0x3A}}, // M
	0x11: {{0x31}, {0xF0, 0x31}}, // N
	0x12: {{0x44}, {0xF0, 0x44}}, // O
	0x13: {{0x4D}, {0xF0, 0x4D}}, // P
	0x14: {{0x15}, {0xF0, 0x15}}, // Q
	0x15: {{0x2D}, {0xF0, 0x2D}}, // R
	0x16: {{0x1B}, {0xF0, 0x1B}}, // S
	0x17: {{0x2C}, {0xF0, 0x2C}}, // T
	0x18: {{0x3C}, {0xF0, 0x3C}}, // U
	0x19: {{0x2A}, {0xF0, 0x2A}}, // V
	0x1A: {{0x1D}, {0xF0, 0x1D}}, // W
	0x1B: {{0x22}, {0xF0, 0x22}}, // X
	0x1C: {{0x35}, {0xF0, 0x35}}, // Y
	0x1D: {{0x1A}, {0xF0, 0x1A}}, // Z

	0x1E: {{0x16}, {0xF0, 0x16}}, // 1
	0x1F: {{0x1E}, {0xF0, 0x1E}}, // 2
	0x20: {{0x26}, {0xF0, 0x26}}, // 3
	0x21: {{0x25}, {0xF0, 0x25}}, // 4
	0x22: {{0x2E}, {0xF0, 0x2E}}, // 5
	0x23: {{0x36}, {0xF0, 0x36}}, // 6
	0x24: {{0x3D}, {0xF0, 0x3D}}, // 7
	0x25: {{0x3E}, {0xF0, 0x3E}}, // 8
	0x26: {{0x46}, {0xF0, 0x46}}, // 9
	0x27: {{0x45}, {0xF0, 0x45}}, // 0
	0x28: {{0x5A}, {0xF0, 0x5A}}, // Return
	0x29: {{0x76}, {0xF0, 0x76}}, // Esc
	0x2A: {{0x66}, {0xF0, 0x66}}, // Backspace
	0x2B: {{0x0D}, {0xF0, 0x0D}}, // Tab
	0x2C: {{0x29}, {0xF0, 0x29}}, // Space
	0x2D: {{0x4E}, {0xF0, 0x4E}}, // -
	0x2E: {{0x55}, {0xF0, 0x55}}, // =
	0x2F: {{0x54}, {0xF0, 0x54}}, // [
	0x30: {{0x5B}, {0xF0, 0x5B}}, // ]
	0x31: {{0x5D}, {0xF0, 0x5D}}, // (backslash)
	0x33: {{0x4C}, {0xF0, 0x4C}}, // ;
	0x34: {{0x52}, {0xF0, 0x52}}, // '
	0x35: {{0x0E}, {0xF0, 0x0E}}, // `
	0x36: {{0x41}, {0xF0, 0x41}}, // ,
	0x37: {{0x49}, {0xF0, 0x49}}, // .
	0x38: {{0x4A}, {0xF0, 0x4A}}, // /
	0x39: {{0x58}, {0xF0, 0x58}}, // CapsLock
	0x3A: {{0x05}, {0xF0, 0x05}}, // F1
	0x3B: {{0x06}, {0xF0, 0x06}}, // F2
	0x3C: {{0x04}, {0xF0, 0x04}}, // F3
	0x3D: {{0x0C}, {0xF0, 0x0C}}, // F4
	0x3E: {{0x03}, {0xF0, 0x03}}, // F5
	0x3F: {{0x0B}, {0xF0, 0x0B}}, // F6
	0x40: {{0x83}, {0xF0, 0x83}}, // F7
	0x41: {{0x0A}, {0xF0, 0x0A}}, // F8
	0x42: {{0x01}, {0xF0, 0x01}}, // F9
	0x43: {{0x09}, {0xF0, 0x09}}, // F10
	0x44: {{0x78}, {0xF0, 0x78}}, // F11
	0x45: {{0x07}, {0xF0, 0x07}}, // F12

	0x4F: {{0xE0, 0x74}, {0xE0, 0xF0, 0x74}}, // Right
	0x50: {{0xE0, 0x6B}, {0xE0, 0xF0, 0x6B}}, // Left
	0x51: {{0xE0, 0x72}, {0xE0, 0xF0, 0x72}}, // Down
	0x52: {{0xE0, 0x75}, {0xE0, 0xF0, 0x75}}, // Up

	0xE0: {{0x14}, {0xF0, 0x14}},             // LCtrl
	0xE1: {{0x12}, {0xF0, 0x12}},             // LShift
	0xE2: {{0x11}, {0xF0, 0x11}},             // LAlt
	0xE3: {{0xE0, 0x1F}, {0xE0, 0xF0, 0x1F}}, // LGui
	0xE4: {{0xE0, 0x14}, {0xE0, 0xF0, 0x14}}, // RCtrl
	0xE5: {{0x59}, {0xF0, 0x59}},             // RShift
	0xE6: {{0xE0, 0x11}, {0xE0, 0xF0, 0x11}}, // RAlt
	0xE7: {{0xE0, 0x27}, {0xE0, 0xF0, 0x27}}, // RGui
}

// PS2Keyboard is the device half of the PS/2 port: a command state machine
// that accepts host keystrokes as USB scancodes and reports them to the
// guest as scancode-set-2 make/break sequences.
type PS2Keyboard struct {
	mu sync.Mutex

	state         int
	scancodeSetNo int
	ledState      uint8
	outputBuf     []byte

	notify func()
}

// NewPS2Keyboard builds a keyboard in its post-reset state.
func NewPS2Keyboard() *PS2Keyboard {
	k := &PS2Keyboard{}
	k.reset(false)

	return k
}

func (k *PS2Keyboard) reset(includeAck bool) {
	k.ledState = 7
	k.scancodeSetNo = 1
	k.state = ps2KeyboardNormal

	if includeAck {
		k.outputBuf = []byte{0xFA, 0xAA}
	} else {
		k.outputBuf = []byte{0xAA}
	}

	k.notifyLocked()
}

// Poll reports whether the keyboard has a byte ready for the host.
func (k *PS2Keyboard) Poll() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.outputBuf) > 0
}

// Read pops the next byte the keyboard has queued for the host.
func (k *PS2Keyboard) Read() (uint8, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.outputBuf) == 0 {
		return 0, false
	}

	v := k.outputBuf[0]
	k.outputBuf = k.outputBuf[1:]

	return v, true
}

// Write delivers a command byte from the host to the keyboard.
func (k *PS2Keyboard) Write(v uint8) {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch k.state {
	case ps2KeyboardNormal:
		switch v {
		case 0xED: // update LEDs
			k.queueOutputByte(0xFA)
			k.state = ps2KeyboardSetLED
		case 0xF2: // read keyboard ID
			k.queueOutputByte(0xFA)
		case 0xF4: // enable scanning
			k.queueOutputByte(0xFA)
		case 0xF0: // select scancode set
			k.queueOutputByte(0xFA)
			k.state = ps2KeyboardSetScancode
		case 0xF3: // set repeat rate and delay
			k.queueOutputByte(0xFA)
			k.state = ps2KeyboardSetRepeat
		case 0xF6: // reset keyboard (keep settings defaults, clear LEDs)
			k.ledState = 0
			k.queueOutputByte(0xFA)
		case 0xFF: // reset and self test
			k.reset(true)
		default:
			log.Printf("device: ps2 keyboard: unknown command 0x%x", v)
		}
	case ps2KeyboardSetScancode:
		k.selectScancodeSet(v)
		k.queueOutputByte(0xFA)
		k.state = ps2KeyboardNormal
	case ps2KeyboardSetRepeat:
		k.queueOutputByte(0xFA)
		k.state = ps2KeyboardNormal
	case ps2KeyboardSetLED:
		k.ledState = v
		k.queueOutputByte(0xFA)
		k.state = ps2KeyboardNormal
	}
}

func (k *PS2Keyboard) selectScancodeSet(n uint8) {
	if n < 1 || n > 3 {
		n = 2
	}

	k.scancodeSetNo = int(n)
}

// KeyDown queues a key-down event for USB scancode x.
func (k *PS2Keyboard) KeyDown(x uint8) {
	k.mu.Lock()
	defer k.mu.Unlock()

	sc, ok := k.toScancode(x)
	if !ok {
		return
	}

	k.queueCode(sc[0])
}

// KeyUp queues a key-up event for USB scancode x.
func (k *PS2Keyboard) KeyUp(x uint8) {
	k.mu.Lock()
	defer k.mu.Unlock()

	sc, ok := k.toScancode(x)
	if !ok {
		return
	}

	k.queueCode(sc[1])
}

func (k *PS2Keyboard) toScancode(v uint8) ([2][]byte, bool) {
	if k.scancodeSetNo != 2 {
		log.Printf("device: ps2 keyboard: scancode set %d not supported", k.scancodeSetNo)

		return [2][]byte{}, false
	}

	sc, ok := usbToScancodeSet2[v]
	if !ok {
		log.Printf("device: ps2 keyboard: unmappable USB keycode 0x%x", v)
	}

	return sc, ok
}

func (k *PS2Keyboard) queueCode(code []byte) {
	k.outputBuf = append(k.outputBuf, code...)
	k.notifyLocked()
}

func (k *PS2Keyboard) queueOutputByte(b byte) {
	k.outputBuf = append(k.outputBuf, b)
	k.notifyLocked()
}

func (k *PS2Keyboard) notifyLocked() {
	if k.notify != nil {
		k.notify()
	}
}

// PS2 controller config-RAM state.
const (
	ps2CtlNormal = iota
	ps2CtlCfgRAMWrite
)

// PS2IRQRaiser is the subset of *kvm.VM the controller needs to signal IRQ1.
type PS2IRQRaiser interface {
	SetIRQLine(irq uint32, level bool) error
}

// PS2Controller is the dual-port 8042-style keyboard controller at
// 0x60/0x61/0x64: a command/config-RAM state machine fronting a
// PS2Keyboard. The mouse port is modeled only as far as its enable/disable
// and self-test commands, since no mouse device is attached.
type PS2Controller struct {
	*iodev.RegisterFile

	vm           PS2IRQRaiser
	sysResetFunc func()

	keyboard *PS2Keyboard

	inputBuf      []byte
	cfgRAM        [32]uint8
	state        int
	cfgRAMOffset int
}

// NewPS2Controller builds the controller, wired to vm for IRQ1 delivery and
// sysResetFunc for the pulse-output-line-0 reset command.
func NewPS2Controller(vm PS2IRQRaiser, sysResetFunc func()) *PS2Controller {
	d := &PS2Controller{vm: vm, sysResetFunc: sysResetFunc}
	d.keyboard = NewPS2Keyboard()
	d.keyboard.notify = d.updateIntr

	regs := []*iodev.Register{
		{Name: "r60", Offset: 0, Width: 8, Get: d.getData, Set: d.setData},
		{Name: "r61", Offset: 1, Width: 8, Get: d.getR61, Set: d.setR61},
		{Name: "r64", Offset: 4, Width: 8, Get: d.getStatus, Set: d.setCommand},
	}

	d.RegisterFile = iodev.NewRegisterFile(0x60, 8, regs)

	return d
}

// Keyboard returns the attached keyboard device, for wiring host key
// events into it.
func (d *PS2Controller) Keyboard() *PS2Keyboard { return d.keyboard }

func (d *PS2Controller) getData() uint64 {
	if d.state != ps2CtlNormal {
		log.Printf("device: ps2: unexpected state reading data port")
		d.state = ps2CtlNormal

		return 0
	}

	if len(d.inputBuf) > 0 {
		v := d.inputBuf[0]
		d.inputBuf = d.inputBuf[1:]
		d.updateIntr()

		return uint64(v)
	}

	v, ok := d.keyboard.Read()
	d.updateIntr()

	if !ok {
		return 0
	}

	return uint64(v)
}

func (d *PS2Controller) setData(v uint64) {
	if d.state == ps2CtlCfgRAMWrite {
		d.cfgRAM[d.cfgRAMOffset] = uint8(v)
		d.updateIntr()
		d.state = ps2CtlNormal

		return
	}

	d.keyboard.Write(uint8(v))
}

func (d *PS2Controller) getStatus() uint64 {
	var flags uint64

	if len(d.inputBuf) != 0 || d.keyboard.Poll() {
		flags |= 1 << 0 // output buffer full
	}

	if d.cfgRAM[0]&(1<<2) != 0 {
		flags |= 1 << 2 // system flag
	}

	if d.state == ps2CtlCfgRAMWrite {
		flags |= 1 << 3
	}

	return flags
}

func (d *PS2Controller) setCommand(v uint64) {
	cmd := uint8(v)

	switch {
	case cmd >= 0x20 && cmd <= 0x3F:
		d.inputBuf = append(d.inputBuf, d.cfgRAM[cmd&0x1F])
	case cmd >= 0x60 && cmd <= 0x7F:
		d.state = ps2CtlCfgRAMWrite
		d.cfgRAMOffset = int(cmd & 0x1F)
	case cmd == 0xAD: // disable port A
		d.cfgRAM[0] |= 1 << 4
	case cmd == 0xAE: // enable port A
		d.cfgRAM[0] &^= 1 << 4
	case cmd == 0xA7: // disable port B
		d.cfgRAM[0] |= 1 << 5
	case cmd == 0xA8: // enable port B
		d.cfgRAM[0] &^= 1 << 5
	case cmd == 0xAA: // self-test controller
		d.inputBuf = append(d.inputBuf, 0x55)
	case cmd == 0xAB: // self-test port A
		d.inputBuf = append(d.inputBuf, 0x00)
	case cmd == 0xA9: // self-test port B
		d.inputBuf = append(d.inputBuf, 0x06)
	case cmd&0xF0 == 0xF0:
		d.pulseOutputLines(cmd)
	default:
		log.Printf("device: ps2: unknown command 0x%x", cmd)
	}
}

func (d *PS2Controller) pulseOutputLines(cmd uint8) {
	doReset := false

	for i := uint(0); i < 4; i++ {
		if cmd&(1<<i) == 0 {
			if i == 0 {
				doReset = true
			} else {
				log.Printf("device: ps2: pulsing unknown line %d", i)
			}
		}
	}

	if doReset && d.sysResetFunc != nil {
		d.sysResetFunc()
	}
}

// getR61/setR61 implement GRUB2's PIT-speaker-port compatibility read.
func (d *PS2Controller) getR61() uint64 { return 0x21 }
func (d *PS2Controller) setR61(uint64)  {}

func (d *PS2Controller) updateIntr() {
	if d.vm == nil {
		return
	}

	newStatus := d.cfgRAM[0]&1 != 0 && (len(d.inputBuf) > 0 || d.keyboard.Poll())

	if err := d.vm.SetIRQLine(1, false); err != nil {
		log.Printf("device: ps2: set irq line: %v", err)
	}

	if newStatus {
		if err := d.vm.SetIRQLine(1, true); err != nil {
			log.Printf("device: ps2: set irq line: %v", err)
		}
	}
}
