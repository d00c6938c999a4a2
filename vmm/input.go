package vmm

import (
	"bufio"
	"io"
	"log"
)

// FeedKeyEvent delivers one host keystroke to the running platform's PS/2
// keyboard, down immediately followed by up. Safe to call concurrently with
// the vcpu run loop: PS2Controller's keyboard guards its queue with its own
// mutex, the only state this call touches.
func (v *VMM) FeedKeyEvent(usbScancode uint8) {
	p := v.platform
	if p == nil || p.PS2 == nil {
		return
	}

	kb := p.PS2.Keyboard()
	kb.KeyDown(usbScancode)
	v.display.KeyEvent(true, usbScancode)
	kb.KeyUp(usbScancode)
	v.display.KeyEvent(false, usbScancode)
}

// ReadInputLoop reads bytes from r, one at a time, feeding each to the PS/2
// keyboard as a key event, until r returns an error (typically io.EOF on
// host stdin closing). It is meant to run in its own goroutine alongside
// Run, the external input-event thread the supervisor loop never blocks
// waiting on.
func (v *VMM) ReadInputLoop(r io.Reader) {
	br := bufio.NewReader(r)

	for {
		b, err := br.ReadByte()
		if err != nil {
			if err != io.EOF {
				log.Printf("vmm: reading host input: %v", err)
			}

			return
		}

		v.FeedKeyEvent(b)
	}
}
