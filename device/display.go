package device

// DisplayHook is the core's only contact with the graphical framebuffer,
// which runs as an external observer thread outside this implementation:
// ModeChange fires on every platform reset, when the guest's display reverts
// to its power-on mode (so an external window can resize/remap its view), and
// KeyEvent is the sink a host input thread feeds, matching the PS/2
// keyboard's USB-scancode input shape.
type DisplayHook interface {
	ModeChange()
	KeyEvent(down bool, usbScancode uint8)
}

// NoopDisplayHook satisfies DisplayHook without driving any window; it is
// the default when no external display observer is attached.
type NoopDisplayHook struct{}

func (NoopDisplayHook) ModeChange()                       {}
func (NoopDisplayHook) KeyEvent(down bool, scancode uint8) {}
