// Package term puts the host controlling terminal into raw mode for the
// duration of a guest boot, so keystrokes reach the emulated PS/2
// keyboard byte-for-byte instead of being line-buffered and echoed by the
// host tty driver.
package term

import "golang.org/x/sys/unix"

// SetRawMode switches fd 0 to raw mode and returns a restore function that
// puts the original terminal settings back.
func SetRawMode() (func(), error) {
	old, err := unix.IoctlGetTermios(0, unix.TCGETS)
	if err != nil {
		return func() {}, err
	}

	t := *old
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	restore := func() {
		_ = unix.IoctlSetTermios(0, unix.TCSETS, old)
	}

	return restore, unix.IoctlSetTermios(0, unix.TCSETS, &t)
}
