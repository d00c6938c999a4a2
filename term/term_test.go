package term_test

import (
	"errors"
	"testing"

	"github.com/hlandau/kvmtest/term"
	"golang.org/x/sys/unix"
)

func TestSetRawMode(t *testing.T) {
	t.Parallel()

	restore, err := term.SetRawMode()
	if err != nil && !errors.Is(err, unix.ENOTTY) {
		t.Fatalf("error SetRawMode: %v", err)
	}

	restore()
}
