package vmm

import (
	"os"
	"testing"
)

func requireKVM(t *testing.T) {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("skipping test since we are not root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("skipping test since /dev/kvm is unavailable: %v", err)
	}
}

func TestInitCapturesBaselineVcpuState(t *testing.T) {
	requireKVM(t)
	t.Parallel()

	v := New(Config{})

	if err := v.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer v.Close()

	if v.hostCPUID == nil || v.hostCPUID.Nent() == 0 {
		t.Fatalf("expected at least one supported CPUID entry after Init")
	}

	if len(v.msrIndexList) == 0 {
		t.Fatalf("expected a non-empty MSR index list after Init")
	}

	if v.origRegs == nil || v.origSregs == nil || v.origFPU == nil {
		t.Fatalf("expected original regs/sregs/fpu to be captured")
	}
}

func TestFeedKeyEventWithoutPlatformIsANoop(t *testing.T) {
	t.Parallel()

	v := New(Config{})

	// No platform has been built yet (Setup/Reset never called); this must
	// not panic.
	v.FeedKeyEvent(0x04)
}
