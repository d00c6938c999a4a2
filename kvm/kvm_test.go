package kvm_test

import (
	"os"
	"testing"

	"github.com/hlandau/kvmtest/kvm"
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

func TestOpenAndCreateVM(t *testing.T) {
	requireKVM(t)
	t.Parallel()

	hv, err := kvm.OpenDefault()
	if err != nil {
		t.Fatalf("OpenDefault failed: %v", err)
	}
	defer hv.Close()

	vm, err := hv.CreateVM()
	if err != nil {
		t.Fatalf("CreateVM failed: %v", err)
	}
	defer vm.Close()

	if _, err := vm.CreateVcpu(0); err != nil {
		t.Fatalf("CreateVcpu failed: %v", err)
	}
}

func TestCheckExtension(t *testing.T) {
	requireKVM(t)
	t.Parallel()

	hv, err := kvm.OpenDefault()
	if err != nil {
		t.Fatalf("OpenDefault failed: %v", err)
	}
	defer hv.Close()

	// KVM_CAP_IRQCHIP is universally supported on x86-64 hosts that
	// implement an in-kernel APIC model.
	const capIRQChip = 0

	if _, err := hv.CheckExtension(capIRQChip); err != nil {
		t.Fatalf("CheckExtension failed: %v", err)
	}
}

func TestGetSupportedCPUID(t *testing.T) {
	requireKVM(t)
	t.Parallel()

	hv, err := kvm.OpenDefault()
	if err != nil {
		t.Fatalf("OpenDefault failed: %v", err)
	}
	defer hv.Close()

	c, err := hv.GetSupportedCPUID()
	if err != nil {
		t.Fatalf("GetSupportedCPUID failed: %v", err)
	}

	if c.Nent() == 0 {
		t.Errorf("expected at least one supported CPUID entry")
	}
}
