// Package probe implements the diagnostic subcommands used to inspect what
// the host kernel's KVM module supports, independent of running a guest.
package probe

import (
	"fmt"

	"github.com/hlandau/kvmtest/kvm"
)

// CPUID opens the hypervisor device, queries KVM_GET_SUPPORTED_CPUID, and
// prints every entry the kernel reports.
func CPUID() error {
	hv, err := kvm.OpenDefault()
	if err != nil {
		return err
	}
	defer hv.Close()

	cpuid, err := hv.GetSupportedCPUID()
	if err != nil {
		return err
	}

	for _, e := range cpuid.Entries() {
		fmt.Printf("0x%08x 0x%02x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x (flags:0x%x)\n",
			e.Function, e.Index, e.EAX, e.EBX, e.ECX, e.EDX, e.Flags)
	}

	return nil
}
