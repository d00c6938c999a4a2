package vmm

import (
	"fmt"

	"github.com/hlandau/kvmtest/kvm"
)

// kvmSignatureFunction is the synthetic CPUID leaf at function 0x40000000 every
// KVM-compatible hypervisor publishes: EAX gives the highest hypervisor leaf
// available, EBX:ECX:EDX spell out the vendor string "KVMKVMKVM\0\0\0".
const kvmSignatureFunction = 0x4000_0000

// ecxHypervisorBit marks CPUID leaf 1 ECX bit 31, telling the guest it is
// running under a hypervisor.
const ecxHypervisorBit = 1 << 31

// initCPUID programs the vcpu's CPUID2 leaves from the kernel-reported
// supported set, forcing the hypervisor-present bit on leaf 1 and appending
// the synthetic KVM signature leaf. This never consults a raw host CPUID
// instruction: every leaf value originates from KVM_GET_SUPPORTED_CPUID.
func (v *VMM) initCPUID() error {
	entries := v.hostCPUID.Entries()
	virt := make([]kvm.CPUIDEntry2, 0, len(entries)+1)

	for _, e := range entries {
		if e.Function == 1 {
			e.ECX |= ecxHypervisorBit
		}

		virt = append(virt, e)
	}

	sig := kvmSignatureEntry()
	virt = append(virt, sig)

	if err := v.vcpu.SetCPUID2(kvm.NewCPUID(virt)); err != nil {
		return fmt.Errorf("vmm: programming CPUID2: %w", err)
	}

	return nil
}

// kvmSignatureEntry builds the 0x40000000 hypervisor-signature leaf: EAX
// advertises leaf 0x40000001 as the highest present, EBX/ECX/EDX carry the
// ASCII string "KVMKVMKVM\0\0\0" in little-endian 32-bit chunks.
func kvmSignatureEntry() kvm.CPUIDEntry2 {
	sig := [12]byte{'K', 'V', 'M', 'K', 'V', 'M', 'K', 'V', 'M', 0, 0, 0}

	le32 := func(b []byte) uint32 {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	}

	return kvm.CPUIDEntry2{
		Function: kvmSignatureFunction,
		EAX:      kvmSignatureFunction | 1,
		EBX:      le32(sig[0:4]),
		ECX:      le32(sig[4:8]),
		EDX:      le32(sig[8:12]),
	}
}

// initLAPIC programs LINT0/LINT1 to ExtINT delivery mode, the mode the PIC
// expects so its IRQ0/IRQ1 lines reach the guest through the local APIC
// rather than being masked as ordinary fixed-vector interrupts.
func (v *VMM) initLAPIC() error {
	lapic, err := v.vcpu.GetLAPIC()
	if err != nil {
		return fmt.Errorf("vmm: reading LAPIC state: %w", err)
	}

	lapic.SetLINT0Mode(kvm.LVTExtINTMode)
	lapic.SetLINT1Mode(kvm.LVTExtINTMode)

	if err := v.vcpu.SetLAPIC(lapic); err != nil {
		return fmt.Errorf("vmm: programming LAPIC state: %w", err)
	}

	return nil
}
