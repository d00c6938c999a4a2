package vmm

import (
	"fmt"
	"log"

	"github.com/hlandau/kvmtest/kvm"
)

// x86 MSR indices this monitor programs directly around a reset. These are
// standard architectural/AMD64 values, not anything the kernel enumerates.
const (
	msrIA32SysenterCS  = 0x174
	msrIA32SysenterESP = 0x175
	msrIA32SysenterEIP = 0x176
	msrStar            = 0xC000_0081
	msrLSTAR           = 0xC000_0082
	msrCSTAR           = 0xC000_0083
	msrSyscallMask     = 0xC000_0084
	msrKernelGSBase    = 0xC000_0102
	msrIA32TSC         = 0x10
	msrIA32MiscEnable  = 0x1A0

	miscEnableFastString = 1 << 0
)

// hiddenMSRs are MSR indices the kernel's reported index list omits but
// that still carry state worth snapshotting and restoring across a reset.
var hiddenMSRs = []uint32{
	0x200, 0x201, 0x202, 0x203, 0x204, 0x205, 0x206, 0x207,
	0x208, 0x209, 0x20a, 0x20b, 0x20c, 0x20d, 0x20e, 0x20f,
	0x250, 0x258, 0x259,
	0x268, 0x269, 0x26a, 0x26b, 0x26c, 0x26d, 0x26e, 0x26f,
	0x277, 0x2ff,
}

// filteredMSRs are indices stripped from the kernel's reported list before
// snapshotting: MSR_IA32_TSC always reads as whatever instant the host last
// saw, so snapshotting and restoring it would desynchronize the guest clock
// rather than reset it, and 0x4000_0020 is a KVM-private paravirt MSR no
// guest visible at this monitor's feature level ever touches.
var filteredMSRs = []uint32{msrIA32TSC, 0x4000_0020}

// zeroedMSRsOnReset are programmed to power-on (zero, or an architectural
// default) values on every reset regardless of what the snapshot held,
// matching the state a real CPU reset leaves them in.
var zeroedMSRsOnReset = []uint32{
	msrIA32SysenterCS, msrIA32SysenterESP, msrIA32SysenterEIP,
	msrStar, msrLSTAR, msrCSTAR, msrSyscallMask, msrKernelGSBase,
	msrIA32TSC,
}

// initMSRSnapshot records the vcpu's power-on MSR values for every index
// the kernel reports plus the hidden set, minus the filtered set, so a
// later reset can detect and restore guest-caused drift.
func (v *VMM) initMSRSnapshot() error {
	reported, err := v.hv.GetMSRIndexList()
	if err != nil {
		return fmt.Errorf("vmm: querying MSR index list: %w", err)
	}

	filtered := make(map[uint32]bool, len(filteredMSRs))
	for _, idx := range filteredMSRs {
		filtered[idx] = true
	}

	seen := map[uint32]bool{}
	indices := make([]uint32, 0, len(reported)+len(hiddenMSRs))

	for _, idx := range append(append([]uint32{}, reported...), hiddenMSRs...) {
		if filtered[idx] || seen[idx] {
			continue
		}

		seen[idx] = true

		indices = append(indices, idx)
	}

	entries, err := v.vcpu.GetMSRs(indices)
	if err != nil {
		return fmt.Errorf("vmm: snapshotting MSRs: %w", err)
	}

	state := make(map[uint32]uint64, len(entries))
	for _, e := range entries {
		state[e.Index] = e.Data
	}

	v.msrIndexList = indices
	v.initialMSRState = state

	return nil
}

// restoreMSRs re-reads every snapshotted MSR, logs and restores any the
// guest changed, then forces the always-zeroed reset set, including
// MSR_IA32_MISC_ENABLE's FastString bit back on.
func (v *VMM) restoreMSRs() error {
	current, err := v.vcpu.GetMSRs(v.msrIndexList)
	if err != nil {
		return fmt.Errorf("vmm: reading current MSRs: %w", err)
	}

	restore := make([]kvm.MSREntry, 0, len(current)+len(zeroedMSRsOnReset)+1)

	for _, e := range current {
		if orig, ok := v.initialMSRState[e.Index]; ok && orig != e.Data {
			log.Printf("vmm: MSR %#x drifted from %#x to %#x, restoring", e.Index, orig, e.Data)

			restore = append(restore, kvm.MSREntry{Index: e.Index, Data: orig})
		}
	}

	for _, idx := range zeroedMSRsOnReset {
		restore = append(restore, kvm.MSREntry{Index: idx, Data: 0})
	}

	restore = append(restore, kvm.MSREntry{Index: msrIA32MiscEnable, Data: miscEnableFastString})

	if err := v.vcpu.SetMSRs(restore); err != nil {
		return fmt.Errorf("vmm: restoring MSRs: %w", err)
	}

	return nil
}
