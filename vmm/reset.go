package vmm

import (
	"fmt"

	"github.com/hlandau/kvmtest/kvm"
)

// realModeSelector/realModeBase are the selector/base pair every code/data segment carries
// immediately after a CPU reset: selector 0xF000 based at 0xF0000, the
// classic "high" reset-vector alias that lets the very first instructions
// run from the top of the BIOS image regardless of where RIP lands.
const (
	realModeSelector = 0xF000
	realModeBase     = 0xF000 << 4
	resetRIP         = 0xFFF0
	resetRSP         = 0x8000

	resetFCW   = 0x37F
	resetMXCSR = 0x1F80
)

// resetVcpuState restores the vcpu's register, segment, and FPU state to
// what a real CPU exposes immediately after reset, and restores any MSR
// that drifted from its power-on value during the guest's previous run.
func (v *VMM) resetVcpuState() error {
	sregs := *v.origSregs

	for _, seg := range []*kvm.Segment{&sregs.CS, &sregs.DS, &sregs.ES, &sregs.FS, &sregs.GS, &sregs.SS} {
		seg.Selector = realModeSelector
		seg.Base = realModeBase
	}

	if err := v.vcpu.SetSregs(&sregs); err != nil {
		return fmt.Errorf("vmm: resetting sregs: %w", err)
	}

	regs := &kvm.Regs{
		RFLAGS: 2,
		RIP:    resetRIP,
		RSP:    resetRSP,
		RBP:    resetRSP,
	}

	if err := v.vcpu.SetRegs(regs); err != nil {
		return fmt.Errorf("vmm: resetting regs: %w", err)
	}

	fpu := &kvm.FPU{
		FCW:   resetFCW,
		MXCSR: resetMXCSR,
	}

	if err := v.vcpu.SetFPU(fpu); err != nil {
		return fmt.Errorf("vmm: resetting fpu: %w", err)
	}

	if v.msrIndexList != nil {
		if err := v.restoreMSRs(); err != nil {
			return err
		}
	}

	return nil
}
