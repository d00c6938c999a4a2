package vmm

import (
	"fmt"
	"log"
	"runtime"

	"github.com/hlandau/kvmtest/kvm"
	"golang.org/x/arch/x86/x86asm"
)

// Outcome reports how one supervisor run loop ended.
type Outcome int

const (
	// OutcomeContinue means the loop should issue another KVM_RUN.
	OutcomeContinue Outcome = iota
	// OutcomeShutdown means the guest halted or triple-faulted.
	OutcomeShutdown
	// OutcomeInterrupted means the blocking KVM_RUN ioctl was interrupted
	// by a host signal (a second consecutive occurrence terminates the
	// loop rather than retrying indefinitely).
	OutcomeInterrupted
)

// Run drains KVM_RUN exits until the guest halts or shuts down, dispatching
// I/O and MMIO exits to the device platform. It locks the calling goroutine
// to its OS thread for the duration, matching the kernel's expectation that
// a vcpu's ioctls all come from one thread.
func (v *VMM) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		outcome, err := v.runOnce()
		if err != nil {
			return err
		}

		if outcome != OutcomeContinue {
			return nil
		}
	}
}

// runOnce issues one KVM_RUN and dispatches the resulting exit.
func (v *VMM) runOnce() (Outcome, error) {
	if err := v.vcpu.RunOnce(); err != nil {
		return v.handleInterrupted(err), nil
	}

	v.interruptCount = 0

	switch reason := v.vcpu.ExitReason(); reason {
	case kvm.ExitIO:
		return OutcomeContinue, v.handleIO()
	case kvm.ExitMMIO:
		return OutcomeContinue, v.handleMMIO()
	case kvm.ExitHLT, kvm.ExitShutdown, kvm.ExitFailEntry:
		log.Printf("vmm: vcpu exit: %s", reason)

		return OutcomeShutdown, nil
	case kvm.ExitDebug, kvm.ExitIntr, kvm.ExitSystemEvent, kvm.ExitUnknown:
		log.Printf("vmm: vcpu exit: %s", reason)

		return OutcomeContinue, nil
	default:
		v.dumpState(fmt.Sprintf("unexpected exit reason %s", reason))

		return OutcomeShutdown, nil
	}
}

// handleInterrupted responds to RunOnce returning EINTR: the first
// occurrence in a row is swallowed and the loop retries, a second
// consecutive one terminates the run, matching the original monitor's
// tolerance for exactly one spurious wakeup before giving up.
func (v *VMM) handleInterrupted(err error) Outcome {
	v.interruptCount++

	v.dumpState(fmt.Sprintf("vcpu run interrupted: %v", err))

	if v.interruptCount >= 2 {
		return OutcomeInterrupted
	}

	return OutcomeContinue
}

func (v *VMM) handleIO() error {
	io := v.vcpu.IO()
	buf := v.vcpu.RunBuf()

	for i := uint64(0); i < io.Count; i++ {
		data := buf[io.DataOffset+i*io.Size : io.DataOffset+(i+1)*io.Size]

		switch io.Direction {
		case kvm.IODirOut:
			if err := v.platform.IO.Write(io.Port, data); err != nil {
				log.Printf("vmm: io write port 0x%x: %v", io.Port, err)
			}
		case kvm.IODirIn:
			if err := v.platform.IO.Read(io.Port, data); err != nil {
				log.Printf("vmm: io read port 0x%x: %v", io.Port, err)

				for j := range data {
					data[j] = 0xFF
				}
			}
		}
	}

	return nil
}

func (v *VMM) handleMMIO() error {
	m := v.vcpu.MMIO()
	data := m.Data[:m.Len]

	if m.IsWrite {
		if err := v.platform.Mem.Write(m.PhysAddr, data); err != nil {
			log.Printf("vmm: mmio write 0x%x: %v", m.PhysAddr, err)
		}

		return nil
	}

	if err := v.platform.Mem.Read(m.PhysAddr, data); err != nil {
		log.Printf("vmm: mmio read 0x%x: %v", m.PhysAddr, err)

		for i := range data {
			data[i] = 0xFF
		}
	}

	v.vcpu.SetMMIODataForRead(data)

	return nil
}

// dumpState logs the vcpu's register file and, when the instruction at RIP
// resolves to mapped guest memory, its disassembly, to give an operator
// enough context to diagnose an unexpected exit without a debugger attached.
func (v *VMM) dumpState(reason string) {
	log.Printf("vmm: %s", reason)

	regs, err := v.vcpu.GetRegs()
	if err != nil {
		log.Printf("vmm: reading regs for diagnostic dump: %v", err)

		return
	}

	log.Printf("vmm: RIP=%#x RSP=%#x RFLAGS=%#x RAX=%#x RBX=%#x RCX=%#x RDX=%#x",
		regs.RIP, regs.RSP, regs.RFLAGS, regs.RAX, regs.RBX, regs.RCX, regs.RDX)

	sregs, err := v.vcpu.GetSregs()
	if err != nil {
		return
	}

	linearRIP := sregs.CS.Base + regs.RIP

	insn, err := v.mem.Read(linearRIP, 16)
	if err != nil {
		return
	}

	inst, err := x86asm.Decode(insn, 64)
	if err != nil {
		log.Printf("vmm: cannot decode instruction at %#x: %v", linearRIP, err)

		return
	}

	log.Printf("vmm: next instruction: %s", x86asm.GNUSyntax(inst, linearRIP, nil))
}
