// Code generated by stringer -type=ExitReason; adapted by hand to avoid a
// build-time codegen dependency that cannot run in this environment.

package kvm

import "strconv"

func (e ExitReason) String() string {
	switch e {
	case ExitUnknown:
		return "EXIT_UNKNOWN"
	case ExitException:
		return "EXIT_EXCEPTION"
	case ExitIO:
		return "EXIT_IO"
	case ExitHypercall:
		return "EXIT_HYPERCALL"
	case ExitDebug:
		return "EXIT_DEBUG"
	case ExitHLT:
		return "EXIT_HLT"
	case ExitMMIO:
		return "EXIT_MMIO"
	case ExitIRQWindowOpen:
		return "EXIT_IRQ_WINDOW_OPEN"
	case ExitShutdown:
		return "EXIT_SHUTDOWN"
	case ExitFailEntry:
		return "EXIT_FAIL_ENTRY"
	case ExitIntr:
		return "EXIT_INTR"
	case ExitSetTPR:
		return "EXIT_SET_TPR"
	case ExitTPRAccess:
		return "EXIT_TPR_ACCESS"
	case ExitInternalError:
		return "EXIT_INTERNAL_ERROR"
	case ExitSystemEvent:
		return "EXIT_SYSTEM_EVENT"
	default:
		return "ExitReason(" + strconv.FormatUint(uint64(e), 10) + ")"
	}
}
