package kvm_test

import (
	"testing"

	"github.com/hlandau/kvmtest/kvm"
)

func TestExitReasonStringer(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		value kvm.ExitReason
		want  string
	}{
		{
			name:  "Unknown",
			value: kvm.ExitUnknown,
			want:  "EXIT_UNKNOWN",
		},
		{
			name:  "IO",
			value: kvm.ExitIO,
			want:  "EXIT_IO",
		},
		{
			name:  "HLT",
			value: kvm.ExitHLT,
			want:  "EXIT_HLT",
		},
		{
			name:  "MMIO",
			value: kvm.ExitMMIO,
			want:  "EXIT_MMIO",
		},
		{
			name:  "Shutdown",
			value: kvm.ExitShutdown,
			want:  "EXIT_SHUTDOWN",
		},
		{
			name:  "SystemEvent",
			value: kvm.ExitSystemEvent,
			want:  "EXIT_SYSTEM_EVENT",
		},
		{
			name:  "Unrecognized",
			value: kvm.ExitReason(255),
			want:  "ExitReason(255)",
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if test.value.String() != test.want {
				t.Errorf("have: %s, want: %s", test.value.String(), test.want)
			}
		})
	}
}
