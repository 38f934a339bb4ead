//go:build linux && amd64

package kvm

import (
	"testing"
	"unsafe"

	"github.com/tinyrange/aether/internal/hv"
)

func TestAMD64RequestNumbers(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"KVM_GET_SUPPORTED_CPUID", kvmGetSupportedCPUID, 0xc008ae05},
		{"KVM_SET_TSS_ADDR", kvmSetTSSAddr, 0xae47},
		{"KVM_GET_REGS", kvmGetRegs, 0x8090ae81},
		{"KVM_SET_REGS", kvmSetRegs, 0x4090ae82},
		{"KVM_GET_SREGS", kvmGetSregs, 0x8138ae83},
		{"KVM_SET_SREGS", kvmSetSregs, 0x4138ae84},
		{"KVM_SET_CPUID2", kvmSetCPUID2, 0x4008ae90},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = 0x%x, want 0x%x", tt.name, tt.got, tt.want)
		}
	}

	if size := unsafe.Sizeof(cpuidEntry{}); size != 40 {
		t.Errorf("cpuid entry is %d bytes, want 40", size)
	}
}

func TestSegmentFor(t *testing.T) {
	code := segmentFor(hv.CodeSegment())
	if code.l != 1 || code.db != 0 || code.present != 1 {
		t.Fatalf("code segment = %+v", code)
	}
	if code.limit != 0xffffffff || code.base != 0 {
		t.Fatalf("code segment is not flat: %+v", code)
	}
}
