//go:build linux

package kvm

import (
	"testing"
	"unsafe"
)

func TestRequestNumbers(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"KVM_GET_API_VERSION", kvmGetAPIVersion, 0xae00},
		{"KVM_CREATE_VM", kvmCreateVM, 0xae01},
		{"KVM_GET_VCPU_MMAP_SIZE", kvmGetVCPUMmapSize, 0xae04},
		{"KVM_CREATE_VCPU", kvmCreateVCPU, 0xae41},
		{"KVM_SET_USER_MEMORY_REGION", kvmSetUserMemoryRegion, 0x4020ae46},
		{"KVM_RUN", kvmRun, 0xae80},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = 0x%x, want 0x%x", tt.name, tt.got, tt.want)
		}
	}
}

func TestRunDataLayout(t *testing.T) {
	if off := unsafe.Offsetof(runData{}.exit); off != 32 {
		t.Fatalf("exit union at offset %d, want 32", off)
	}
	if size := unsafe.Sizeof(mmioExit{}); size != 24 {
		t.Fatalf("mmio exit is %d bytes, want 24", size)
	}
}

func TestExitReasonString(t *testing.T) {
	if got := exitMMIO.String(); got != "KVM_EXIT_MMIO" {
		t.Fatalf("String = %q", got)
	}
	if got := exitReason(99).String(); got != "KVM_EXIT_99" {
		t.Fatalf("String = %q", got)
	}
}
