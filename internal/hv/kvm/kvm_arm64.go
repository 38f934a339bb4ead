//go:build linux && arm64

package kvm

import (
	"fmt"

	"github.com/tinyrange/aether/internal/hv"
)

const (
	kvmRegArm64         uint64 = 0x6000000000000000
	kvmRegSizeU64       uint64 = 0x0030000000000000
	kvmRegArmCoproShift        = 16
	kvmRegArmCore       uint64 = 0x0010 << kvmRegArmCoproShift
	kvmRegArm64SysReg   uint64 = 0x0013 << kvmRegArmCoproShift
)

// PSTATE for EL1 using SP_EL1 with D, A, I and F masked.
const pstateEL1h = 0x3c5

// cpacrFPEN stops FP/SIMD instructions trapping at EL1 and EL0.
const cpacrFPEN = 3 << 20

func arm64SysReg(op0, op1, crn, crm, op2 uint64) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArm64SysReg |
		((op0 << 14) & 0xc000) |
		((op1 << 11) & 0x3800) |
		((crn << 7) & 0x0780) |
		((crm << 3) & 0x0078) |
		(op2 & 0x7)
}

// arm64CoreRegister addresses a field of struct kvm_regs by byte offset.
func arm64CoreRegister(offsetBytes uintptr) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArmCore | uint64(offsetBytes/4)
}

func arm64X(n int) uint64 { return arm64CoreRegister(uintptr(n * 8)) }

var (
	arm64RegPC     = arm64CoreRegister(32 * 8)
	arm64RegPstate = arm64CoreRegister(33 * 8)
	arm64RegSpEl1  = arm64CoreRegister(34 * 8)

	arm64SysRegCpacrEl1 = arm64SysReg(3, 0, 1, 0, 2)
)

func (b *Backend) Arch() hv.CpuArchitecture { return hv.ArchitectureARM64 }

func (b *Backend) archVMInit() error { return nil }

func (b *Backend) archVCPUInit(vcpu *virtualCPU) error {
	init, err := preferredTarget(b.vmFd)
	if err != nil {
		return fmt.Errorf("getting preferred target: %w", err)
	}

	init.enable(featurePSCI02)

	if err := vcpu.init(init); err != nil {
		return fmt.Errorf("initializing vCPU: %w", err)
	}

	// The reset state already has the MMU off (SCTLR_EL1.M == 0).
	for _, reg := range []struct {
		name  string
		id    uint64
		value uint64
	}{
		{"pc", arm64RegPC, hv.CodeBase},
		{"sp_el1", arm64RegSpEl1, hv.StackTop},
		{"pstate", arm64RegPstate, pstateEL1h},
		{"cpacr_el1", arm64SysRegCpacrEl1, cpacrFPEN},
	} {
		if err := vcpu.setReg(reg.id, reg.value); err != nil {
			return fmt.Errorf("setting %s: %w", reg.name, err)
		}
	}

	return nil
}

// hypercallArgs returns x0 and x1. The call number itself is the value the
// guest stored to the doorbell, conventionally x8.
func (b *Backend) hypercallArgs() (uint64, uint64, error) {
	x0, err := b.vcpu.reg(arm64X(0))
	if err != nil {
		return 0, 0, err
	}
	x1, err := b.vcpu.reg(arm64X(1))
	if err != nil {
		return 0, 0, err
	}
	return x0, x1, nil
}

func (b *Backend) setHypercallReturn(ret uint64) error {
	return b.vcpu.setReg(arm64X(0), ret)
}

func (b *Backend) programCounter() (uint64, error) {
	if b.vcpu == nil {
		return 0, fmt.Errorf("kvm: no vCPU")
	}
	return b.vcpu.reg(arm64RegPC)
}
