//go:build darwin && arm64

package bindings

import "fmt"

// Return is hv_return_t. The framework reports failures as mach error codes
// in the 0xfae94000 range.
type Return uint32

const (
	HV_SUCCESS             Return = 0
	HV_ERROR               Return = 0xfae94001
	HV_BUSY                Return = 0xfae94002
	HV_BAD_ARGUMENT        Return = 0xfae94003
	HV_ILLEGAL_GUEST_STATE Return = 0xfae94004
	HV_NO_RESOURCES        Return = 0xfae94005
	HV_NO_DEVICE           Return = 0xfae94006
	HV_DENIED              Return = 0xfae94007
	HV_UNSUPPORTED         Return = 0xfae9400f
)

func (r Return) Error() string {
	switch r {
	case HV_SUCCESS:
		return "success"
	case HV_ERROR:
		return "error"
	case HV_BUSY:
		return "busy"
	case HV_BAD_ARGUMENT:
		return "bad argument"
	case HV_ILLEGAL_GUEST_STATE:
		return "illegal guest state"
	case HV_NO_RESOURCES:
		return "no resources"
	case HV_NO_DEVICE:
		return "no device"
	case HV_DENIED:
		return "denied"
	case HV_UNSUPPORTED:
		return "unsupported"
	default:
		return fmt.Sprintf("unknown error: 0x%x", uint32(r))
	}
}

// VMConfig and VcpuConfig are opaque os_object handles. Zero selects the
// framework defaults.
type (
	VMConfig   uintptr
	VcpuConfig uintptr
)

// IPA is a guest intermediate physical address (hv_ipa_t).
type IPA uint64

// VCPU is a vCPU instance ID (hv_vcpu_t).
type VCPU uint64

// MemoryFlags is hv_memory_flags_t.
type MemoryFlags uint64

const (
	HV_MEMORY_READ  MemoryFlags = 1 << 0
	HV_MEMORY_WRITE MemoryFlags = 1 << 1
	HV_MEMORY_EXEC  MemoryFlags = 1 << 2
)

// ExitReason is hv_exit_reason_t.
type ExitReason uint32

const (
	HV_EXIT_REASON_CANCELED         ExitReason = 0
	HV_EXIT_REASON_EXCEPTION        ExitReason = 1
	HV_EXIT_REASON_VTIMER_ACTIVATED ExitReason = 2
	HV_EXIT_REASON_UNKNOWN          ExitReason = 3
)

func (r ExitReason) String() string {
	switch r {
	case HV_EXIT_REASON_CANCELED:
		return "canceled"
	case HV_EXIT_REASON_EXCEPTION:
		return "exception"
	case HV_EXIT_REASON_VTIMER_ACTIVATED:
		return "vtimer activated"
	case HV_EXIT_REASON_UNKNOWN:
		return "unknown"
	default:
		return fmt.Sprintf("unknown exit reason: %d", r)
	}
}

// ExceptionSyndrome corresponds to ESR_EL2.
type ExceptionSyndrome uint64

// VcpuExitException corresponds to hv_vcpu_exit_exception_t.
type VcpuExitException struct {
	Syndrome        ExceptionSyndrome
	VirtualAddress  uint64
	PhysicalAddress IPA
}

// VcpuExit corresponds to hv_vcpu_exit_t, including the padding after the
// 32-bit reason.
type VcpuExit struct {
	Reason    ExitReason
	_         uint32
	Exception VcpuExitException
}

// Reg is hv_reg_t.
type Reg uint32

const (
	HV_REG_X0   Reg = 0
	HV_REG_X1   Reg = 1
	HV_REG_X8   Reg = 8
	HV_REG_PC   Reg = 31
	HV_REG_CPSR Reg = 34
)

// SysReg is hv_sys_reg_t, the MSR encoding of the register.
type SysReg uint16

const (
	HV_SYS_REG_SCTLR_EL1 SysReg = 0xc080
	HV_SYS_REG_CPACR_EL1 SysReg = 0xc082
	HV_SYS_REG_SP_EL1    SysReg = 0xe208
)
