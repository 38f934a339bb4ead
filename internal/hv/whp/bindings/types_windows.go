//go:build windows

package bindings

import (
	"fmt"
	"unsafe"
)

// HRESULT is a Windows result code.
type HRESULT int32

func (hr HRESULT) Failed() bool { return hr < 0 }

// Err returns nil for success codes.
func (hr HRESULT) Err() error {
	if hr.Failed() {
		return HRESULTError(hr)
	}
	return nil
}

// HRESULTError adapts a failing HRESULT to the error interface.
type HRESULTError HRESULT

func (e HRESULTError) Error() string {
	return fmt.Sprintf("HRESULT 0x%08x", uint32(e))
}

// PartitionHandle is WHV_PARTITION_HANDLE.
type PartitionHandle uintptr

// CapabilityCode is WHV_CAPABILITY_CODE.
type CapabilityCode uint32

const CapabilityCodeHypervisorPresent CapabilityCode = 0x00000000

// PartitionPropertyCode is WHV_PARTITION_PROPERTY_CODE.
type PartitionPropertyCode uint32

const PartitionPropertyCodeProcessorCount PartitionPropertyCode = 0x00001fff

// MapGpaRangeFlags is WHV_MAP_GPA_RANGE_FLAGS.
type MapGpaRangeFlags uint32

const (
	MapGpaRangeFlagRead    MapGpaRangeFlags = 0x00000001
	MapGpaRangeFlagWrite   MapGpaRangeFlags = 0x00000002
	MapGpaRangeFlagExecute MapGpaRangeFlags = 0x00000004
)

// RegisterName is WHV_REGISTER_NAME.
type RegisterName uint32

const (
	RegisterRax    RegisterName = 0x00000000
	RegisterRsp    RegisterName = 0x00000004
	RegisterRsi    RegisterName = 0x00000006
	RegisterRdi    RegisterName = 0x00000007
	RegisterRip    RegisterName = 0x00000010
	RegisterRflags RegisterName = 0x00000011
	RegisterEs     RegisterName = 0x00000012
	RegisterCs     RegisterName = 0x00000013
	RegisterSs     RegisterName = 0x00000014
	RegisterDs     RegisterName = 0x00000015
	RegisterFs     RegisterName = 0x00000016
	RegisterGs     RegisterName = 0x00000017
	RegisterCr0    RegisterName = 0x0000001c
	RegisterCr3    RegisterName = 0x0000001e
	RegisterCr4    RegisterName = 0x0000001f
	RegisterEfer   RegisterName = 0x00002001
)

// RegisterValue mirrors the 16-byte WHV_REGISTER_VALUE union.
type RegisterValue [16]byte

// SegmentRegister mirrors WHV_X64_SEGMENT_REGISTER.
type SegmentRegister struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

func Uint64Value(v uint64) RegisterValue {
	var r RegisterValue
	*(*uint64)(unsafe.Pointer(&r[0])) = v
	return r
}

func SegmentValue(s SegmentRegister) RegisterValue {
	var r RegisterValue
	*(*SegmentRegister)(unsafe.Pointer(&r[0])) = s
	return r
}

func (r *RegisterValue) Uint64() uint64 {
	return *(*uint64)(unsafe.Pointer(&r[0]))
}

// RunVPExitReason is WHV_RUN_VP_EXIT_REASON.
type RunVPExitReason uint32

const (
	RunVPExitReasonNone                   RunVPExitReason = 0x00000000
	RunVPExitReasonMemoryAccess           RunVPExitReason = 0x00000001
	RunVPExitReasonX64IoPortAccess        RunVPExitReason = 0x00000002
	RunVPExitReasonUnrecoverableException RunVPExitReason = 0x00000004
	RunVPExitReasonInvalidVpRegisterValue RunVPExitReason = 0x00000005
	RunVPExitReasonUnsupportedFeature     RunVPExitReason = 0x00000006
	RunVPExitReasonX64Halt                RunVPExitReason = 0x00000008
	RunVPExitReasonCanceled               RunVPExitReason = 0x00002001
)

func (r RunVPExitReason) String() string {
	switch r {
	case RunVPExitReasonNone:
		return "none"
	case RunVPExitReasonMemoryAccess:
		return "memory access"
	case RunVPExitReasonX64IoPortAccess:
		return "io port access"
	case RunVPExitReasonUnrecoverableException:
		return "unrecoverable exception"
	case RunVPExitReasonInvalidVpRegisterValue:
		return "invalid vp register value"
	case RunVPExitReasonUnsupportedFeature:
		return "unsupported feature"
	case RunVPExitReasonX64Halt:
		return "halt"
	case RunVPExitReasonCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("exit reason 0x%x", uint32(r))
	}
}

// VPExitContext mirrors WHV_VP_EXIT_CONTEXT.
type VPExitContext struct {
	ExecutionState uint16
	// InstructionLength holds the 4-bit instruction length and the 4-bit CR8.
	InstructionLength uint8
	Reserved          uint8
	Reserved2         uint32
	Cs                SegmentRegister
	Rip               uint64
	Rflags            uint64
}

func (c *VPExitContext) InstructionLen() uint64 {
	return uint64(c.InstructionLength & 0x0f)
}

// RunVPExitContext mirrors WHV_RUN_VP_EXIT_CONTEXT on x64.
type RunVPExitContext struct {
	ExitReason RunVPExitReason
	Reserved   uint32
	VpContext  VPExitContext
	payload    [176]byte
}

// IoPortAccessContext mirrors WHV_X64_IO_PORT_ACCESS_CONTEXT.
type IoPortAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	PortNumber           uint16
	Reserved2            [3]uint16
	Rax                  uint64
	Rcx                  uint64
	Rsi                  uint64
	Rdi                  uint64
	Ds                   SegmentRegister
	Es                   SegmentRegister
}

func (c *IoPortAccessContext) IsWrite() bool    { return c.AccessInfo&0x1 != 0 }
func (c *IoPortAccessContext) AccessSize() int { return int(c.AccessInfo>>1) & 0x7 }

// MemoryAccessContext mirrors WHV_MEMORY_ACCESS_CONTEXT.
type MemoryAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	Gpa                  uint64
	Gva                  uint64
}

// AccessType is 0 for reads, 1 for writes and 2 for instruction fetches.
func (c *MemoryAccessContext) AccessType() int { return int(c.AccessInfo & 0x3) }

func (c *MemoryAccessContext) Instruction() []byte {
	return c.InstructionBytes[:min(int(c.InstructionByteCount), len(c.InstructionBytes))]
}

func (e *RunVPExitContext) IoPortAccess() *IoPortAccessContext {
	return (*IoPortAccessContext)(unsafe.Pointer(&e.payload[0]))
}

func (e *RunVPExitContext) MemoryAccess() *MemoryAccessContext {
	return (*MemoryAccessContext)(unsafe.Pointer(&e.payload[0]))
}
