//go:build windows

package bindings

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modWinHvPlatform = windows.NewLazySystemDLL("winhvplatform.dll")

	procWHvGetCapability                = modWinHvPlatform.NewProc("WHvGetCapability")
	procWHvCreatePartition              = modWinHvPlatform.NewProc("WHvCreatePartition")
	procWHvSetupPartition               = modWinHvPlatform.NewProc("WHvSetupPartition")
	procWHvDeletePartition              = modWinHvPlatform.NewProc("WHvDeletePartition")
	procWHvSetPartitionProperty         = modWinHvPlatform.NewProc("WHvSetPartitionProperty")
	procWHvMapGpaRange                  = modWinHvPlatform.NewProc("WHvMapGpaRange")
	procWHvUnmapGpaRange                = modWinHvPlatform.NewProc("WHvUnmapGpaRange")
	procWHvCreateVirtualProcessor       = modWinHvPlatform.NewProc("WHvCreateVirtualProcessor")
	procWHvDeleteVirtualProcessor       = modWinHvPlatform.NewProc("WHvDeleteVirtualProcessor")
	procWHvRunVirtualProcessor          = modWinHvPlatform.NewProc("WHvRunVirtualProcessor")
	procWHvCancelRunVirtualProcessor    = modWinHvPlatform.NewProc("WHvCancelRunVirtualProcessor")
	procWHvGetVirtualProcessorRegisters = modWinHvPlatform.NewProc("WHvGetVirtualProcessorRegisters")
	procWHvSetVirtualProcessorRegisters = modWinHvPlatform.NewProc("WHvSetVirtualProcessorRegisters")
)

// Load reports whether winhvplatform.dll and its entry points resolve.
func Load() error {
	if err := modWinHvPlatform.Load(); err != nil {
		return err
	}
	return procWHvRunVirtualProcessor.Find()
}

func callHRESULT(proc *windows.LazyProc, args ...uintptr) error {
	if err := proc.Find(); err != nil {
		return err
	}
	r1, _, _ := proc.Call(args...)
	return HRESULT(int32(r1)).Err()
}

// HypervisorPresent queries WHvCapabilityCodeHypervisorPresent.
func HypervisorPresent() (bool, error) {
	var present, written uint32
	err := callHRESULT(procWHvGetCapability,
		uintptr(CapabilityCodeHypervisorPresent),
		uintptr(unsafe.Pointer(&present)),
		unsafe.Sizeof(present),
		uintptr(unsafe.Pointer(&written)),
	)
	return present != 0, err
}

func CreatePartition() (PartitionHandle, error) {
	var part PartitionHandle
	err := callHRESULT(procWHvCreatePartition, uintptr(unsafe.Pointer(&part)))
	return part, err
}

func SetupPartition(part PartitionHandle) error {
	return callHRESULT(procWHvSetupPartition, uintptr(part))
}

func DeletePartition(part PartitionHandle) error {
	return callHRESULT(procWHvDeletePartition, uintptr(part))
}

func SetProcessorCount(part PartitionHandle, count uint32) error {
	return callHRESULT(procWHvSetPartitionProperty,
		uintptr(part),
		uintptr(PartitionPropertyCodeProcessorCount),
		uintptr(unsafe.Pointer(&count)),
		unsafe.Sizeof(count),
	)
}

func MapGpaRange(part PartitionHandle, source unsafe.Pointer, gpa uint64, size uint64, flags MapGpaRangeFlags) error {
	return callHRESULT(procWHvMapGpaRange,
		uintptr(part), uintptr(source), uintptr(gpa), uintptr(size), uintptr(flags))
}

func UnmapGpaRange(part PartitionHandle, gpa uint64, size uint64) error {
	return callHRESULT(procWHvUnmapGpaRange, uintptr(part), uintptr(gpa), uintptr(size))
}

func CreateVirtualProcessor(part PartitionHandle, index uint32) error {
	return callHRESULT(procWHvCreateVirtualProcessor, uintptr(part), uintptr(index), 0)
}

func DeleteVirtualProcessor(part PartitionHandle, index uint32) error {
	return callHRESULT(procWHvDeleteVirtualProcessor, uintptr(part), uintptr(index))
}

func RunVirtualProcessor(part PartitionHandle, index uint32, exit *RunVPExitContext) error {
	return callHRESULT(procWHvRunVirtualProcessor,
		uintptr(part), uintptr(index), uintptr(unsafe.Pointer(exit)), unsafe.Sizeof(*exit))
}

func CancelRunVirtualProcessor(part PartitionHandle, index uint32) error {
	return callHRESULT(procWHvCancelRunVirtualProcessor, uintptr(part), uintptr(index), 0)
}

func GetVirtualProcessorRegisters(part PartitionHandle, index uint32, names []RegisterName, values []RegisterValue) error {
	if len(names) == 0 {
		return nil
	}
	return callHRESULT(procWHvGetVirtualProcessorRegisters,
		uintptr(part), uintptr(index),
		uintptr(unsafe.Pointer(&names[0])), uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])))
}

func SetVirtualProcessorRegisters(part PartitionHandle, index uint32, names []RegisterName, values []RegisterValue) error {
	if len(names) == 0 {
		return nil
	}
	return callHRESULT(procWHvSetVirtualProcessorRegisters,
		uintptr(part), uintptr(index),
		uintptr(unsafe.Pointer(&names[0])), uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])))
}
