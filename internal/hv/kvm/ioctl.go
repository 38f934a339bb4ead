//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const kvmAPIVersion = 12

// Request numbers follow the asm-generic _IOC layout, which both x86 and
// arm64 use.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	kvmio = 0xae
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | kvmio<<iocTypeShift | nr<<iocNrShift
}

func ioNone(nr uintptr) uintptr { return ioc(iocNone, nr, 0) }
func ior(nr, size uintptr) uintptr { return ioc(iocRead, nr, size) }
func iow(nr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }
func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

var (
	kvmGetAPIVersion       = ioNone(0x00)
	kvmCreateVM            = ioNone(0x01)
	kvmGetVCPUMmapSize     = ioNone(0x04)
	kvmCreateVCPU          = ioNone(0x41)
	kvmSetUserMemoryRegion = iow(0x46, unsafe.Sizeof(memoryRegion{}))
	kvmRun                 = ioNone(0x80)
)

type memoryRegion struct {
	slot          uint32
	flags         uint32
	guestPhysAddr uint64
	memorySize    uint64
	userspaceAddr uint64
}

// ioctlValue issues req with an integer argument, restarting the call when a
// signal interrupts it.
func ioctlValue(fd int, req, arg uintptr) (int, error) {
	for {
		r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
		switch errno {
		case 0:
			return int(r), nil
		case unix.EINTR:
			continue
		default:
			return 0, errno
		}
	}
}

// ioctlPtr issues req with v passed by reference.
func ioctlPtr[T any](fd int, req uintptr, v *T) error {
	p := unsafe.Pointer(v)
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(p))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

func apiVersion(sys int) (int, error) { return ioctlValue(sys, kvmGetAPIVersion, 0) }
func createVM(sys int) (int, error) { return ioctlValue(sys, kvmCreateVM, 0) }
func vcpuMmapSize(sys int) (int, error) { return ioctlValue(sys, kvmGetVCPUMmapSize, 0) }

func createVCPU(vm, id int) (int, error) {
	return ioctlValue(vm, kvmCreateVCPU, uintptr(id))
}

func setMemoryRegion(vm int, region memoryRegion) error {
	return ioctlPtr(vm, kvmSetUserMemoryRegion, &region)
}

// runOnce enters the guest. Unlike the other calls EINTR is handed back so
// that a signal-interrupted run surfaces as a yield.
func runOnce(vcpu int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpu), kvmRun, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
