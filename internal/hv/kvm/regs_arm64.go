//go:build linux && arm64

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	vcpuFeatureWords = 7
	featurePSCI02    = 2
)

type vcpuInit struct {
	target   uint32
	features [vcpuFeatureWords]uint32
}

func (i *vcpuInit) enable(feature uint32) {
	if word := feature / 32; word < vcpuFeatureWords {
		i.features[word] |= 1 << (feature % 32)
	}
}

type oneReg struct {
	id   uint64
	addr uint64
}

var (
	kvmGetOneReg          = iow(0xab, unsafe.Sizeof(oneReg{}))
	kvmSetOneReg          = iow(0xac, unsafe.Sizeof(oneReg{}))
	kvmARMVCPUInit        = iow(0xae, unsafe.Sizeof(vcpuInit{}))
	kvmARMPreferredTarget = ior(0xaf, unsafe.Sizeof(vcpuInit{}))
)

func preferredTarget(vm int) (vcpuInit, error) {
	var init vcpuInit
	err := ioctlPtr(vm, kvmARMPreferredTarget, &init)
	return init, err
}

func (v *virtualCPU) init(init vcpuInit) error {
	return ioctlPtr(v.fd, kvmARMVCPUInit, &init)
}

// oneRegIoctl moves one register through value. The kernel writes through
// the address stored in oneReg, so no call may sit between taking that
// address and entering the syscall.
func oneRegIoctl(fd int, req uintptr, id uint64, value *uint64) error {
	for {
		r := oneReg{id: id, addr: uint64(uintptr(unsafe.Pointer(value)))}
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(unsafe.Pointer(&r)))
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

func (v *virtualCPU) reg(id uint64) (uint64, error) {
	value := new(uint64)
	err := oneRegIoctl(v.fd, kvmGetOneReg, id, value)
	return *value, err
}

func (v *virtualCPU) setReg(id, value uint64) error {
	return oneRegIoctl(v.fd, kvmSetOneReg, id, &value)
}
