//go:build linux && amd64

package kvm

import "unsafe"

// maxCPUIDEntries bounds KVM_GET_SUPPORTED_CPUID. Current hosts report well
// under a hundred leaves.
const maxCPUIDEntries = 256

type regs struct {
	rax, rbx, rcx, rdx uint64
	rsi, rdi, rsp, rbp uint64
	r8, r9, r10, r11   uint64
	r12, r13, r14, r15 uint64
	rip, rflags        uint64
}

type segment struct {
	base     uint64
	limit    uint32
	selector uint16
	typ      uint8
	present  uint8
	dpl      uint8
	db       uint8
	s        uint8
	l        uint8
	g        uint8
	avl      uint8
	unusable uint8
	_        uint8
}

type dtable struct {
	base  uint64
	limit uint16
	_     [3]uint16
}

type sregs struct {
	cs, ds, es, fs, gs, ss segment
	tr, ldt                segment
	gdt, idt               dtable
	cr0, cr2, cr3, cr4     uint64
	cr8                    uint64
	efer                   uint64
	apicBase               uint64
	interruptBitmap        [4]uint64
}

type cpuidEntry struct {
	function uint32
	index    uint32
	flags    uint32
	eax      uint32
	ebx      uint32
	ecx      uint32
	edx      uint32
	_        [3]uint32
}

// cpuid is struct kvm_cpuid2 with its flexible array sized up front.
type cpuid struct {
	nent    uint32
	_       uint32
	entries [maxCPUIDEntries]cpuidEntry
}

var (
	kvmGetSupportedCPUID = iowr(0x05, unsafe.Offsetof(cpuid{}.entries))
	kvmSetTSSAddr        = ioNone(0x47)
	kvmGetRegs           = ior(0x81, unsafe.Sizeof(regs{}))
	kvmSetRegs           = iow(0x82, unsafe.Sizeof(regs{}))
	kvmGetSregs          = ior(0x83, unsafe.Sizeof(sregs{}))
	kvmSetSregs          = iow(0x84, unsafe.Sizeof(sregs{}))
	kvmSetCPUID2         = iow(0x90, unsafe.Offsetof(cpuid{}.entries))
)

func supportedCPUID(sys int) (*cpuid, error) {
	c := &cpuid{nent: maxCPUIDEntries}
	if err := ioctlPtr(sys, kvmGetSupportedCPUID, c); err != nil {
		return nil, err
	}
	return c, nil
}

func setTSSAddr(vm int, addr uint64) error {
	_, err := ioctlValue(vm, kvmSetTSSAddr, uintptr(addr))
	return err
}

func (v *virtualCPU) regs() (regs, error) {
	var r regs
	err := ioctlPtr(v.fd, kvmGetRegs, &r)
	return r, err
}

func (v *virtualCPU) setRegs(r regs) error {
	return ioctlPtr(v.fd, kvmSetRegs, &r)
}

func (v *virtualCPU) sregs() (sregs, error) {
	var s sregs
	err := ioctlPtr(v.fd, kvmGetSregs, &s)
	return s, err
}

func (v *virtualCPU) setSregs(s sregs) error {
	return ioctlPtr(v.fd, kvmSetSregs, &s)
}

func (v *virtualCPU) setCPUID(c *cpuid) error {
	return ioctlPtr(v.fd, kvmSetCPUID2, c)
}
