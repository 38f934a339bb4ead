//go:build linux && amd64

package kvm

import (
	"fmt"

	"github.com/tinyrange/aether/internal/hv"
)

// tssAddr is the three-page region KVM needs for the real-mode TSS on
// Intel hosts. It sits far above guest RAM.
const tssAddr = 0xfffbd000

func (b *Backend) Arch() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (b *Backend) archVMInit() error {
	if err := setTSSAddr(b.vmFd, tssAddr); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}
	return nil
}

func (b *Backend) archVCPUInit(vcpu *virtualCPU) error {
	ids, err := supportedCPUID(b.kvmFd)
	if err != nil {
		return fmt.Errorf("getting supported CPUID: %w", err)
	}
	if err := vcpu.setCPUID(ids); err != nil {
		return fmt.Errorf("setting CPUID: %w", err)
	}

	cr3, err := hv.BuildIdentityPageTables(b.mem)
	if err != nil {
		return err
	}

	s, err := vcpu.sregs()
	if err != nil {
		return fmt.Errorf("getting sregs: %w", err)
	}

	s.cr3 = cr3
	s.cr4 |= hv.LongModeCR4
	s.cr0 |= hv.LongModeCR0
	s.efer = hv.LongModeEFER

	s.cs = segmentFor(hv.CodeSegment())
	data := segmentFor(hv.DataSegment())
	s.ds, s.es, s.fs, s.gs, s.ss = data, data, data, data, data

	if err := vcpu.setSregs(s); err != nil {
		return fmt.Errorf("setting sregs: %w", err)
	}

	if err := vcpu.setRegs(regs{
		rip:    hv.CodeBase,
		rsp:    hv.StackTop,
		rflags: hv.InitialRFLAGS,
	}); err != nil {
		return fmt.Errorf("setting regs: %w", err)
	}

	return nil
}

func segmentFor(d hv.Segment) segment {
	return segment{
		limit:    0xffffffff,
		selector: d.Selector,
		typ:      d.Type,
		present:  d.Present,
		dpl:      d.DPL,
		db:       d.DB,
		s:        d.S,
		l:        d.L,
		g:        d.G,
		avl:      d.AVL,
	}
}

// hypercallArgs returns the pointer and length the guest placed in RDI and
// RSI before the OUT to the hypercall port.
func (b *Backend) hypercallArgs() (uint64, uint64, error) {
	r, err := b.vcpu.regs()
	if err != nil {
		return 0, 0, err
	}
	return r.rdi, r.rsi, nil
}

func (b *Backend) setHypercallReturn(ret uint64) error {
	r, err := b.vcpu.regs()
	if err != nil {
		return err
	}
	r.rax = ret
	return b.vcpu.setRegs(r)
}

func (b *Backend) programCounter() (uint64, error) {
	if b.vcpu == nil {
		return 0, fmt.Errorf("kvm: no vCPU")
	}
	r, err := b.vcpu.regs()
	if err != nil {
		return 0, err
	}
	return r.rip, nil
}
