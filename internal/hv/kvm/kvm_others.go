//go:build linux && !amd64 && !arm64

package kvm

import (
	"fmt"

	"github.com/tinyrange/aether/internal/hv"
)

func (b *Backend) Arch() hv.CpuArchitecture { return hv.ArchitectureInvalid }

func (b *Backend) archVMInit() error {
	return fmt.Errorf("kvm: %w", hv.ErrHypervisorUnsupported)
}

func (b *Backend) archVCPUInit(vcpu *virtualCPU) error {
	return fmt.Errorf("kvm: %w", hv.ErrHypervisorUnsupported)
}

func (b *Backend) hypercallArgs() (uint64, uint64, error) {
	return 0, 0, fmt.Errorf("kvm: hypercalls not supported on this architecture")
}

func (b *Backend) setHypercallReturn(ret uint64) error {
	return fmt.Errorf("kvm: hypercalls not supported on this architecture")
}

func (b *Backend) programCounter() (uint64, error) {
	return 0, fmt.Errorf("kvm: program counter not available on this architecture")
}
