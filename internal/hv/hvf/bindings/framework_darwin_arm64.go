//go:build darwin && arm64

package bindings

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

const frameworkPath = "/System/Library/Frameworks/Hypervisor.framework/Hypervisor"

var (
	vmCreate      func(config VMConfig) Return
	vmDestroy     func() Return
	vmMap         func(addr unsafe.Pointer, ipa IPA, size uintptr, flags MemoryFlags) Return
	vmUnmap       func(ipa IPA, size uintptr) Return
	vcpuCreate    func(vcpu *VCPU, exit **VcpuExit, config VcpuConfig) Return
	vcpuDestroy   func(vcpu VCPU) Return
	vcpuGetReg    func(vcpu VCPU, reg Reg, value *uint64) Return
	vcpuSetReg    func(vcpu VCPU, reg Reg, value uint64) Return
	vcpuGetSysReg func(vcpu VCPU, reg SysReg, value *uint64) Return
	vcpuSetSysReg func(vcpu VCPU, reg SysReg, value uint64) Return
	vcpuRun       func(vcpu VCPU) Return
	vcpusExit     func(vcpus *VCPU, count uint32) Return
)

var symbols = []struct {
	fn   any
	name string
}{
	{&vmCreate, "hv_vm_create"},
	{&vmDestroy, "hv_vm_destroy"},
	{&vmMap, "hv_vm_map"},
	{&vmUnmap, "hv_vm_unmap"},
	{&vcpuCreate, "hv_vcpu_create"},
	{&vcpuDestroy, "hv_vcpu_destroy"},
	{&vcpuGetReg, "hv_vcpu_get_reg"},
	{&vcpuSetReg, "hv_vcpu_set_reg"},
	{&vcpuGetSysReg, "hv_vcpu_get_sys_reg"},
	{&vcpuSetSysReg, "hv_vcpu_set_sys_reg"},
	{&vcpuRun, "hv_vcpu_run"},
	{&vcpusExit, "hv_vcpus_exit"},
}

// Load opens Hypervisor.framework and binds every call in this package. It
// is safe to call repeatedly; only the first call does any work.
var Load = sync.OnceValue(func() error {
	lib, err := purego.Dlopen(frameworkPath, purego.RTLD_GLOBAL|purego.RTLD_LAZY)
	if err != nil {
		return fmt.Errorf("dlopen %s: %w", frameworkPath, err)
	}
	for _, sym := range symbols {
		addr, err := purego.Dlsym(lib, sym.name)
		if err != nil {
			return fmt.Errorf("dlsym %s: %w", sym.name, err)
		}
		purego.RegisterFunc(sym.fn, addr)
	}
	return nil
})

// CallError names the framework function that failed.
type CallError struct {
	Func string
	Code Return
}

func (e *CallError) Error() string { return e.Func + ": " + e.Code.Error() }

func (e *CallError) Unwrap() error { return e.Code }

func check(name string, r Return) error {
	if r == HV_SUCCESS {
		return nil
	}
	return &CallError{Func: name, Code: r}
}

func bound() error {
	if err := Load(); err != nil {
		return fmt.Errorf("Hypervisor.framework not loaded: %w", err)
	}
	return nil
}

// CreateVM creates the process-wide VM with the default configuration.
func CreateVM() error {
	if err := bound(); err != nil {
		return err
	}
	return check("hv_vm_create", vmCreate(0))
}

func DestroyVM() error {
	if err := bound(); err != nil {
		return err
	}
	return check("hv_vm_destroy", vmDestroy())
}

// Map exposes mem to the guest at ipa. The slice must stay alive and
// unmoved until Unmap.
func Map(mem []byte, ipa IPA, flags MemoryFlags) error {
	if err := bound(); err != nil {
		return err
	}
	if len(mem) == 0 {
		return &CallError{Func: "hv_vm_map", Code: HV_BAD_ARGUMENT}
	}
	return check("hv_vm_map", vmMap(unsafe.Pointer(&mem[0]), ipa, uintptr(len(mem)), flags))
}

func Unmap(ipa IPA, size uintptr) error {
	if err := bound(); err != nil {
		return err
	}
	return check("hv_vm_unmap", vmUnmap(ipa, size))
}

// CreateVCPU creates a vCPU owned by the calling thread. The exit record is
// written by the framework after each Run.
func CreateVCPU() (VCPU, *VcpuExit, error) {
	if err := bound(); err != nil {
		return 0, nil, err
	}
	var (
		id   VCPU
		exit *VcpuExit
	)
	if err := check("hv_vcpu_create", vcpuCreate(&id, &exit, 0)); err != nil {
		return 0, nil, err
	}
	return id, exit, nil
}

func (v VCPU) Destroy() error { return check("hv_vcpu_destroy", vcpuDestroy(v)) }

func (v VCPU) Run() error { return check("hv_vcpu_run", vcpuRun(v)) }

func (v VCPU) Reg(reg Reg) (uint64, error) {
	var value uint64
	err := check("hv_vcpu_get_reg", vcpuGetReg(v, reg, &value))
	return value, err
}

func (v VCPU) SetReg(reg Reg, value uint64) error {
	return check("hv_vcpu_set_reg", vcpuSetReg(v, reg, value))
}

func (v VCPU) SysReg(reg SysReg) (uint64, error) {
	var value uint64
	err := check("hv_vcpu_get_sys_reg", vcpuGetSysReg(v, reg, &value))
	return value, err
}

func (v VCPU) SetSysReg(reg SysReg, value uint64) error {
	return check("hv_vcpu_set_sys_reg", vcpuSetSysReg(v, reg, value))
}

// ForceExit makes each listed vCPU return from Run. It may be called from
// any thread.
func ForceExit(vcpus ...VCPU) error {
	if len(vcpus) == 0 {
		return nil
	}
	if err := bound(); err != nil {
		return err
	}
	return check("hv_vcpus_exit", vcpusExit(&vcpus[0], uint32(len(vcpus))))
}
