//go:build darwin && arm64

package hvf

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/aether/internal/diag"
	"github.com/tinyrange/aether/internal/hv"
	"github.com/tinyrange/aether/internal/hv/hvf/bindings"
	"github.com/tinyrange/aether/internal/timeslice"
	"golang.org/x/sys/unix"
)

var (
	tsHvfCreateVM   = timeslice.RegisterKind("hvf_create_vm", timeslice.SliceFlagInitTime)
	tsHvfCreateVCPU = timeslice.RegisterKind("hvf_create_vcpu", timeslice.SliceFlagInitTime)
	tsHvfGuestTime  = timeslice.RegisterKind("hvf_guest_time", timeslice.SliceFlagGuestTime)
)

const (
	initialCPSR     = 0x3c5 // EL1h with DAIF masked
	cpacrFPEN       = 3 << 20
	instructionSize = 4
)

// Hypervisor.framework allows a single VM per process. Every Backend shares
// it and the RAM of the backend being stepped is mapped at IPA 0.
var process struct {
	mu     sync.Mutex
	refs   int
	mapped *Backend
}

// Probe reports whether Hypervisor.framework is usable on this host.
func Probe() error {
	supported, err := unix.SysctlUint32("kern.hv_support")
	if err != nil {
		return fmt.Errorf("hvf: sysctl kern.hv_support: %w: %w", hv.ErrHypervisorUnsupported, err)
	}
	if supported == 0 {
		return fmt.Errorf("hvf: kern.hv_support is 0: %w", hv.ErrHypervisorUnsupported)
	}
	if err := bindings.Load(); err != nil {
		return fmt.Errorf("hvf: %w: %w", hv.ErrHypervisorUnsupported, err)
	}
	return nil
}

// Backend runs one guest on a single Hypervisor.framework vCPU.
type Backend struct {
	log    *slog.Logger
	memory []byte
	mem    *hv.GuestMemory
	calls  *hv.Hypercalls

	// vcpuID is published once the vCPU exists so Close can kick a running
	// guest from another goroutine.
	vcpuID  atomic.Uint64
	running atomic.Bool

	stepMu   sync.Mutex
	runQueue chan func()
	closed   bool
	failed   bool
	vcpu     bindings.VCPU
	exit     *bindings.VcpuExit
	hasVCPU  bool
	lastTime time.Time
}

func acquireVM() error {
	process.mu.Lock()
	defer process.mu.Unlock()

	if process.refs == 0 {
		if err := bindings.CreateVM(); err != nil {
			return &hv.BackendError{Backend: "hvf", Op: "create VM", Err: err}
		}
	}
	process.refs++
	return nil
}

func releaseVM(b *Backend) error {
	process.mu.Lock()
	defer process.mu.Unlock()

	var errs []error
	if process.mapped == b {
		if err := bindings.Unmap(0, uintptr(len(b.memory))); err != nil {
			errs = append(errs, &hv.BackendError{Backend: "hvf", Op: "unmap guest memory", Err: err})
		}
		process.mapped = nil
	}
	process.refs--
	if process.refs == 0 {
		if err := bindings.DestroyVM(); err != nil {
			errs = append(errs, &hv.BackendError{Backend: "hvf", Op: "destroy VM", Err: err})
		}
	}
	return errors.Join(errs...)
}

// mapLocked makes b's RAM the one visible at IPA 0. process.mu must be held.
func (b *Backend) mapLocked() error {
	if process.mapped == b {
		return nil
	}
	if prev := process.mapped; prev != nil {
		if err := bindings.Unmap(0, uintptr(len(prev.memory))); err != nil {
			return &hv.BackendError{Backend: "hvf", Op: "unmap guest memory", Err: err}
		}
		process.mapped = nil
	}
	flags := bindings.HV_MEMORY_READ | bindings.HV_MEMORY_WRITE | bindings.HV_MEMORY_EXEC
	if err := bindings.Map(b.memory, 0, flags); err != nil {
		return &hv.BackendError{Backend: "hvf", Op: "map guest memory", Err: err}
	}
	process.mapped = b
	return nil
}

// New creates (or joins) the process VM, allocates guest RAM and loads the
// image. The vCPU is created on the first Step.
func New(cfg hv.Config) (*Backend, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := Probe(); err != nil {
		return nil, err
	}
	start := time.Now()

	b := &Backend{log: cfg.Logger.With("backend", "hvf")}

	var err error
	b.memory, err = unix.Mmap(-1, 0, int(cfg.MemorySize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hvf: mmap guest memory: %w: %w", hv.ErrMemoryAllocation, err)
	}

	if err := acquireVM(); err != nil {
		unix.Munmap(b.memory)
		return nil, err
	}

	b.mem, err = hv.NewGuestMemory(b.memory)
	if err == nil {
		err = cfg.Populate(b.mem)
	}
	if err == nil {
		process.mu.Lock()
		err = b.mapLocked()
		process.mu.Unlock()
	}
	if err != nil {
		b.release()
		return nil, err
	}

	b.calls = hv.NewHypercalls(b.mem, cfg.Output, cfg.PrintLimit, b.log)
	timeslice.Record(tsHvfCreateVM, time.Since(start))
	return b, nil
}

func (b *Backend) Arch() hv.CpuArchitecture { return hv.ArchitectureARM64 }
func (b *Backend) Memory() *hv.GuestMemory  { return b.mem }

func (b *Backend) ViewFramebuffer(width, height int, fn func([]uint32)) bool {
	return b.mem.ViewFramebuffer(width, height, fn)
}

func (b *Backend) InjectKey(c rune) bool { return b.mem.InjectKey(c) }

func (b *Backend) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range b.runQueue {
		fn()
	}
}

// Step implements hv.Backend.
func (b *Backend) Step() hv.ExitReason {
	b.stepMu.Lock()
	defer b.stepMu.Unlock()

	if b.closed || b.failed {
		return hv.Halt()
	}
	if b.runQueue == nil {
		b.runQueue = make(chan func())
		go b.start()
	}

	done := make(chan hv.ExitReason, 1)
	b.runQueue <- func() {
		done <- b.step()
	}
	return <-done
}

func (b *Backend) step() hv.ExitReason {
	if !b.hasVCPU {
		if err := b.createVCPU(); err != nil {
			b.log.Error("hvf: create vCPU", "error", err)
			b.failed = true
			return hv.Halt()
		}
	}

	process.mu.Lock()
	defer process.mu.Unlock()

	if err := b.mapLocked(); err != nil {
		b.log.Error("hvf: map guest memory", "error", err)
		b.failed = true
		return hv.Halt()
	}

	b.running.Store(true)
	b.lastTime = time.Now()
	err := b.vcpu.Run()
	b.running.Store(false)
	timeslice.Record(tsHvfGuestTime, time.Since(b.lastTime))

	if err != nil {
		b.log.Error("hvf: run vCPU", "error", err)
		b.failed = true
		return hv.Halt()
	}

	switch b.exit.Reason {
	case bindings.HV_EXIT_REASON_EXCEPTION:
		return b.handleException()
	case bindings.HV_EXIT_REASON_CANCELED, bindings.HV_EXIT_REASON_VTIMER_ACTIVATED:
		return hv.Yield()
	default:
		b.log.Warn("hvf: unclassified exit", "reason", b.exit.Reason, "pc", b.describePC())
		return hv.Unknown()
	}
}

func (b *Backend) createVCPU() error {
	start := time.Now()

	id, exit, err := bindings.CreateVCPU()
	if err != nil {
		return &hv.BackendError{Backend: "hvf", Op: "create vCPU", Err: err}
	}
	b.vcpu = id
	b.exit = exit
	b.hasVCPU = true
	b.vcpuID.Store(uint64(id))

	regs := []struct {
		reg   bindings.Reg
		value uint64
	}{
		{bindings.HV_REG_PC, hv.CodeBase},
		{bindings.HV_REG_CPSR, initialCPSR},
	}
	for _, r := range regs {
		if err := id.SetReg(r.reg, r.value); err != nil {
			return &hv.BackendError{Backend: "hvf", Op: fmt.Sprintf("set reg %d", r.reg), Err: err}
		}
	}

	sysRegs := []struct {
		reg   bindings.SysReg
		value uint64
	}{
		{bindings.HV_SYS_REG_SP_EL1, hv.StackTop},
		{bindings.HV_SYS_REG_SCTLR_EL1, 0},
		{bindings.HV_SYS_REG_CPACR_EL1, cpacrFPEN},
	}
	for _, r := range sysRegs {
		if err := id.SetSysReg(r.reg, r.value); err != nil {
			return &hv.BackendError{Backend: "hvf", Op: fmt.Sprintf("set sys reg 0x%x", r.reg), Err: err}
		}
	}

	timeslice.Record(tsHvfCreateVCPU, time.Since(start))
	return nil
}

func (b *Backend) handleException() hv.ExitReason {
	esr := syndrome(b.exit.Exception.Syndrome)

	switch c := esr.class(); c {
	case classHVC64:
		call, err := b.getReg(bindings.HV_REG_X8)
		if err != nil {
			b.log.Error("hvf: read x8", "error", err)
			return hv.Halt()
		}
		return b.hypercall(call)
	case classDataAbortLow:
		return b.handleDataAbort(esr, uint64(b.exit.Exception.PhysicalAddress))
	case classWFx:
		return hv.Halt()
	default:
		b.log.Warn("hvf: unclassified exception",
			"class", c, "syndrome", fmt.Sprintf("0x%x", uint64(esr)), "pc", b.describePC())
		return hv.Unknown()
	}
}

func (b *Backend) handleDataAbort(esr syndrome, addr uint64) hv.ExitReason {
	info, err := esr.access()
	if err != nil {
		b.log.Warn("hvf: undecodable data abort", "error", err, "addr", fmt.Sprintf("0x%x", addr), "pc", b.describePC())
		if err := b.advancePC(); err != nil {
			return hv.Halt()
		}
		return hv.Unknown()
	}

	exit := hv.Mmio(addr)
	switch {
	case info.write && addr == hv.HypercallDoorbellAddr:
		value := uint64(0)
		if info.reg != zeroRegister {
			value, err = b.getReg(bindings.Reg(info.reg))
			if err != nil {
				b.log.Error("hvf: read doorbell value", "error", err)
				return hv.Halt()
			}
		}
		exit = b.hypercall(value)
	case !info.write && info.reg != zeroRegister:
		if err := b.setReg(bindings.Reg(info.reg), 0); err != nil {
			b.log.Error("hvf: complete mmio read", "error", err)
			return hv.Halt()
		}
	}

	if err := b.advancePC(); err != nil {
		b.log.Error("hvf: advance pc", "error", err)
		return hv.Halt()
	}
	return exit
}

func (b *Backend) hypercall(call uint64) hv.ExitReason {
	a0, err := b.getReg(bindings.HV_REG_X0)
	if err != nil {
		b.log.Error("hvf: read x0", "error", err)
		return hv.Halt()
	}
	a1, err := b.getReg(bindings.HV_REG_X1)
	if err != nil {
		b.log.Error("hvf: read x1", "error", err)
		return hv.Halt()
	}

	exit, ret, setRet := b.calls.Dispatch(call, a0, a1)
	if setRet {
		if err := b.setReg(bindings.HV_REG_X0, ret); err != nil {
			b.log.Error("hvf: write x0", "error", err)
			return hv.Halt()
		}
	}
	return exit
}

func (b *Backend) getReg(reg bindings.Reg) (uint64, error) {
	value, err := b.vcpu.Reg(reg)
	if err != nil {
		return 0, fmt.Errorf("hvf: reg %d: %w", reg, err)
	}
	return value, nil
}

func (b *Backend) setReg(reg bindings.Reg, value uint64) error {
	if err := b.vcpu.SetReg(reg, value); err != nil {
		return fmt.Errorf("hvf: set reg %d: %w", reg, err)
	}
	return nil
}

func (b *Backend) advancePC() error {
	pc, err := b.getReg(bindings.HV_REG_PC)
	if err != nil {
		return err
	}
	return b.setReg(bindings.HV_REG_PC, pc+instructionSize)
}

func (b *Backend) describePC() string {
	pc, err := b.getReg(bindings.HV_REG_PC)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return diag.InstructionAt(hv.ArchitectureARM64, b.mem, pc)
}

// Close implements hv.Backend. A guest spinning without exits is kicked out
// of hv_vcpu_run first.
func (b *Backend) Close() error {
	if b.running.Load() {
		if err := bindings.ForceExit(bindings.VCPU(b.vcpuID.Load())); err != nil {
			b.log.Warn("hvf: kick vCPU", "error", err)
		}
	}

	b.stepMu.Lock()
	defer b.stepMu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if b.runQueue != nil {
		done := make(chan struct{})
		b.runQueue <- func() {
			if b.hasVCPU {
				if err := b.vcpu.Destroy(); err != nil {
					errs = append(errs, &hv.BackendError{Backend: "hvf", Op: "destroy vCPU", Err: err})
				}
				b.hasVCPU = false
			}
			close(done)
		}
		<-done
		close(b.runQueue)
	}

	if err := b.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (b *Backend) release() error {
	// Views from other goroutines must drain before the pages go away.
	if b.mem != nil {
		b.mem.Retire()
	}

	var errs []error
	if err := releaseVM(b); err != nil {
		errs = append(errs, err)
	}
	if b.memory != nil {
		if err := unix.Munmap(b.memory); err != nil {
			errs = append(errs, err)
		}
		b.memory = nil
	}
	return errors.Join(errs...)
}

var (
	_ hv.Backend = &Backend{}
)
