//go:build windows && amd64

package whp

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
	"github.com/tinyrange/aether/internal/hv/whp/bindings"
	"github.com/tinyrange/aether/internal/timeslice"
	"golang.org/x/arch/x86/x86asm"
)

var (
	tsWhpCreatePartition = timeslice.RegisterKind("whp_create_partition", timeslice.SliceFlagInitTime)
	tsWhpCreateVCPU      = timeslice.RegisterKind("whp_create_vcpu", timeslice.SliceFlagInitTime)
	tsWhpGuestTime       = timeslice.RegisterKind("whp_guest_time", timeslice.SliceFlagGuestTime)
)

const vpIndex = 0

// Probe reports whether the Windows Hypervisor Platform is enabled.
func Probe() error {
	if err := bindings.Load(); err != nil {
		return fmt.Errorf("whp: load winhvplatform.dll: %w: %w", hv.ErrHypervisorUnsupported, err)
	}
	present, err := bindings.HypervisorPresent()
	if err != nil {
		return &hv.BackendError{Backend: "whp", Op: "WHvGetCapability", Err: err}
	}
	if !present {
		return fmt.Errorf("whp: hypervisor not present: %w", hv.ErrHypervisorUnsupported)
	}
	return nil
}

// Backend runs one guest in its own WHP partition.
type Backend struct {
	log      *slog.Logger
	part     bindings.PartitionHandle
	ram      *bindings.RAM
	mem      *hv.GuestMemory
	calls    *hv.Hypercalls
	running  atomic.Bool

	stepMu   sync.Mutex
	runQueue chan func()
	closed   bool
	failed   bool
	hasVCPU  bool
}

// New creates and sets up a single-processor partition, maps guest RAM at
// GPA 0 and loads the image. The virtual processor is created on the first
// Step.
func New(cfg hv.Config) (*Backend, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := Probe(); err != nil {
		return nil, err
	}
	start := time.Now()

	b := &Backend{log: cfg.Logger.With("backend", "whp")}

	part, err := bindings.CreatePartition()
	if err != nil {
		return nil, &hv.BackendError{Backend: "whp", Op: "WHvCreatePartition", Err: err}
	}
	b.part = part

	if err := bindings.SetProcessorCount(part, 1); err != nil {
		b.release()
		return nil, &hv.BackendError{Backend: "whp", Op: "set processor count", Err: err}
	}
	if err := bindings.SetupPartition(part); err != nil {
		b.release()
		return nil, &hv.BackendError{Backend: "whp", Op: "WHvSetupPartition", Err: err}
	}

	b.ram, err = bindings.AllocRAM(uintptr(cfg.MemorySize))
	if err != nil {
		b.release()
		return nil, fmt.Errorf("whp: VirtualAlloc guest memory: %w: %w", hv.ErrMemoryAllocation, err)
	}

	flags := bindings.MapGpaRangeFlagRead | bindings.MapGpaRangeFlagWrite | bindings.MapGpaRangeFlagExecute
	if err := bindings.MapGpaRange(part, b.ram.Base(), 0, cfg.MemorySize, flags); err != nil {
		b.release()
		return nil, &hv.BackendError{Backend: "whp", Op: "WHvMapGpaRange", Err: err}
	}

	b.mem, err = hv.NewGuestMemory(b.ram.Bytes())
	if err == nil {
		err = cfg.Populate(b.mem)
	}
	if err != nil {
		b.release()
		return nil, err
	}

	b.calls = hv.NewHypercalls(b.mem, cfg.Output, cfg.PrintLimit, b.log)
	timeslice.Record(tsWhpCreatePartition, time.Since(start))
	return b, nil
}

func (b *Backend) Arch() hv.CpuArchitecture { return hv.ArchitectureX86_64 }
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
			b.log.Error("whp: create virtual processor", "error", err)
			b.failed = true
			return hv.Halt()
		}
	}

	var exit bindings.RunVPExitContext
	start := time.Now()
	b.running.Store(true)
	err := bindings.RunVirtualProcessor(b.part, vpIndex, &exit)
	b.running.Store(false)
	timeslice.Record(tsWhpGuestTime, time.Since(start))
	if err != nil {
		b.log.Error("whp: run virtual processor", "error", err)
		b.failed = true
		return hv.Halt()
	}

	switch exit.ExitReason {
	case bindings.RunVPExitReasonX64IoPortAccess:
		return b.handleIO(&exit.VpContext, exit.IoPortAccess())
	case bindings.RunVPExitReasonMemoryAccess:
		return b.handleMemoryAccess(&exit.VpContext, exit.MemoryAccess())
	case bindings.RunVPExitReasonX64Halt:
		return hv.Halt()
	case bindings.RunVPExitReasonCanceled:
		return hv.Yield()
	case bindings.RunVPExitReasonUnrecoverableException, bindings.RunVPExitReasonInvalidVpRegisterValue:
		b.log.Error("whp: fatal exit", "reason", exit.ExitReason,
			"pc", diag.InstructionAt(hv.ArchitectureX86_64, b.mem, exit.VpContext.Rip))
		return hv.Halt()
	default:
		b.log.Warn("whp: unclassified exit", "reason", exit.ExitReason,
			"pc", diag.InstructionAt(hv.ArchitectureX86_64, b.mem, exit.VpContext.Rip))
		return hv.Unknown()
	}
}

func (b *Backend) createVCPU() error {
	start := time.Now()

	if err := bindings.CreateVirtualProcessor(b.part, vpIndex); err != nil {
		return &hv.BackendError{Backend: "whp", Op: "WHvCreateVirtualProcessor", Err: err}
	}
	b.hasVCPU = true

	cr3, err := hv.BuildIdentityPageTables(b.mem)
	if err != nil {
		return err
	}

	code := hv.CodeSegment()
	data := hv.DataSegment()
	cs := bindings.SegmentValue(bindings.SegmentRegister{
		Limit: 0xffffffff, Selector: code.Selector, Attributes: code.Attributes(),
	})
	ds := bindings.SegmentValue(bindings.SegmentRegister{
		Limit: 0xffffffff, Selector: data.Selector, Attributes: data.Attributes(),
	})

	names := []bindings.RegisterName{
		bindings.RegisterCr0, bindings.RegisterCr3, bindings.RegisterCr4, bindings.RegisterEfer,
		bindings.RegisterCs, bindings.RegisterDs, bindings.RegisterEs,
		bindings.RegisterFs, bindings.RegisterGs, bindings.RegisterSs,
		bindings.RegisterRip, bindings.RegisterRsp, bindings.RegisterRflags,
	}
	values := []bindings.RegisterValue{
		bindings.Uint64Value(hv.LongModeCR0), bindings.Uint64Value(cr3),
		bindings.Uint64Value(hv.LongModeCR4), bindings.Uint64Value(hv.LongModeEFER),
		cs, ds, ds, ds, ds, ds,
		bindings.Uint64Value(hv.CodeBase), bindings.Uint64Value(hv.StackTop),
		bindings.Uint64Value(hv.InitialRFLAGS),
	}
	if err := bindings.SetVirtualProcessorRegisters(b.part, vpIndex, names, values); err != nil {
		return &hv.BackendError{Backend: "whp", Op: "set long mode registers", Err: err}
	}

	timeslice.Record(tsWhpCreateVCPU, time.Since(start))
	return nil
}

func (b *Backend) handleIO(vp *bindings.VPExitContext, io *bindings.IoPortAccessContext) hv.ExitReason {
	names := []bindings.RegisterName{bindings.RegisterRip}
	values := []bindings.RegisterValue{bindings.Uint64Value(vp.Rip + vp.InstructionLen())}

	exit := hv.Io(io.PortNumber)
	switch {
	case !io.IsWrite():
		// IN reads as zero.
		mask := uint64(1)<<(8*io.AccessSize()) - 1
		names = append(names, bindings.RegisterRax)
		values = append(values, bindings.Uint64Value(io.Rax&^mask))
	case io.PortNumber == hv.HypercallPort:
		var ret uint64
		var setRet bool
		exit, ret, setRet = b.calls.Dispatch(io.Rax&0xff, io.Rdi, io.Rsi)
		if setRet {
			names = append(names, bindings.RegisterRax)
			values = append(values, bindings.Uint64Value(ret))
		}
	case io.PortNumber == hv.SerialPort:
		b.calls.Serial(byte(io.Rax))
	}

	if err := bindings.SetVirtualProcessorRegisters(b.part, vpIndex, names, values); err != nil {
		b.log.Error("whp: complete io exit", "error", err)
		return hv.Halt()
	}
	return exit
}

// handleMemoryAccess skips the faulting instruction. The destination of an
// MMIO read keeps its previous value.
func (b *Backend) handleMemoryAccess(vp *bindings.VPExitContext, mem *bindings.MemoryAccessContext) hv.ExitReason {
	inst, err := x86asm.Decode(mem.Instruction(), 64)
	if err != nil {
		b.log.Warn("whp: undecodable mmio instruction", "gpa", fmt.Sprintf("0x%x", mem.Gpa), "error", err)
		return hv.Halt()
	}

	names := []bindings.RegisterName{bindings.RegisterRip}
	values := []bindings.RegisterValue{bindings.Uint64Value(vp.Rip + uint64(inst.Len))}
	if err := bindings.SetVirtualProcessorRegisters(b.part, vpIndex, names, values); err != nil {
		b.log.Error("whp: complete mmio exit", "error", err)
		return hv.Halt()
	}
	return hv.Mmio(mem.Gpa)
}

// Close implements hv.Backend. A guest spinning without exits is cancelled
// first.
func (b *Backend) Close() error {
	if b.running.Load() {
		bindings.CancelRunVirtualProcessor(b.part, vpIndex)
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
				if err := bindings.DeleteVirtualProcessor(b.part, vpIndex); err != nil {
					errs = append(errs, &hv.BackendError{Backend: "whp", Op: "WHvDeleteVirtualProcessor", Err: err})
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
	if b.part != 0 {
		if err := bindings.DeletePartition(b.part); err != nil {
			errs = append(errs, &hv.BackendError{Backend: "whp", Op: "WHvDeletePartition", Err: err})
		}
		b.part = 0
	}
	if b.ram != nil {
		if err := b.ram.Free(); err != nil {
			errs = append(errs, err)
		}
		b.ram = nil
	}
	return errors.Join(errs...)
}

var (
	_ hv.Backend = &Backend{}
)
