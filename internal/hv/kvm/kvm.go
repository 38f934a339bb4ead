//go:build linux

package kvm

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/tinyrange/aether/internal/diag"
	"github.com/tinyrange/aether/internal/hv"
	"github.com/tinyrange/aether/internal/timeslice"
	"golang.org/x/sys/unix"
)

const devicePath = "/dev/kvm"

var (
	tsKvmCreateVM   = timeslice.RegisterKind("kvm_create_vm", timeslice.SliceFlagInitTime)
	tsKvmCreateVCPU = timeslice.RegisterKind("kvm_create_vcpu", timeslice.SliceFlagInitTime)
)

type virtualCPU struct {
	fd  int
	run []byte
}

func (v *virtualCPU) runData() *runData {
	return (*runData)(unsafe.Pointer(&v.run[0]))
}

func (v *virtualCPU) close() {
	if v.run != nil {
		if err := unix.Munmap(v.run); err != nil {
			slog.Error("kvm: munmap vcpu run", "error", err)
		}
		v.run = nil
	}
	if v.fd >= 0 {
		if err := unix.Close(v.fd); err != nil {
			slog.Error("kvm: close vcpu fd", "error", err)
		}
		v.fd = -1
	}
}

// Backend runs one guest on a single KVM vCPU.
type Backend struct {
	log   *slog.Logger
	kvmFd int
	vmFd  int

	memory []byte
	mem    *hv.GuestMemory
	calls  *hv.Hypercalls

	// stepMu serializes Step and Close. Everything below it is only touched
	// on the vCPU goroutine.
	stepMu   sync.Mutex
	runQueue chan func()
	closed   bool
	failed   bool
	vcpu     *virtualCPU
}

func openDevice() (int, error) {
	fd, err := unix.Open(devicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("kvm: open %s: %w: %w", devicePath, hv.ErrHypervisorUnsupported, err)
	}

	version, err := apiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return -1, &hv.BackendError{Backend: "kvm", Op: "get API version", Err: err}
	}
	if version != kvmAPIVersion {
		unix.Close(fd)
		return -1, fmt.Errorf("kvm: API version %d, want %d: %w", version, kvmAPIVersion, hv.ErrHypervisorUnsupported)
	}

	return fd, nil
}

// Probe reports whether /dev/kvm is usable.
func Probe() error {
	fd, err := openDevice()
	if err != nil {
		return err
	}
	return unix.Close(fd)
}

// New creates a VM, maps guest RAM at address 0 and loads the image. The
// vCPU is created on the first Step.
func New(cfg hv.Config) (*Backend, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	b := &Backend{
		log:   cfg.Logger.With("backend", "kvm"),
		kvmFd: -1,
		vmFd:  -1,
	}

	fd, err := openDevice()
	if err != nil {
		return nil, err
	}
	b.kvmFd = fd

	b.vmFd, err = createVM(b.kvmFd)
	if err != nil {
		b.vmFd = -1
		b.release()
		return nil, &hv.BackendError{Backend: "kvm", Op: "create VM", Err: err}
	}

	b.memory, err = unix.Mmap(
		-1,
		0,
		int(cfg.MemorySize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE,
	)
	if err != nil {
		b.memory = nil
		b.release()
		return nil, fmt.Errorf("kvm: mmap guest memory: %w: %w", hv.ErrMemoryAllocation, err)
	}

	if err := setMemoryRegion(b.vmFd, memoryRegion{
		memorySize:    cfg.MemorySize,
		userspaceAddr: uint64(uintptr(unsafe.Pointer(&b.memory[0]))),
	}); err != nil {
		b.release()
		return nil, &hv.BackendError{Backend: "kvm", Op: "set user memory region", Err: err}
	}

	b.mem, err = hv.NewGuestMemory(b.memory)
	if err != nil {
		b.release()
		return nil, err
	}

	if err := b.archVMInit(); err != nil {
		b.release()
		return nil, fmt.Errorf("kvm: initialize VM: %w", err)
	}

	if err := cfg.Populate(b.mem); err != nil {
		b.release()
		return nil, err
	}

	b.calls = hv.NewHypercalls(b.mem, cfg.Output, cfg.PrintLimit, b.log)
	timeslice.Record(tsKvmCreateVM, time.Since(start))

	return b, nil
}

func (b *Backend) Memory() *hv.GuestMemory { return b.mem }

func (b *Backend) ViewFramebuffer(width, height int, fn func([]uint32)) bool {
	return b.mem.ViewFramebuffer(width, height, fn)
}

func (b *Backend) InjectKey(c rune) bool { return b.mem.InjectKey(c) }

// start owns the OS thread the vCPU is created and run on.
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
	if b.vcpu == nil {
		vcpu, err := b.createVCPU()
		if err != nil {
			b.log.Error("kvm: create vCPU", "error", err)
			b.failed = true
			return hv.Halt()
		}
		b.vcpu = vcpu
	}

	run := b.vcpu.runData()
	run.immediateExit = 0

	if err := runOnce(b.vcpu.fd); err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return hv.Yield()
		}
		b.log.Error("kvm: run vCPU", "error", err)
		b.failed = true
		return hv.Halt()
	}

	return b.classify(run)
}

func (b *Backend) createVCPU() (*virtualCPU, error) {
	start := time.Now()

	fd, err := createVCPU(b.vmFd, 0)
	if err != nil {
		return nil, &hv.BackendError{Backend: "kvm", Op: "create vCPU", Err: err}
	}
	vcpu := &virtualCPU{fd: fd}

	size, err := vcpuMmapSize(b.kvmFd)
	if err != nil {
		vcpu.close()
		return nil, &hv.BackendError{Backend: "kvm", Op: "get kvm_run mmap size", Err: err}
	}

	vcpu.run, err = unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		vcpu.run = nil
		vcpu.close()
		return nil, &hv.BackendError{Backend: "kvm", Op: "mmap kvm_run", Err: err}
	}

	if err := b.archVCPUInit(vcpu); err != nil {
		vcpu.close()
		return nil, fmt.Errorf("kvm: initialize vCPU: %w", err)
	}

	timeslice.Record(tsKvmCreateVCPU, time.Since(start))
	return vcpu, nil
}

func (b *Backend) classify(run *runData) hv.ExitReason {
	switch run.reason {
	case exitIO:
		return b.handleIO(exitAs[ioExit](run))
	case exitMMIO:
		return b.handleMMIO(exitAs[mmioExit](run))
	case exitHypercall:
		call := exitAs[hypercallExit](run)
		exit, ret, setRet := b.calls.Dispatch(call.nr, call.args[0], call.args[1])
		if setRet {
			call.ret = ret
		}
		return exit
	case exitHLT, exitShutdown:
		return hv.Halt()
	case exitSystemEvent:
		b.log.Debug("kvm: system event", "type", exitAs[systemEventExit](run).typ)
		return hv.Halt()
	case exitIntr:
		return hv.Yield()
	case exitFailEntry:
		b.log.Error("kvm: vCPU entry failed",
			"reason", fmt.Sprintf("0x%x", exitAs[failEntryExit](run).reason),
			"pc", b.describePC())
		return hv.Halt()
	case exitInternalError:
		b.log.Error("kvm: internal error",
			"suberror", exitAs[internalErrorExit](run).suberror,
			"pc", b.describePC())
		return hv.Halt()
	default:
		b.log.Warn("kvm: unclassified exit", "reason", run.reason, "pc", b.describePC())
		return hv.Unknown()
	}
}

func (b *Backend) handleIO(io *ioExit) hv.ExitReason {
	data := b.vcpu.run[io.dataOffset : io.dataOffset+uint64(io.size)*uint64(io.count)]

	if io.direction == ioIn {
		clear(data)
		return hv.Io(io.port)
	}

	switch io.port {
	case hv.HypercallPort:
		return b.hypercall(littleEndian(data[:io.size]))
	case hv.SerialPort:
		for _, c := range data {
			b.calls.Serial(c)
		}
	}
	return hv.Io(io.port)
}

func (b *Backend) handleMMIO(mmio *mmioExit) hv.ExitReason {
	size := min(int(mmio.len), len(mmio.data))

	if mmio.isWrite == 0 {
		clear(mmio.data[:])
		return hv.Mmio(mmio.physAddr)
	}
	if mmio.physAddr == hv.HypercallDoorbellAddr {
		return b.hypercall(littleEndian(mmio.data[:size]))
	}
	return hv.Mmio(mmio.physAddr)
}

func (b *Backend) hypercall(call uint64) hv.ExitReason {
	a0, a1, err := b.hypercallArgs()
	if err != nil {
		b.log.Error("kvm: read hypercall arguments", "error", err)
		return hv.Halt()
	}
	exit, ret, setRet := b.calls.Dispatch(call, a0, a1)
	if setRet {
		if err := b.setHypercallReturn(ret); err != nil {
			b.log.Error("kvm: write hypercall result", "error", err)
			return hv.Halt()
		}
	}
	return exit
}

func (b *Backend) describePC() string {
	pc, err := b.programCounter()
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return diag.InstructionAt(b.Arch(), b.mem, pc)
}

// Close implements hv.Backend. Framebuffer views obtained earlier must not
// be used afterwards.
func (b *Backend) Close() error {
	b.stepMu.Lock()
	defer b.stepMu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.runQueue != nil {
		done := make(chan struct{})
		b.runQueue <- func() {
			if b.vcpu != nil {
				b.vcpu.close()
				b.vcpu = nil
			}
			close(done)
		}
		<-done
		close(b.runQueue)
	}

	return b.release()
}

func (b *Backend) release() error {
	// Views from other goroutines must drain before the pages go away.
	if b.mem != nil {
		b.mem.Retire()
	}

	var errs []error
	if b.vmFd >= 0 {
		if err := unix.Close(b.vmFd); err != nil {
			slog.Error("kvm: close vm fd", "error", err)
			errs = append(errs, err)
		}
		b.vmFd = -1
	}
	if b.memory != nil {
		if err := unix.Munmap(b.memory); err != nil {
			slog.Error("kvm: munmap memory", "error", err)
			errs = append(errs, err)
		}
		b.memory = nil
	}
	if b.kvmFd >= 0 {
		if err := unix.Close(b.kvmFd); err != nil {
			errs = append(errs, err)
		}
		b.kvmFd = -1
	}
	return errors.Join(errs...)
}

func littleEndian(data []byte) uint64 {
	var v uint64
	for i := len(data) - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	return v
}

var (
	_ hv.Backend = &Backend{}
)
