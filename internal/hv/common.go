package hv

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrImageTooLarge         = errors.New("guest image exceeds the code region")
	ErrDiskTooLarge          = errors.New("disk image exceeds the disk region")
	ErrMemoryAllocation      = errors.New("guest memory allocation failed")
	ErrBackendClosed         = errors.New("backend closed")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// HostArchitecture maps GOARCH to the guest architecture a hardware backend
// on this host runs.
func HostArchitecture() CpuArchitecture {
	switch runtime.GOARCH {
	case "amd64":
		return ArchitectureX86_64
	case "arm64":
		return ArchitectureARM64
	default:
		return ArchitectureInvalid
	}
}

// BackendError wraps a failure reported by a native hypervisor facility.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// ExitKind is the portable classification of a native VM exit.
type ExitKind uint8

const (
	ExitUnknown ExitKind = iota
	ExitYield
	ExitIo
	ExitMmio
	ExitHalt
)

func (k ExitKind) String() string {
	switch k {
	case ExitYield:
		return "yield"
	case ExitIo:
		return "io"
	case ExitMmio:
		return "mmio"
	case ExitHalt:
		return "halt"
	default:
		return "unknown"
	}
}

// ExitReason is returned by every Backend.Step call. Port is only
// meaningful for ExitIo and Addr only for ExitMmio.
type ExitReason struct {
	Kind ExitKind
	Port uint16
	Addr uint64
}

func Yield() ExitReason           { return ExitReason{Kind: ExitYield} }
func Io(port uint16) ExitReason   { return ExitReason{Kind: ExitIo, Port: port} }
func Mmio(addr uint64) ExitReason { return ExitReason{Kind: ExitMmio, Addr: addr} }
func Halt() ExitReason            { return ExitReason{Kind: ExitHalt} }
func Unknown() ExitReason         { return ExitReason{Kind: ExitUnknown} }

// Valid reports whether r is one of the five defined variants.
func (r ExitReason) Valid() bool { return r.Kind <= ExitHalt }

func (r ExitReason) String() string {
	switch r.Kind {
	case ExitIo:
		return fmt.Sprintf("io(0x%04x)", r.Port)
	case ExitMmio:
		return fmt.Sprintf("mmio(0x%x)", r.Addr)
	default:
		return r.Kind.String()
	}
}

// HyperCall is the call number a guest passes at the hypercall trap site.
type HyperCall uint64

const (
	HyperCallPrint HyperCall = 0
	HyperCallExit  HyperCall = 1
)

func (c HyperCall) Known() bool {
	return c == HyperCallPrint || c == HyperCallExit
}

func (c HyperCall) String() string {
	switch c {
	case HyperCallPrint:
		return "print"
	case HyperCallExit:
		return "exit"
	default:
		return fmt.Sprintf("hypercall(%d)", uint64(c))
	}
}

// Backend drives a single guest on one native hypervisor facility.
//
// Step lazily creates the virtual CPU on first use and must be called from
// a single goroutine. Framebuffer and InjectKey may be called concurrently
// with Step from another goroutine.
type Backend interface {
	Arch() CpuArchitecture
	Memory() *GuestMemory

	// Step resumes the guest until the next native exit and classifies it.
	Step() ExitReason

	// ViewFramebuffer calls fn with an unsynchronized view of
	// width*height pixels starting at FramebufferAddr. Torn frames are
	// expected. The pixels stay valid until fn returns even if Close runs
	// concurrently; fn must not retain them. It reports false once the
	// backend is closed.
	ViewFramebuffer(width, height int, fn func(pixels []uint32)) bool

	// InjectKey places c in the keyboard mailbox if the guest has consumed
	// the previous key, and reports whether it was delivered.
	InjectKey(c rune) bool

	Close() error
}

// Config is shared by every backend constructor.
type Config struct {
	Image      []byte
	Disk       []byte
	MemorySize uint64
	PrintLimit int
	Output     io.Writer
	Logger     *slog.Logger
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.MemorySize == 0 {
		c.MemorySize = RAMSize
	}
	if c.PrintLimit <= 0 {
		c.PrintLimit = DefaultPrintLimit
	}
	if c.Output == nil {
		c.Output = os.Stdout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate checks the parts of the configuration that do not depend on the
// host facility, so that oversized images fail before a VM is created.
func (c Config) Validate() error {
	if c.MemorySize < RAMSize || c.MemorySize > MaxRAMSize {
		return fmt.Errorf("hv: memory size 0x%x outside [0x%x, 0x%x]", c.MemorySize, RAMSize, MaxRAMSize)
	}
	if c.MemorySize%MemoryAlignment != 0 {
		return fmt.Errorf("hv: memory size 0x%x is not %d KiB aligned", c.MemorySize, MemoryAlignment>>10)
	}
	if uint64(len(c.Image)) > CodeSize {
		return fmt.Errorf("hv: image of %d bytes: %w", len(c.Image), ErrImageTooLarge)
	}
	if uint64(len(c.Disk)) > DiskSize {
		return fmt.Errorf("hv: disk of %d bytes: %w", len(c.Disk), ErrDiskTooLarge)
	}
	return nil
}

// Populate writes the image and optional disk into freshly allocated memory.
func (c Config) Populate(mem *GuestMemory) error {
	if err := mem.LoadImage(c.Image); err != nil {
		return err
	}
	if len(c.Disk) > 0 {
		if err := mem.LoadDisk(c.Disk); err != nil {
			return err
		}
	}
	return nil
}
