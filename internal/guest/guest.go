// Package guest assembles the small flat images used by the demo command and
// the backend tests. Images are loaded at CodeBase and entered at offset 0.
package guest

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/aether/internal/hv"
)

// Trap selects how an arm64 image raises a hypercall.
type Trap int

const (
	// TrapDoorbell stores the call number to HypercallDoorbellAddr. Every
	// arm64 backend decodes it.
	TrapDoorbell Trap = iota
	// TrapHVC issues HVC #0 with the call number in x8.
	TrapHVC
)

// Program is a flat image under construction.
type Program struct {
	code   []byte
	labels map[string]int
	fixups []fixup
}

type fixup struct {
	at    int
	label string
	patch func(code []byte, at, target int) error
}

func newProgram() *Program {
	return &Program{labels: make(map[string]int)}
}

func (p *Program) emit(b ...byte) { p.code = append(p.code, b...) }

func (p *Program) emit32(word uint32) {
	p.code = binary.LittleEndian.AppendUint32(p.code, word)
}

func (p *Program) pc() int { return len(p.code) }

func (p *Program) label(name string) { p.labels[name] = p.pc() }

func (p *Program) ref(at int, label string, patch func(code []byte, at, target int) error) {
	p.fixups = append(p.fixups, fixup{at: at, label: label, patch: patch})
}

// Bytes resolves label references and returns the finished image.
func (p *Program) Bytes() ([]byte, error) {
	for _, f := range p.fixups {
		target, ok := p.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("guest: undefined label %q", f.label)
		}
		if err := f.patch(p.code, f.at, target); err != nil {
			return nil, fmt.Errorf("guest: label %q: %w", f.label, err)
		}
	}
	if uint64(len(p.code)) > hv.CodeSize {
		return nil, fmt.Errorf("guest: %d bytes: %w", len(p.code), hv.ErrImageTooLarge)
	}
	return p.code, nil
}

// Hello prints msg once and exits.
func Hello(arch hv.CpuArchitecture, trap Trap, msg string) ([]byte, error) {
	switch arch {
	case hv.ArchitectureX86_64:
		return helloAMD64(msg)
	case hv.ArchitectureARM64:
		return helloARM64(trap, msg)
	default:
		return nil, fmt.Errorf("guest: unsupported architecture %q", arch)
	}
}

// Spin issues n unknown hypercalls before exiting. Each one is a yield point
// with no side effect, which makes it useful for scheduler tests.
func Spin(arch hv.CpuArchitecture, trap Trap, n uint32) ([]byte, error) {
	if n == 0 {
		return nil, fmt.Errorf("guest: spin count must be positive")
	}
	switch arch {
	case hv.ArchitectureX86_64:
		return spinAMD64(n)
	case hv.ArchitectureARM64:
		return spinARM64(trap, n)
	default:
		return nil, fmt.Errorf("guest: unsupported architecture %q", arch)
	}
}

// Echo paints a gradient into the framebuffer and then echoes every key the
// host places in the keyboard mailbox. Ctrl-D exits.
func Echo(arch hv.CpuArchitecture, trap Trap) ([]byte, error) {
	switch arch {
	case hv.ArchitectureX86_64:
		return echoAMD64()
	case hv.ArchitectureARM64:
		return echoARM64(trap)
	default:
		return nil, fmt.Errorf("guest: unsupported architecture %q", arch)
	}
}

// Names lists the programs understood by Build.
func Names() []string { return []string{"hello", "spin", "echo"} }

// Build assembles a program by name with its default arguments.
func Build(name string, arch hv.CpuArchitecture, trap Trap) ([]byte, error) {
	switch name {
	case "hello":
		return Hello(arch, trap, "Hello from the guest\n")
	case "spin":
		return Spin(arch, trap, 16)
	case "echo":
		return Echo(arch, trap)
	default:
		return nil, fmt.Errorf("guest: unknown program %q", name)
	}
}

const ctrlD = 0x04
