// Package diag renders guest state for log messages about exits the host
// could not classify.
package diag

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/aether/internal/hv"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

const maxInstructionLength = 16

// Disassemble decodes the single instruction at the start of code, which
// was read from guest address pc.
func Disassemble(arch hv.CpuArchitecture, code []byte, pc uint64) (string, error) {
	switch arch {
	case hv.ArchitectureX86_64:
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return "", fmt.Errorf("diag: decode % x: %w", code, err)
		}
		return x86asm.GNUSyntax(inst, pc, nil), nil
	case hv.ArchitectureARM64:
		if len(code) < 4 {
			return "", fmt.Errorf("diag: short arm64 instruction % x", code)
		}
		if text, ok := systemInstruction(binary.LittleEndian.Uint32(code)); ok {
			return text, nil
		}
		inst, err := arm64asm.Decode(code[:4])
		if err != nil {
			return "", fmt.Errorf("diag: decode % x: %w", code[:4], err)
		}
		return arm64asm.GNUSyntax(inst), nil
	default:
		return "", fmt.Errorf("diag: unsupported architecture %q", arch)
	}
}

// arm64asm leaves the exception-generating class and the hint space
// undecoded, and those are what guests stop on most often.
func systemInstruction(w uint32) (string, bool) {
	imm16 := (w >> 5) & 0xffff
	switch w & 0xffe0001f {
	case 0xd4000001:
		return fmt.Sprintf("svc #0x%x", imm16), true
	case 0xd4000002:
		return fmt.Sprintf("hvc #0x%x", imm16), true
	case 0xd4000003:
		return fmt.Sprintf("smc #0x%x", imm16), true
	case 0xd4200000:
		return fmt.Sprintf("brk #0x%x", imm16), true
	case 0xd4400000:
		return fmt.Sprintf("hlt #0x%x", imm16), true
	}
	if w&0xfffff01f == 0xd503201f {
		hints := [...]string{"nop", "yield", "wfe", "wfi", "sev", "sevl"}
		if op := (w >> 5) & 0x7f; int(op) < len(hints) {
			return hints[op], true
		}
	}
	return "", false
}

// InstructionAt reads and disassembles the instruction at pc in guest
// memory. It never fails; problems are reported in the returned string.
func InstructionAt(arch hv.CpuArchitecture, mem *hv.GuestMemory, pc uint64) string {
	if mem == nil || pc >= mem.Size() {
		return fmt.Sprintf("0x%x: <outside guest memory>", pc)
	}
	code := make([]byte, maxInstructionLength)
	n, _ := mem.ReadAt(code, int64(pc))
	text, err := Disassemble(arch, code[:n], pc)
	if err != nil {
		return fmt.Sprintf("0x%x: <%v>", pc, err)
	}
	return fmt.Sprintf("0x%x: %s", pc, text)
}
