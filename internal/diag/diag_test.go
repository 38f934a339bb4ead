package diag

import (
	"strings"
	"testing"

	"github.com/tinyrange/aether/internal/hv"
)

func TestDisassemble(t *testing.T) {
	tests := []struct {
		name string
		arch hv.CpuArchitecture
		code []byte
		want string
	}{
		{"x86 hlt", hv.ArchitectureX86_64, []byte{0xf4}, "hlt"},
		{"x86 out", hv.ArchitectureX86_64, []byte{0xee}, "out"},
		{"arm64 hvc", hv.ArchitectureARM64, []byte{0x02, 0x00, 0x00, 0xd4}, "hvc"},
		{"arm64 hvc imm", hv.ArchitectureARM64, []byte{0x22, 0x00, 0x00, 0xd4}, "hvc #0x1"},
		{"arm64 svc", hv.ArchitectureARM64, []byte{0x01, 0x00, 0x00, 0xd4}, "svc #0x0"},
		{"arm64 brk", hv.ArchitectureARM64, []byte{0x00, 0x00, 0x20, 0xd4}, "brk"},
		{"arm64 wfi", hv.ArchitectureARM64, []byte{0x7f, 0x20, 0x03, 0xd5}, "wfi"},
		{"arm64 nop", hv.ArchitectureARM64, []byte{0x1f, 0x20, 0x03, 0xd5}, "nop"},
		{"arm64 add", hv.ArchitectureARM64, []byte{0x20, 0x04, 0x00, 0x91}, "add"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Disassemble(tt.arch, tt.code, 0x1000)
			if err != nil {
				t.Fatalf("Disassemble: %v", err)
			}
			if !strings.Contains(strings.ToLower(got), tt.want) {
				t.Fatalf("got %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestDisassembleErrors(t *testing.T) {
	if _, err := Disassemble(hv.ArchitectureARM64, []byte{0x1}, 0); err == nil {
		t.Fatalf("expected short instruction error")
	}
	if _, err := Disassemble(hv.ArchitectureInvalid, []byte{0x90}, 0); err == nil {
		t.Fatalf("expected unsupported architecture error")
	}
}

func TestInstructionAtARM64Hypercall(t *testing.T) {
	mem, err := hv.NewGuestMemory(make([]byte, hv.RAMSize))
	if err != nil {
		t.Fatalf("NewGuestMemory: %v", err)
	}
	copy(mem.Bytes()[0x20:], []byte{0x02, 0x00, 0x00, 0xd4})

	if got, want := InstructionAt(hv.ArchitectureARM64, mem, 0x20), "0x20: hvc #0x0"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestInstructionAt(t *testing.T) {
	mem, err := hv.NewGuestMemory(make([]byte, hv.RAMSize))
	if err != nil {
		t.Fatalf("NewGuestMemory: %v", err)
	}
	mem.Bytes()[0x10] = 0xf4

	if got := InstructionAt(hv.ArchitectureX86_64, mem, 0x10); !strings.Contains(got, "hlt") {
		t.Fatalf("got %q", got)
	}
	if got := InstructionAt(hv.ArchitectureX86_64, mem, hv.RAMSize); !strings.Contains(got, "outside") {
		t.Fatalf("got %q", got)
	}
}
