package guest

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/aether/internal/hv"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

func decodeAMD64(t *testing.T, code []byte) []x86asm.Op {
	t.Helper()

	var ops []x86asm.Op
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			t.Fatalf("decode at 0x%x: %v", off, err)
		}
		ops = append(ops, inst.Op)
		off += inst.Len
		if inst.Op == x86asm.HLT {
			break
		}
	}
	return ops
}

func TestHelloAMD64(t *testing.T) {
	const msg = "hi\n"
	image, err := Hello(hv.ArchitectureX86_64, TrapDoorbell, msg)
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}

	want := []x86asm.Op{
		x86asm.MOV, x86asm.MOV, x86asm.MOV, x86asm.XOR, x86asm.OUT,
		x86asm.MOV, x86asm.XOR, x86asm.OUT, x86asm.HLT,
	}
	got := decodeAMD64(t, image)
	if len(got) != len(want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("op %d = %v, want %v", i, got[i], want[i])
		}
	}

	msgOff := len(image) - len(msg)
	if string(image[msgOff:]) != msg {
		t.Fatalf("message not at end of image")
	}
	if ptr := binary.LittleEndian.Uint32(image[1:]); ptr != uint32(msgOff) {
		t.Fatalf("rdi = 0x%x, want 0x%x", ptr, msgOff)
	}
	if port := binary.LittleEndian.Uint16(image[12:]); port != hv.HypercallPort {
		t.Fatalf("port = 0x%x", port)
	}
}

func TestSpinAMD64LoopsBack(t *testing.T) {
	image, err := Spin(hv.ArchitectureX86_64, TrapDoorbell, 3)
	if err != nil {
		t.Fatalf("Spin: %v", err)
	}
	// mov ecx; mov dx; loop: mov al; out; dec ecx; jnz loop
	if image[14] != 0x75 || int8(image[15]) != -7 {
		t.Fatalf("jnz = % x", image[14:16])
	}
	if binary.LittleEndian.Uint32(image[1:]) != 3 {
		t.Fatalf("loop count not loaded into ecx")
	}
}

func TestEchoAMD64Decodes(t *testing.T) {
	image, err := Echo(hv.ArchitectureX86_64, TrapDoorbell)
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	ops := decodeAMD64(t, image)
	if ops[len(ops)-1] != x86asm.HLT {
		t.Fatalf("echo does not end in hlt")
	}
}

func armWords(t *testing.T, code []byte, n int) []uint32 {
	t.Helper()

	words := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		w := code[i*4 : i*4+4]
		word := binary.LittleEndian.Uint32(w)
		if !undecodable(word) {
			if _, err := arm64asm.Decode(w); err != nil {
				t.Fatalf("decode word %d (% x): %v", i, w, err)
			}
		}
		words = append(words, word)
	}
	return words
}

// undecodable reports encodings arm64asm has no table entry for: the
// exception-generating class (hvc, svc, brk) and the hint space (wfi, nop).
func undecodable(w uint32) bool {
	return w&0xff000000 == 0xd4000000 || w&0xfffff01f == 0xd503201f
}

func count(words []uint32, want uint32) int {
	n := 0
	for _, w := range words {
		if w == want {
			n++
		}
	}
	return n
}

func TestHelloARM64(t *testing.T) {
	const msg = "hello\n"

	tests := []struct {
		name string
		trap Trap
		word uint32
	}{
		{"hvc", TrapHVC, 0xd4000002},
		{"doorbell", TrapDoorbell, 0xf9000128},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image, err := Hello(hv.ArchitectureARM64, tt.trap, msg)
			if err != nil {
				t.Fatalf("Hello: %v", err)
			}
			msgOff := len(image) - len(msg)
			if msgOff%4 != 0 {
				t.Fatalf("code length %d not word aligned", msgOff)
			}
			words := armWords(t, image, msgOff/4)

			if n := count(words, tt.word); n != 2 {
				t.Fatalf("found %d traps, want 2", n)
			}

			var adr uint32
			var adrAt int
			for i, w := range words {
				if w&0x9f000000 == 0x10000000 {
					adr, adrAt = w, i*4
					break
				}
			}
			imm := int((adr>>5)&0x7ffff)<<2 | int((adr>>29)&3)
			if adrAt+imm != msgOff {
				t.Fatalf("adr points at 0x%x, message at 0x%x", adrAt+imm, msgOff)
			}
		})
	}
}

func TestEchoARM64Decodes(t *testing.T) {
	image, err := Echo(hv.ArchitectureARM64, TrapHVC)
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	words := armWords(t, image, len(image)/4-1)
	if count(words, 0xd503207f) != 1 {
		t.Fatalf("echo must end in a single wfi loop")
	}
	if count(words, 0xd4000002) == 0 {
		t.Fatalf("echo has no hvc")
	}
}

func TestBuildErrors(t *testing.T) {
	if _, err := Build("nope", hv.ArchitectureX86_64, TrapDoorbell); err == nil {
		t.Fatalf("expected unknown program error")
	}
	if _, err := Spin(hv.ArchitectureARM64, TrapHVC, 0); err == nil {
		t.Fatalf("expected error for zero spin count")
	}
	if _, err := Hello(hv.ArchitectureInvalid, TrapHVC, "x"); err == nil {
		t.Fatalf("expected unsupported architecture error")
	}
	for _, name := range Names() {
		if _, err := Build(name, hv.ArchitectureARM64, TrapDoorbell); err != nil {
			t.Fatalf("Build(%s): %v", name, err)
		}
	}
}
