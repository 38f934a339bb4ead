package guest

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/aether/internal/hv"
)

func (p *Program) movEDI(imm uint32) { p.emit(0xbf); p.emit32(imm) }
func (p *Program) movESI(imm uint32) { p.emit(0xbe); p.emit32(imm) }
func (p *Program) movECX(imm uint32) { p.emit(0xb9); p.emit32(imm) }
func (p *Program) movAL(imm byte)    { p.emit(0xb0, imm) }

// movEDILabel loads the absolute address of label into rdi.
func (p *Program) movEDILabel(label string) {
	p.emit(0xbf)
	p.ref(p.pc(), label, patchAbs32)
	p.emit32(0)
}

func (p *Program) hypercallPort() {
	p.emit(0x66, 0xba)
	p.code = binary.LittleEndian.AppendUint16(p.code, hv.HypercallPort)
}

// outAL is "out dx, al"; dx must already hold the hypercall port.
func (p *Program) outAL() { p.emit(0xee) }

func (p *Program) jcc8(op byte, label string) {
	p.emit(op)
	p.ref(p.pc(), label, patchRel8)
	p.emit(0)
}

func (p *Program) exitAMD64() {
	p.movAL(byte(hv.HyperCallExit))
	p.emit(0x31, 0xff) // xor edi, edi
	p.outAL()
	p.label("halt")
	p.emit(0xf4) // hlt
	p.jcc8(0xeb, "halt")
}

func patchAbs32(code []byte, at, target int) error {
	binary.LittleEndian.PutUint32(code[at:], uint32(hv.CodeBase)+uint32(target))
	return nil
}

func patchRel8(code []byte, at, target int) error {
	rel := target - (at + 1)
	if rel < -128 || rel > 127 {
		return fmt.Errorf("rel8 displacement %d out of range", rel)
	}
	code[at] = byte(int8(rel))
	return nil
}

func helloAMD64(msg string) ([]byte, error) {
	p := newProgram()
	p.movEDILabel("msg")
	p.movESI(uint32(len(msg)))
	p.hypercallPort()
	p.emit(0x31, 0xc0) // xor eax, eax
	p.outAL()
	p.exitAMD64()
	p.label("msg")
	p.emit([]byte(msg)...)
	return p.Bytes()
}

func spinAMD64(n uint32) ([]byte, error) {
	p := newProgram()
	p.movECX(n)
	p.hypercallPort()
	p.label("loop")
	p.movAL(2)
	p.outAL()
	p.emit(0xff, 0xc9) // dec ecx
	p.jcc8(0x75, "loop")
	p.exitAMD64()
	return p.Bytes()
}

func echoAMD64() ([]byte, error) {
	p := newProgram()

	p.movEDI(uint32(hv.FramebufferAddr))
	p.movECX(hv.FramebufferWidth * hv.FramebufferHeight)
	p.emit(0x31, 0xc0) // xor eax, eax
	p.label("paint")
	p.emit(0x89, 0x07)             // mov [rdi], eax
	p.emit(0x48, 0x83, 0xc7, 0x04) // add rdi, 4
	p.emit(0x05)                   // add eax, imm32
	p.emit32(0x00000101)
	p.emit(0xff, 0xc9) // dec ecx
	p.jcc8(0x75, "paint")

	p.hypercallPort()
	p.label("poll")
	p.movAL(2)
	p.outAL()
	p.emit(0x8b, 0x04, 0x25) // mov eax, [status]
	p.emit32(uint32(hv.KeyboardStatusAddr))
	p.emit(0x85, 0xc0) // test eax, eax
	p.jcc8(0x74, "poll")
	p.emit(0x8b, 0x04, 0x25) // mov eax, [data]
	p.emit32(uint32(hv.KeyboardDataAddr))
	p.emit(0xc7, 0x04, 0x25) // mov dword [status], 0
	p.emit32(uint32(hv.KeyboardStatusAddr))
	p.emit32(0)
	p.emit(0x3c, ctrlD) // cmp al, ctrl-d
	p.jcc8(0x74, "exit")
	p.emit(0x88, 0x04, 0x25) // mov [buf], al
	p.ref(p.pc(), "buf", patchAbs32)
	p.emit32(0)
	p.movEDILabel("buf")
	p.movESI(1)
	p.emit(0x31, 0xc0) // xor eax, eax
	p.outAL()
	p.jcc8(0xeb, "poll")

	p.label("exit")
	p.exitAMD64()
	p.label("buf")
	p.emit(0, 0, 0, 0)
	return p.Bytes()
}
