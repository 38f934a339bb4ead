package guest

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/aether/internal/hv"
)

const (
	x0 = 0
	x1 = 1
	x2 = 2
	x3 = 3
	x4 = 4
	x5 = 5
	x6 = 6
	x8 = 8
	x9 = 9

	xzr = 31
)

func (p *Program) movz(rd uint32, imm uint16, shift uint32) {
	p.emit32(0xd2800000 | (shift/16)<<21 | uint32(imm)<<5 | rd)
}

func (p *Program) movk(rd uint32, imm uint16, shift uint32) {
	p.emit32(0xf2800000 | (shift/16)<<21 | uint32(imm)<<5 | rd)
}

// mov32 loads a 32-bit constant into a 64-bit register.
func (p *Program) mov32(rd uint32, v uint32) {
	p.movz(rd, uint16(v), 0)
	if hi := uint16(v >> 16); hi != 0 {
		p.movk(rd, hi, 16)
	}
}

func (p *Program) adr(rd uint32, label string) {
	p.ref(p.pc(), label, func(code []byte, at, target int) error {
		imm := target - at
		if imm < -(1<<20) || imm >= 1<<20 {
			return fmt.Errorf("adr offset %d out of range", imm)
		}
		word := 0x10000000 | uint32(imm&3)<<29 | uint32((imm>>2)&0x7ffff)<<5 | rd
		binary.LittleEndian.PutUint32(code[at:], word)
		return nil
	})
	p.emit32(0)
}

// branch emits an instruction whose offset field is imm19 at bit 5 (b.cond,
// cbz) or imm26 at bit 0 (b).
func (p *Program) branch(base uint32, label string, wide bool) {
	p.ref(p.pc(), label, func(code []byte, at, target int) error {
		off := (target - at) / 4
		word := base
		if wide {
			word |= uint32(off) & 0x3ffffff
		} else {
			if off < -(1<<18) || off >= 1<<18 {
				return fmt.Errorf("branch offset %d out of range", off)
			}
			word |= (uint32(off) & 0x7ffff) << 5
		}
		binary.LittleEndian.PutUint32(code[at:], word)
		return nil
	})
	p.emit32(0)
}

func (p *Program) trapSetup(trap Trap) {
	if trap == TrapDoorbell {
		p.mov32(x9, uint32(hv.HypercallDoorbellAddr))
	}
}

func (p *Program) trap(trap Trap) {
	if trap == TrapHVC {
		p.emit32(0xd4000002) // hvc #0
		return
	}
	p.emit32(0xf9000128) // str x8, [x9]
}

func (p *Program) exitARM64(trap Trap) {
	p.movz(x8, uint16(hv.HyperCallExit), 0)
	p.movz(x0, 0, 0)
	p.trap(trap)
	p.label("halt")
	p.emit32(0xd503207f) // wfi
	p.branch(0x14000000, "halt", true)
}

func helloARM64(trap Trap, msg string) ([]byte, error) {
	if len(msg) > 0xffff {
		return nil, fmt.Errorf("guest: message of %d bytes too long", len(msg))
	}
	p := newProgram()
	p.trapSetup(trap)
	p.adr(x0, "msg")
	p.movz(x1, uint16(len(msg)), 0)
	p.movz(x8, uint16(hv.HyperCallPrint), 0)
	p.trap(trap)
	p.exitARM64(trap)
	p.label("msg")
	p.emit([]byte(msg)...)
	return p.Bytes()
}

func spinARM64(trap Trap, n uint32) ([]byte, error) {
	p := newProgram()
	p.trapSetup(trap)
	p.mov32(x3, n)
	p.label("loop")
	p.movz(x8, 2, 0)
	p.trap(trap)
	p.emit32(0xf1000463) // subs x3, x3, #1
	p.branch(0x54000001, "loop", false)
	p.exitARM64(trap)
	return p.Bytes()
}

func echoARM64(trap Trap) ([]byte, error) {
	p := newProgram()
	p.trapSetup(trap)

	p.mov32(x2, uint32(hv.FramebufferAddr))
	p.mov32(x3, hv.FramebufferWidth*hv.FramebufferHeight)
	p.movz(x4, 0, 0)
	p.label("paint")
	p.emit32(0xb8004444)                         // str w4, [x2], #4
	p.emit32(0x11000000 | 0x101<<10 | x4<<5 | x4) // add w4, w4, #0x101
	p.emit32(0xf1000463)                         // subs x3, x3, #1
	p.branch(0x54000001, "paint", false)

	p.mov32(x5, uint32(hv.KeyboardStatusAddr))
	p.label("poll")
	p.movz(x8, 2, 0)
	p.trap(trap)
	p.emit32(0xb9400000 | x5<<5 | x0) // ldr w0, [x5]
	p.branch(0x34000000|x0, "poll", false)
	p.emit32(0xb9400000 | 1<<10 | x5<<5 | x0) // ldr w0, [x5, #4]
	p.emit32(0xb9000000 | x5<<5 | xzr)        // str wzr, [x5]
	p.emit32(0x7100001f | ctrlD<<10 | x0<<5)  // cmp w0, #ctrl-d
	p.branch(0x54000000, "exit", false)
	p.adr(x6, "buf")
	p.emit32(0x39000000 | x6<<5 | x0)  // strb w0, [x6]
	p.emit32(0xaa0003e0 | x6<<16 | x0) // mov x0, x6
	p.movz(x1, 1, 0)
	p.movz(x8, uint16(hv.HyperCallPrint), 0)
	p.trap(trap)
	p.branch(0x14000000, "poll", true)

	p.label("exit")
	p.exitARM64(trap)
	p.label("buf")
	p.emit(0, 0, 0, 0)
	return p.Bytes()
}
