package hv

import (
	"encoding/binary"
	"testing"
)

func TestSegmentAttributes(t *testing.T) {
	if got := CodeSegment().Attributes(); got != 0xA09B {
		t.Fatalf("code attributes = 0x%04x, want 0xA09B", got)
	}
	if got := DataSegment().Attributes(); got != 0xC093 {
		t.Fatalf("data attributes = 0x%04x, want 0xC093", got)
	}
	if CodeSegment().DB != 0 {
		t.Fatalf("64-bit code segment must have D/B clear")
	}
}

func TestBuildIdentityPageTables(t *testing.T) {
	mem := newTestMemory(t)
	mem.Bytes()[PageTableBase+0x3000] = 0xaa

	cr3, err := BuildIdentityPageTables(mem)
	if err != nil {
		t.Fatalf("BuildIdentityPageTables: %v", err)
	}
	if cr3 != PageTableBase {
		t.Fatalf("cr3 = 0x%x", cr3)
	}

	buf := mem.Bytes()
	pml4e := binary.LittleEndian.Uint64(buf[PageTableBase:])
	pdpte := binary.LittleEndian.Uint64(buf[PageTableBase+0x1000:])
	if pml4e&^0xfff != PageTableBase+0x1000 || pml4e&pteP == 0 {
		t.Fatalf("pml4[0] = 0x%x", pml4e)
	}
	if pdpte&^0xfff != PageTableBase+0x2000 {
		t.Fatalf("pdpt[0] = 0x%x", pdpte)
	}

	for _, addr := range []uint64{0, FramebufferAddr, DiskAddr, StackTop} {
		pde := binary.LittleEndian.Uint64(buf[PageTableBase+0x2000+(addr>>21)*8:])
		if pde&ptePS == 0 || pde&^0x1fffff != addr&^0x1fffff {
			t.Fatalf("pde for 0x%x = 0x%x", addr, pde)
		}
	}

	if buf[PageTableBase+0x3000] != 0 {
		t.Fatalf("page table region not cleared")
	}
	if buf[PageTableBase-1] != 0 || buf[PageTableBase+PageTableSize] != 0 {
		t.Fatalf("page tables leaked out of their region")
	}
}
