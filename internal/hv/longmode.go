package hv

import (
	"encoding/binary"
	"fmt"
)

// x86_64 control register bits used to enter long mode directly.
const (
	CR0_PE = 1 << 0
	CR0_MP = 1 << 1
	CR0_ET = 1 << 4
	CR0_NE = 1 << 5
	CR0_WP = 1 << 16
	CR0_AM = 1 << 18
	CR0_PG = 1 << 31

	CR4_PAE = 1 << 5

	EFER_LME = 1 << 8
	EFER_LMA = 1 << 10

	LongModeCR0  = CR0_PE | CR0_MP | CR0_ET | CR0_NE | CR0_WP | CR0_AM | CR0_PG
	LongModeCR4  = CR4_PAE
	LongModeEFER = EFER_LME | EFER_LMA

	CodeSelector uint16 = 1 << 3
	DataSelector uint16 = 2 << 3

	InitialRFLAGS uint64 = 0x2
)

const (
	pteP  = 1 << 0
	pteRW = 1 << 1
	pteUS = 1 << 2
	ptePS = 1 << 7
)

// Segment is a flat 64-bit segment descriptor in unpacked form.
type Segment struct {
	Selector uint16
	Type     uint8
	S        uint8
	DPL      uint8
	Present  uint8
	AVL      uint8
	L        uint8
	DB       uint8
	G        uint8
}

// Attributes packs the descriptor access bits the way the Windows
// hypervisor platform expects them.
func (s Segment) Attributes() uint16 {
	return uint16(s.Type&0xF) |
		uint16(s.S&1)<<4 |
		uint16(s.DPL&3)<<5 |
		uint16(s.Present&1)<<7 |
		uint16(s.AVL&1)<<12 |
		uint16(s.L&1)<<13 |
		uint16(s.DB&1)<<14 |
		uint16(s.G&1)<<15
}

// CodeSegment is a 64-bit execute/read/accessed segment. D/B must be 0
// when L is set or entry fails.
func CodeSegment() Segment {
	return Segment{Selector: CodeSelector, Type: 11, S: 1, Present: 1, L: 1, G: 1}
}

// DataSegment is a flat read/write/accessed segment.
func DataSegment() Segment {
	return Segment{Selector: DataSelector, Type: 3, S: 1, Present: 1, DB: 1, G: 1}
}

// BuildIdentityPageTables writes a PML4, one PDPT and one PD at
// PageTableBase identity mapping the first GiB with 2 MiB pages, and
// returns the value to load into CR3.
func BuildIdentityPageTables(mem *GuestMemory) (uint64, error) {
	pml4 := PageTableBase
	pdpt := PageTableBase + 0x1000
	pd := PageTableBase + 0x2000
	if pd+0x1000 > PageTableBase+PageTableSize || !mem.Contains(PageTableBase, PageTableSize) {
		return 0, fmt.Errorf("hv: page tables do not fit at 0x%x", PageTableBase)
	}

	buf := mem.Bytes()
	clear(buf[PageTableBase : PageTableBase+PageTableSize])

	binary.LittleEndian.PutUint64(buf[pml4:], pdpt|pteP|pteRW|pteUS)
	binary.LittleEndian.PutUint64(buf[pdpt:], pd|pteP|pteRW|pteUS)
	for i := uint64(0); i < 512; i++ {
		binary.LittleEndian.PutUint64(buf[pd+i*8:], (i<<21)|pteP|pteRW|pteUS|ptePS)
	}

	return pml4, nil
}
