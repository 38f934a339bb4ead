package hv

// Reference guest physical memory map. The guest runtime is built against
// the same constants, so they must not change without rebuilding guests.
const (
	RAMSize         uint64 = 8 << 20
	MaxRAMSize      uint64 = 16 << 20
	MemoryAlignment uint64 = 64 << 10

	CodeBase uint64 = 0x000000
	CodeSize uint64 = 0x070000

	// Identity page tables for x86_64 long mode (PML4, PDPT, PD).
	PageTableBase uint64 = 0x070000
	PageTableSize uint64 = 0x004000

	KeyboardStatusAddr uint64 = 0x080000
	KeyboardDataAddr   uint64 = 0x080004
	keyboardSize       uint64 = 8

	FramebufferAddr   uint64 = 0x100000
	FramebufferWidth         = 640
	FramebufferHeight        = 480
	FramebufferSize   uint64 = FramebufferWidth * FramebufferHeight * 4

	DiskAddr uint64 = 0x300000
	DiskSize uint64 = 0x400000

	StackBase uint64 = 0x700000
	StackSize uint64 = 0x100000
	StackTop  uint64 = 0x7FF000

	// MMIO doorbell above RAM. A write of a call number here is a hypercall.
	HypercallDoorbellAddr uint64 = 0x09000000
	HypercallDoorbellSize uint64 = 0x1000

	// x86_64 port I/O hypercall site: OUT with the call number in AL,
	// pointer in RDI and length in RSI.
	HypercallPort uint16 = 0x0500
	// Legacy COM1 data port; each byte written is echoed to the output.
	SerialPort uint16 = 0x03F8

	DefaultPrintLimit = 1000
)

// Layout returns the regions reserved inside RAM by the reference map.
func Layout() []Region {
	return []Region{
		{Name: "code", Base: CodeBase, Size: CodeSize},
		{Name: "pagetables", Base: PageTableBase, Size: PageTableSize},
		{Name: "keyboard", Base: KeyboardStatusAddr, Size: keyboardSize},
		{Name: "framebuffer", Base: FramebufferAddr, Size: FramebufferSize},
		{Name: "disk", Base: DiskAddr, Size: DiskSize},
		{Name: "stack", Base: StackBase, Size: StackSize},
	}
}

// ReferenceAddressSpace builds the address space every backend maps.
func ReferenceAddressSpace(arch CpuArchitecture, ramSize uint64) (*AddressSpace, error) {
	as := NewAddressSpace(arch, ramSize)
	for _, r := range Layout() {
		if err := as.Reserve(r.Name, r.Base, r.Size); err != nil {
			return nil, err
		}
	}
	if err := as.RegisterFixed("doorbell", HypercallDoorbellAddr, HypercallDoorbellSize); err != nil {
		return nil, err
	}
	return as, nil
}
