package hv

import (
	"fmt"
	"sort"
	"sync"
)

// Region is a named half-open range [Base, Base+Size) of guest physical
// address space.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

func (r Region) End() uint64 { return r.Base + r.Size }

func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

func (r Region) Overlaps(o Region) bool {
	return r.Base < o.End() && o.Base < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("%-12s [0x%08x-0x%08x) %8d KiB", r.Name, r.Base, r.End(), r.Size>>10)
}

// AddressSpace tracks the regions reserved inside guest RAM and the fixed
// MMIO windows placed above it.
type AddressSpace struct {
	mu sync.Mutex

	arch    CpuArchitecture
	ramSize uint64

	// reserved regions live inside [0, ramSize)
	reserved []Region

	// fixedRegions are MMIO windows that must not overlap RAM
	fixedRegions []Region
}

func NewAddressSpace(arch CpuArchitecture, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		arch:    arch,
		ramSize: ramSize,
	}
}

// Reserve claims a region inside RAM. It fails if the region is empty,
// leaves RAM, or intersects a region reserved earlier.
func (a *AddressSpace) Reserve(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	region := Region{Name: name, Base: base, Size: size}
	if size == 0 {
		return fmt.Errorf("address_space: cannot reserve zero-size region %s", name)
	}
	if region.End() < base || region.End() > a.ramSize {
		return fmt.Errorf("address_space: region %s [0x%x-0x%x) outside RAM [0x0-0x%x)",
			name, base, region.End(), a.ramSize)
	}
	for _, other := range a.reserved {
		if region.Overlaps(other) {
			return fmt.Errorf("address_space: region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				name, base, region.End(), other.Name, other.Base, other.End())
		}
	}

	a.reserved = append(a.reserved, region)
	return nil
}

// RegisterFixed registers an MMIO window. Returns an error if the window
// overlaps RAM or another window.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}

	region := Region{Name: name, Base: base, Size: size}
	if region.Overlaps(Region{Base: 0, Size: a.ramSize}) {
		return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x0-0x%x)",
			name, base, region.End(), a.ramSize)
	}
	for _, other := range a.fixedRegions {
		if region.Overlaps(other) {
			return fmt.Errorf("address_space: fixed region %s overlaps %s", name, other.Name)
		}
	}

	a.fixedRegions = append(a.fixedRegions, region)
	return nil
}

// Lookup returns the reserved region or fixed window containing addr.
func (a *AddressSpace) Lookup(addr uint64) (Region, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.reserved {
		if r.Contains(addr) {
			return r, true
		}
	}
	for _, r := range a.fixedRegions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// Reserved returns the RAM regions sorted by base address.
func (a *AddressSpace) Reserved() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Region, len(a.reserved))
	copy(result, a.reserved)
	sort.Slice(result, func(i, j int) bool { return result[i].Base < result[j].Base })
	return result
}

// FixedRegions returns a copy of all fixed MMIO windows.
func (a *AddressSpace) FixedRegions() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Region, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	return result
}

func (a *AddressSpace) RAMSize() uint64 { return a.ramSize }

func (a *AddressSpace) Architecture() CpuArchitecture { return a.arch }

// ValidateLayout checks that no two regions intersect and that every region
// lies inside [0, ramSize).
func ValidateLayout(ramSize uint64, regions []Region) error {
	as := NewAddressSpace(ArchitectureInvalid, ramSize)
	for _, r := range regions {
		if err := as.Reserve(r.Name, r.Base, r.Size); err != nil {
			return err
		}
	}
	return nil
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
