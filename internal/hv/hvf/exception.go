package hvf

import "fmt"

// syndrome is the ESR_EL2 value reported for a trapped exception.
type syndrome uint64

// Exception classes, ESR_EL2 bits [31:26].
type class uint8

const (
	classWFx           class = 0x01
	classHVC64         class = 0x16
	classSMC64         class = 0x17
	classSysReg        class = 0x18
	classDataAbortLow  class = 0x24
	classDataAbortSame class = 0x25
)

var classNames = map[class]string{
	classWFx:           "wfi/wfe",
	classHVC64:         "hvc",
	classSMC64:         "smc",
	classSysReg:        "msr/mrs",
	classDataAbortLow:  "data abort (lower EL)",
	classDataAbortSame: "data abort (same EL)",
}

func (c class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("class 0x%02x", uint8(c))
}

// zeroRegister is the Rt encoding of xzr/wzr.
const zeroRegister = 31

func (s syndrome) class() class { return class(s >> 26 & 0x3f) }

func (s syndrome) iss() uint64 { return uint64(s) & (1<<25 - 1) }

func (s syndrome) bit(n uint) bool { return s.iss()>>n&1 == 1 }

// access describes a trapped load or store.
type access struct {
	size  int
	write bool
	reg   int
}

// access decodes the instruction syndrome of a data abort. Aborts without a
// valid ISS (ISV clear) cannot be emulated from the syndrome alone.
func (s syndrome) access() (access, error) {
	if c := s.class(); c != classDataAbortLow {
		return access{}, fmt.Errorf("hvf: syndrome 0x%x is %s, not a data abort", uint64(s), c)
	}
	if !s.bit(24) {
		return access{}, fmt.Errorf("hvf: data abort syndrome 0x%x has no valid ISS", uint64(s))
	}
	return access{
		size:  1 << (s.iss() >> 22 & 3),
		write: s.bit(6),
		reg:   int(s.iss() >> 16 & 0x1f),
	}, nil
}
