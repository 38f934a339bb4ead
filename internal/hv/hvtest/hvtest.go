// Package hvtest provides a scripted hv.Backend for testing consumers of
// the backend contract without a native hypervisor.
package hvtest

import (
	"sync"

	"github.com/tinyrange/aether/internal/hv"
)

type Backend struct {
	mem *hv.GuestMemory

	mu     sync.Mutex
	script []hv.ExitReason
	then   hv.ExitReason
	steps  int
	closed bool
}

// New returns a backend that replays exits in order and then yields forever.
func New(exits ...hv.ExitReason) *Backend {
	return NewThen(hv.Yield(), exits...)
}

// NewThen replays exits and then returns then on every later step.
func NewThen(then hv.ExitReason, exits ...hv.ExitReason) *Backend {
	mem, err := hv.NewGuestMemory(make([]byte, hv.RAMSize))
	if err != nil {
		panic(err)
	}
	return &Backend{
		mem:    mem,
		script: append([]hv.ExitReason(nil), exits...),
		then:   then,
	}
}

func (b *Backend) Arch() hv.CpuArchitecture { return hv.ArchitectureInvalid }
func (b *Backend) Memory() *hv.GuestMemory  { return b.mem }

func (b *Backend) Step() hv.ExitReason {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return hv.Halt()
	}
	b.steps++
	if len(b.script) > 0 {
		exit := b.script[0]
		b.script = b.script[1:]
		return exit
	}
	return b.then
}

func (b *Backend) ViewFramebuffer(width, height int, fn func([]uint32)) bool {
	return b.mem.ViewFramebuffer(width, height, fn)
}

func (b *Backend) InjectKey(c rune) bool { return b.mem.InjectKey(c) }

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.mem.Retire()
	return nil
}

// Steps returns how many times Step ran before Close.
func (b *Backend) Steps() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.steps
}

func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

var (
	_ hv.Backend = &Backend{}
)
