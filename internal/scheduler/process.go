package scheduler

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/aether/internal/hv"
)

// ProcessID identifies a spawned guest. IDs start at 1 and are never reused.
type ProcessID uint64

type State uint8

const (
	Ready State = iota
	Running
	// Blocked processes stay queued but are not stepped.
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Process is one scheduled guest.
type Process struct {
	ID       ProcessID
	State    State
	Backend  hv.Backend
	Steps    uint64
	LastExit hv.ExitReason

	stack    []byte
	stackTop int
}

func newProcess(id ProcessID, backend hv.Backend, stackSize int) *Process {
	p := &Process{ID: id, State: Ready, Backend: backend}
	if stackSize > 0 {
		p.stack = make([]byte, stackSize)
		base := uintptr(unsafe.Pointer(&p.stack[0]))
		top := (base + uintptr(stackSize)) &^ 15
		p.stackTop = int(top - base)
	}
	return p
}

// Stack is the host-side execution context reserved for the process.
func (p *Process) Stack() []byte { return p.stack }

// StackTop is the offset into Stack of its highest 16-byte aligned address.
func (p *Process) StackTop() int { return p.stackTop }

func (p *Process) runnable() bool {
	return p.State == Ready || p.State == Running
}
