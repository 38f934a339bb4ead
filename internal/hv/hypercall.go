package hv

import (
	"io"
	"log/slog"
	"sync"
)

// Hypercalls performs the host side of guest hypercalls for one backend.
type Hypercalls struct {
	mem   *GuestMemory
	limit uint64
	log   *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

func NewHypercalls(mem *GuestMemory, out io.Writer, limit int, log *slog.Logger) *Hypercalls {
	if limit <= 0 {
		limit = DefaultPrintLimit
	}
	if log == nil {
		log = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}
	return &Hypercalls{mem: mem, out: out, limit: uint64(limit), log: log}
}

// Dispatch runs hypercall call with arguments a0 and a1. When setRet is
// true the backend must store ret in the guest's first argument register.
// Unknown call numbers have no side effect and resume the guest.
func (h *Hypercalls) Dispatch(call, a0, a1 uint64) (exit ExitReason, ret uint64, setRet bool) {
	switch HyperCall(call) {
	case HyperCallPrint:
		if !h.print(a0, a1) {
			return Yield(), 0, false
		}
		return Yield(), 0, true
	case HyperCallExit:
		h.log.Debug("guest requested exit", "code", a0)
		return Halt(), 0, false
	default:
		h.log.Debug("ignoring unknown hypercall", "call", HyperCall(call))
		return Yield(), 0, false
	}
}

func (h *Hypercalls) print(ptr, length uint64) bool {
	if length == 0 || length >= h.limit || ptr >= h.mem.Size() || !h.mem.Contains(ptr, length) {
		h.log.Debug("rejecting print hypercall", "ptr", ptr, "len", length)
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.out.Write(h.mem.Bytes()[ptr : ptr+length]); err != nil {
		h.log.Debug("print hypercall output failed", "error", err)
	}
	return true
}

// Serial echoes one byte written to SerialPort.
func (h *Hypercalls) Serial(b byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.out.Write([]byte{b}); err != nil {
		h.log.Debug("serial output failed", "error", err)
	}
}
