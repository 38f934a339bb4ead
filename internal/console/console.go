// Package console renders guest Print output through a VT emulator so the
// display can show it as a text screen.
package console

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

const (
	DefaultCols = 80
	DefaultRows = 8
)

// KeySink receives emulator replies one rune at a time.
type KeySink interface {
	InjectKey(c rune) bool
}

type Console struct {
	emu *vt.SafeEmulator

	closeOnce sync.Once
	closeCh   chan struct{}
}

func New(cols, rows int) *Console {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	emu := vt.NewSafeEmulator(cols, rows)
	swallowReports(emu)

	return &Console{emu: emu, closeCh: make(chan struct{})}
}

// swallowReports stops the emulator answering cursor position and device
// attribute queries. The single slot keyboard would feed those replies back
// to guests that never asked for them.
func swallowReports(emu *vt.SafeEmulator) {
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && (n == 5 || n == 6)
	})
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

// Write feeds guest output into the emulator.
func (c *Console) Write(p []byte) (int, error) {
	select {
	case <-c.closeCh:
		return 0, io.ErrClosedPipe
	default:
	}
	return c.emu.Write(p)
}

// SendText queues text as if typed at the console. It reaches the guest
// through Forward.
func (c *Console) SendText(s string) {
	c.emu.SendText(s)
}

func (c *Console) Size() (cols, rows int) {
	return c.emu.Width(), c.emu.Height()
}

func (c *Console) Resize(cols, rows int) {
	if cols > 0 && rows > 0 {
		c.emu.Resize(cols, rows)
	}
}

// Lines returns the visible screen with trailing blanks trimmed.
func (c *Console) Lines() []string {
	cols, rows := c.Size()
	lines := make([]string, rows)

	var sb strings.Builder
	for y := 0; y < rows; y++ {
		sb.Reset()
		for x := 0; x < cols; {
			w := 1
			cell := c.emu.CellAt(x, y)
			switch {
			case cell == nil || cell.Content == "":
				sb.WriteByte(' ')
			default:
				sb.WriteString(cell.Content)
				if cell.Width > 1 {
					w = cell.Width
				}
			}
			x += w
		}
		lines[y] = strings.TrimRight(sb.String(), " ")
	}
	return lines
}

// Forward delivers emulator input to sink until the console is closed. The
// mailbox holds a single key, so delivery retries every poll interval while
// the guest has not consumed the previous one.
func (c *Console) Forward(sink KeySink, poll time.Duration) {
	buf := make([]byte, 256)
	for {
		n, err := c.emu.Read(buf)
		for _, r := range string(buf[:n]) {
			if !c.deliver(sink, r, poll) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Console) deliver(sink KeySink, r rune, poll time.Duration) bool {
	for !sink.InjectKey(r) {
		select {
		case <-c.closeCh:
			return false
		case <-time.After(poll):
		}
	}
	return true
}

// Close stops Forward and rejects further writes. Only the input pipe is
// closed: the emulator's own Close flips state that a concurrent Read
// inspects without holding the lock.
func (c *Console) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if pipe, ok := c.emu.InputPipe().(io.Closer); ok {
			_ = pipe.Close()
		}
	})
	return nil
}
