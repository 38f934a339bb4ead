// Package display presents a running guest in the host terminal: the
// framebuffer as half-block cells, the guest console below it, and
// keystrokes delivered to the keyboard mailbox.
package display

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/aether/internal/hv"
	"github.com/tinyrange/aether/internal/timeslice"
)

const DefaultFrameRate = 30

// ErrQuit is returned by Run when the user pressed Esc or Ctrl-C.
var ErrQuit = errors.New("display: quit")

var (
	tsDisplayFrame = timeslice.RegisterKind("display_frame", 0)
	tsDisplayKey   = timeslice.RegisterKind("display_key", 0)
)

// Source is the part of a backend the display needs. Both methods are safe
// to call while another goroutine steps or closes the guest.
type Source interface {
	ViewFramebuffer(width, height int, fn func(pixels []uint32)) bool
	InjectKey(c rune) bool
}

// Lines supplies the console text shown under the framebuffer.
type Lines interface {
	Lines() []string
}

type Options struct {
	In  *os.File
	Out io.Writer

	FrameRate int
	Console   Lines
	Logger    *slog.Logger
}

// Run takes over the terminal until ctx is done or the user quits. The
// terminal state is restored before it returns.
func Run(ctx context.Context, src Source, opts Options) error {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = DefaultFrameRate
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	fd := int(opts.In.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("display: stdin is not a terminal")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("display: enter raw mode: %w", err)
	}
	defer func() {
		if err := term.Restore(fd, state); err != nil {
			log.Error("display: restore terminal", "error", err)
		}
	}()

	io.WriteString(opts.Out, ansi.SetModeAltScreenSaveCursor+ansi.HideCursor+ansi.EraseEntireScreen)
	defer io.WriteString(opts.Out, ansi.ShowCursor+ansi.ResetModeAltScreenSaveCursor)

	keys := make(chan []byte, 16)
	go readInput(opts.In, keys)

	ticker := time.NewTicker(time.Second / time.Duration(opts.FrameRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case buf, ok := <-keys:
			if !ok {
				return io.EOF
			}
			start := time.Now()
			runes, quit := DecodeKeys(buf)
			for _, r := range runes {
				if !src.InjectKey(r) {
					log.Debug("display: keyboard mailbox full, key dropped", "key", r)
				}
			}
			timeslice.Record(tsDisplayKey, time.Since(start))
			if quit {
				return ErrQuit
			}

		case <-ticker.C:
			start := time.Now()
			cols, rows, err := term.GetSize(fd)
			if err != nil {
				cols, rows = 80, 24
			}
			var lines []string
			if opts.Console != nil {
				lines = opts.Console.Lines()
			}
			var frame string
			if !src.ViewFramebuffer(hv.FramebufferWidth, hv.FramebufferHeight, func(fb []uint32) {
				frame = Frame(fb, hv.FramebufferWidth, hv.FramebufferHeight, cols, rows, lines)
			}) {
				// Backend closed.
				return nil
			}
			if _, err := io.WriteString(opts.Out, frame); err != nil {
				return fmt.Errorf("display: write frame: %w", err)
			}
			timeslice.Record(tsDisplayFrame, time.Since(start))
		}
	}
}

// readInput never returns while the terminal is open; the blocked read is
// abandoned when Run exits.
func readInput(in io.Reader, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 64)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			out <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			return
		}
	}
}
