package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/aether/internal/console"
	"github.com/tinyrange/aether/internal/display"
	"github.com/tinyrange/aether/internal/hv"
	"github.com/tinyrange/aether/internal/hv/factory"
	"github.com/tinyrange/aether/internal/scheduler"
	"github.com/tinyrange/aether/internal/timeslice"
)

// keyPoll is how often console replies retry a full keyboard mailbox.
const keyPoll = 5 * time.Millisecond

type guestImage struct {
	name  string
	image []byte
	disk  []byte
}

type sessionOptions struct {
	display    bool
	printLimit int
	timeslice  string
	observer   func(scheduler.ProcessID, hv.ExitReason)
}

// runSession boots every guest into one scheduler and runs it until they all
// exit. With display set the first guest is also presented in the terminal
// while the scheduler runs on a worker goroutine.
func runSession(ctx context.Context, guests []guestImage, opts sessionOptions) error {
	if len(guests) == 0 {
		return fmt.Errorf("no guests to run")
	}

	if opts.timeslice != "" {
		stop, err := startTimeslice(opts.timeslice)
		if err != nil {
			return err
		}
		defer stop()
	}

	var (
		output io.Writer = os.Stdout
		con    *console.Console
	)
	if opts.display {
		con = console.New(console.DefaultCols, console.DefaultRows)
		defer con.Close()
		output = con
	}

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(slog.Default()),
		scheduler.WithIdle(hostConfig.Idle),
		scheduler.WithStackSize(hostConfig.StackSize),
		scheduler.WithExitWhenEmpty(),
	}
	if opts.observer != nil {
		schedOpts = append(schedOpts, scheduler.WithObserver(opts.observer))
	}
	sched := scheduler.New(schedOpts...)
	defer sched.Close()

	var first hv.Backend
	for _, g := range guests {
		backend, err := factory.Open(hv.Config{
			Image:      g.image,
			Disk:       g.disk,
			PrintLimit: opts.printLimit,
			Output:     output,
			Logger:     slog.Default().With("guest", g.name),
		})
		if err != nil {
			return fmt.Errorf("open guest %s: %w", g.name, err)
		}
		id := sched.Spawn(backend)
		slog.Info("guest started", "guest", g.name, "id", id, "backend", factory.Name())
		if first == nil {
			first = backend
		}
	}

	if !opts.display {
		if err := sched.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	go con.Forward(first, keyPoll)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return display.Run(gctx, first, display.Options{Console: con})
	})

	err := g.Wait()
	if errors.Is(err, display.ErrQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func startTimeslice(path string) (func(), error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create timeslice file: %w", err)
	}
	closer, err := timeslice.StartRecording(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		if err := closer.Close(); err != nil {
			slog.Error("close timeslice recording", "error", err)
		}
		if err := f.Close(); err != nil {
			slog.Error("close timeslice file", "error", err)
		}
	}, nil
}
