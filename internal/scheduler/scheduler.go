// Package scheduler multiplexes guests cooperatively: every tick steps the
// process at the head of a round-robin queue for exactly one exit.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/tinyrange/aether/internal/hv"
	"github.com/tinyrange/aether/internal/timeslice"
)

const (
	DefaultIdle      = 10 * time.Millisecond
	DefaultStackSize = 128 << 10
)

var stepKinds = map[hv.ExitKind]timeslice.TimesliceID{
	hv.ExitYield:   timeslice.RegisterKind("step_yield", 0),
	hv.ExitIo:      timeslice.RegisterKind("step_io", 0),
	hv.ExitMmio:    timeslice.RegisterKind("step_mmio", 0),
	hv.ExitHalt:    timeslice.RegisterKind("step_halt", 0),
	hv.ExitUnknown: timeslice.RegisterKind("step_unknown", 0),
}

var ErrNoProcess = errors.New("no such process")

type Option func(*Scheduler)

func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithIdle sets how long Run sleeps when nothing is runnable.
func WithIdle(d time.Duration) Option {
	return func(s *Scheduler) { s.idle = d }
}

// WithStackSize sets the per-process stack reservation. Zero disables it.
func WithStackSize(n int) Option {
	return func(s *Scheduler) { s.stackSize = n }
}

// WithObserver registers fn to be called after every step.
func WithObserver(fn func(ProcessID, hv.ExitReason)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// WithExitWhenEmpty makes Run return once the last process terminates.
func WithExitWhenEmpty() Option {
	return func(s *Scheduler) { s.exitWhenEmpty = true }
}

// Scheduler is driven by a single goroutine and does no locking of its own.
type Scheduler struct {
	log           *slog.Logger
	idle          time.Duration
	stackSize     int
	observer      func(ProcessID, hv.ExitReason)
	exitWhenEmpty bool

	// arena holds live process records; free lists reusable slots.
	arena []*Process
	free  []int
	slot  map[ProcessID]int
	queue []ProcessID
	next  ProcessID
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		log:       slog.Default(),
		idle:      DefaultIdle,
		stackSize: DefaultStackSize,
		slot:      make(map[ProcessID]int),
		next:      1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.stackSize < 0 {
		s.stackSize = 0
	}
	return s
}

// Spawn takes ownership of backend and queues it as a Ready process.
func (s *Scheduler) Spawn(backend hv.Backend) ProcessID {
	id := s.next
	s.next++

	p := newProcess(id, backend, s.stackSize)
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		s.arena[idx] = p
		s.slot[id] = idx
	} else {
		s.slot[id] = len(s.arena)
		s.arena = append(s.arena, p)
	}
	s.queue = append(s.queue, id)

	s.log.Debug("scheduler: spawned process", "id", id, "arch", backend.Arch())
	return id
}

func (s *Scheduler) lookup(id ProcessID) *Process {
	idx, ok := s.slot[id]
	if !ok {
		return nil
	}
	return s.arena[idx]
}

// Len returns the number of live processes.
func (s *Scheduler) Len() int { return len(s.slot) }

// Processes returns a snapshot of the live processes in spawn order.
func (s *Scheduler) Processes() []Process {
	out := make([]Process, 0, len(s.slot))
	for _, p := range s.arena {
		if p != nil {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b Process) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Tick pops the head of the queue and steps it once. Blocked processes are
// requeued without stepping. It reports whether a backend was stepped.
func (s *Scheduler) Tick() bool {
	if len(s.queue) == 0 {
		return false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]

	p := s.lookup(id)
	if p == nil {
		return false
	}

	if p.State == Blocked {
		s.queue = append(s.queue, id)
		return false
	}

	p.State = Running
	start := time.Now()
	exit := p.Backend.Step()
	if kind, ok := stepKinds[exit.Kind]; ok {
		timeslice.Record(kind, time.Since(start))
	}
	p.Steps++
	p.LastExit = exit

	if s.observer != nil {
		s.observer(id, exit)
	}

	switch exit.Kind {
	case hv.ExitHalt:
		s.terminate(p)
	case hv.ExitUnknown:
		s.log.Debug("scheduler: unknown exit treated as yield", "id", id)
		fallthrough
	default:
		p.State = Ready
		s.queue = append(s.queue, id)
	}
	return true
}

func (s *Scheduler) terminate(p *Process) {
	p.State = Terminated
	if err := p.Backend.Close(); err != nil {
		s.log.Error("scheduler: close backend", "id", p.ID, "error", err)
	}

	idx := s.slot[p.ID]
	s.arena[idx] = nil
	s.free = append(s.free, idx)
	delete(s.slot, p.ID)
	s.queue = slices.DeleteFunc(s.queue, func(id ProcessID) bool { return id == p.ID })

	s.log.Info("scheduler: process terminated", "id", p.ID, "steps", p.Steps)
}

func (s *Scheduler) runnable() int {
	n := 0
	for _, id := range s.queue {
		if p := s.lookup(id); p != nil && p.runnable() {
			n++
		}
	}
	return n
}

// Run ticks until ctx is done, or until no process remains when
// WithExitWhenEmpty is set. It sleeps for the idle duration whenever there
// is nothing runnable.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.Tick() {
			continue
		}
		if s.Len() == 0 && s.exitWhenEmpty {
			return nil
		}
		if s.runnable() > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.idle):
		}
	}
}

// Block parks a Ready process. It stays queued but is not stepped until
// Unblock.
func (s *Scheduler) Block(id ProcessID) error {
	p := s.lookup(id)
	if p == nil {
		return fmt.Errorf("scheduler: block %d: %w", id, ErrNoProcess)
	}
	if p.State != Ready {
		return fmt.Errorf("scheduler: block %d: process is %s", id, p.State)
	}
	p.State = Blocked
	return nil
}

func (s *Scheduler) Unblock(id ProcessID) error {
	p := s.lookup(id)
	if p == nil {
		return fmt.Errorf("scheduler: unblock %d: %w", id, ErrNoProcess)
	}
	if p.State != Blocked {
		return fmt.Errorf("scheduler: unblock %d: process is %s", id, p.State)
	}
	p.State = Ready
	return nil
}

// Schedule picks the process to run after current by scanning the live
// processes in spawn order, at most once around. switched is false when
// current is the only runnable candidate or nothing is runnable.
func (s *Scheduler) Schedule(current ProcessID) (next ProcessID, switched bool) {
	procs := s.Processes()
	n := len(procs)
	if n == 0 {
		return current, false
	}

	// pos is the index of current, or of the last process spawned before it.
	pos, found := slices.BinarySearchFunc(procs, current, func(p Process, id ProcessID) int {
		return cmp.Compare(p.ID, id)
	})
	if !found {
		pos--
	}

	for i := 1; i <= n; i++ {
		p := procs[((pos+i)%n+n)%n]
		if !p.runnable() {
			continue
		}
		if p.ID == current {
			return current, false
		}
		return p.ID, true
	}
	return current, false
}

// Close terminates every remaining process.
func (s *Scheduler) Close() error {
	for _, p := range s.arena {
		if p != nil {
			s.terminate(p)
		}
	}
	s.queue = nil
	return nil
}
