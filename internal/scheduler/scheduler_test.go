package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
	"unsafe"

	"github.com/tinyrange/aether/internal/hv"
	"github.com/tinyrange/aether/internal/hv/hvtest"
)

type trace struct {
	ids   []ProcessID
	exits []hv.ExitReason
}

func (tr *trace) observe(id ProcessID, exit hv.ExitReason) {
	tr.ids = append(tr.ids, id)
	tr.exits = append(tr.exits, exit)
}

func newTraced(opts ...Option) (*Scheduler, *trace) {
	tr := &trace{}
	return New(append([]Option{WithObserver(tr.observe)}, opts...)...), tr
}

func TestRoundRobinFairness(t *testing.T) {
	s, tr := newTraced()
	backends := []*hvtest.Backend{hvtest.New(), hvtest.New(), hvtest.New()}
	for _, b := range backends {
		s.Spawn(b)
	}

	for i := 0; i < 30; i++ {
		if !s.Tick() {
			t.Fatalf("tick %d stepped nothing", i)
		}
	}

	for i, id := range tr.ids {
		if want := ProcessID(i%3 + 1); id != want {
			t.Fatalf("step %d ran %d, want %d", i, id, want)
		}
	}
	for i, b := range backends {
		if b.Steps() != 10 {
			t.Errorf("process %d stepped %d times, want 10", i+1, b.Steps())
		}
	}
}

func TestHaltTerminatesOnlyThatProcess(t *testing.T) {
	s, tr := newTraced()
	a, b, c := hvtest.New(), hvtest.New(hv.Yield(), hv.Halt()), hvtest.New()
	s.Spawn(a)
	id := s.Spawn(b)
	s.Spawn(c)

	for i := 0; i < 9; i++ {
		s.Tick()
	}

	want := []ProcessID{1, 2, 3, 1, 2, 3, 1, 3, 1}
	for i := range want {
		if tr.ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", tr.ids, want)
		}
	}
	if !b.Closed() {
		t.Fatalf("halted backend not closed")
	}
	if a.Closed() || c.Closed() {
		t.Fatalf("running backends closed")
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	for _, p := range s.Processes() {
		if p.ID == id {
			t.Fatalf("terminated process still listed")
		}
	}
	if err := s.Block(id); !errors.Is(err, ErrNoProcess) {
		t.Fatalf("Block(terminated) = %v, want ErrNoProcess", err)
	}
}

func TestNonHaltExitsRequeue(t *testing.T) {
	s, tr := newTraced()
	s.Spawn(hvtest.New(hv.Io(0x3f8), hv.Mmio(0x09000000), hv.Unknown()))

	for i := 0; i < 4; i++ {
		s.Tick()
	}
	if len(tr.ids) != 4 {
		t.Fatalf("stepped %d times, want 4", len(tr.ids))
	}
	procs := s.Processes()
	if len(procs) != 1 || procs[0].State != Ready || procs[0].Steps != 4 {
		t.Fatalf("process = %+v", procs)
	}
	if procs[0].LastExit != hv.Yield() {
		t.Fatalf("LastExit = %s", procs[0].LastExit)
	}
}

func TestBlockedProcessIsSkipped(t *testing.T) {
	s, tr := newTraced()
	s.Spawn(hvtest.New())
	blocked := hvtest.New()
	id := s.Spawn(blocked)
	s.Spawn(hvtest.New())

	if err := s.Block(id); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if err := s.Block(id); err == nil {
		t.Fatalf("blocking twice succeeded")
	}

	for i := 0; i < 6; i++ {
		s.Tick()
	}
	if blocked.Steps() != 0 {
		t.Fatalf("blocked process stepped %d times", blocked.Steps())
	}
	for _, got := range tr.ids {
		if got == id {
			t.Fatalf("blocked process observed: %v", tr.ids)
		}
	}

	if err := s.Unblock(id); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	for i := 0; i < 3; i++ {
		s.Tick()
	}
	if blocked.Steps() == 0 {
		t.Fatalf("unblocked process never stepped")
	}
	if err := s.Unblock(id); err == nil {
		t.Fatalf("unblocking a ready process succeeded")
	}
}

func TestSchedule(t *testing.T) {
	s := New()
	one := s.Spawn(hvtest.New())
	two := s.Spawn(hvtest.New())
	three := s.Spawn(hvtest.New())

	tests := []struct {
		name     string
		current  ProcessID
		next     ProcessID
		switched bool
	}{
		{"forward", one, two, true},
		{"wraps", three, one, true},
		{"unknown current", 99, one, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, switched := s.Schedule(tt.current)
			if next != tt.next || switched != tt.switched {
				t.Fatalf("Schedule(%d) = %d, %v; want %d, %v", tt.current, next, switched, tt.next, tt.switched)
			}
		})
	}

	if err := s.Block(two); err != nil {
		t.Fatal(err)
	}
	if next, _ := s.Schedule(one); next != three {
		t.Fatalf("Schedule skipped to %d, want %d", next, three)
	}
	if err := s.Block(three); err != nil {
		t.Fatal(err)
	}
	if next, switched := s.Schedule(one); next != one || switched {
		t.Fatalf("only runnable process: got %d, %v", next, switched)
	}
	if err := s.Block(one); err != nil {
		t.Fatal(err)
	}
	if next, switched := s.Schedule(one); next != one || switched {
		t.Fatalf("nothing runnable: got %d, %v", next, switched)
	}
}

func TestScheduleSingleProcess(t *testing.T) {
	s := New()
	id := s.Spawn(hvtest.New())
	if next, switched := s.Schedule(id); next != id || switched {
		t.Fatalf("Schedule = %d, %v; want %d, false", next, switched, id)
	}
}

func TestIDsAreNeverReused(t *testing.T) {
	s := New()
	first := s.Spawn(hvtest.New(hv.Halt()))
	s.Tick()
	if s.Len() != 0 {
		t.Fatalf("Len = %d after halt", s.Len())
	}
	second := s.Spawn(hvtest.New())
	if second == first || second != 2 {
		t.Fatalf("ids %d then %d", first, second)
	}
}

func TestEmptyTick(t *testing.T) {
	s := New()
	if s.Tick() {
		t.Fatalf("empty scheduler stepped something")
	}
}

func TestRunExitsWhenEmpty(t *testing.T) {
	s := New(WithExitWhenEmpty())
	a := hvtest.New(hv.Yield(), hv.Yield(), hv.Halt())
	b := hvtest.New(hv.Halt())
	s.Spawn(a)
	s.Spawn(b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !a.Closed() || !b.Closed() {
		t.Fatalf("backends not closed")
	}
	if a.Steps() != 3 || b.Steps() != 1 {
		t.Fatalf("steps = %d, %d", a.Steps(), b.Steps())
	}
}

func TestRunIdlesUntilCancelled(t *testing.T) {
	s := New(WithIdle(time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want deadline exceeded", err)
	}
}

func TestRunWithOnlyBlockedProcesses(t *testing.T) {
	s := New(WithIdle(time.Millisecond))
	b := hvtest.New()
	id := s.Spawn(b)
	if err := s.Block(id); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v", err)
	}
	if b.Steps() != 0 {
		t.Fatalf("blocked backend stepped")
	}
}

func TestStackTopAligned(t *testing.T) {
	for _, size := range []int{DefaultStackSize, 4096 + 7, 33} {
		s := New(WithStackSize(size))
		s.Spawn(hvtest.New())
		p := s.Processes()[0]

		if len(p.Stack()) != size {
			t.Fatalf("stack size %d, want %d", len(p.Stack()), size)
		}
		top := uintptr(unsafe.Pointer(&p.Stack()[0])) + uintptr(p.StackTop())
		if top%16 != 0 {
			t.Fatalf("size %d: stack top 0x%x not 16-byte aligned", size, top)
		}
		if p.StackTop() > size || size-p.StackTop() >= 16 {
			t.Fatalf("size %d: StackTop %d", size, p.StackTop())
		}
	}
}

func TestCloseTerminatesAll(t *testing.T) {
	s := New()
	a, b := hvtest.New(), hvtest.New()
	s.Spawn(a)
	s.Spawn(b)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !a.Closed() || !b.Closed() || s.Len() != 0 {
		t.Fatalf("Close left processes behind")
	}
	if s.Tick() {
		t.Fatalf("closed scheduler stepped")
	}
}

func TestTerminatedProcessRefusesViews(t *testing.T) {
	s, _ := newTraced()
	b := hvtest.New(hv.Halt())
	s.Spawn(b)
	s.Tick()

	if !b.Memory().Retired() {
		t.Fatalf("memory of halted process still live")
	}
	if b.ViewFramebuffer(4, 4, func([]uint32) { t.Fatalf("view ran on retired memory") }) {
		t.Fatalf("ViewFramebuffer after halt = true")
	}
	if b.InjectKey('x') {
		t.Fatalf("InjectKey after halt = true")
	}
}
