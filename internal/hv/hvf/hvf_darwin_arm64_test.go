//go:build darwin && arm64

package hvf

import (
	"bytes"
	"testing"

	"github.com/tinyrange/aether/internal/guest"
	"github.com/tinyrange/aether/internal/hv"
)

func checkHVFAvailable(t testing.TB) {
	t.Helper()

	if err := Probe(); err != nil {
		t.Skipf("Hypervisor.framework not available: %v", err)
	}
}

func newBackend(t *testing.T, image []byte, out *bytes.Buffer) *Backend {
	t.Helper()
	checkHVFAvailable(t)

	b, err := New(hv.Config{Image: image, Output: out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return b
}

func TestHelloGuest(t *testing.T) {
	for _, trap := range []guest.Trap{guest.TrapHVC, guest.TrapDoorbell} {
		image, err := guest.Hello(hv.ArchitectureARM64, trap, "hello")
		if err != nil {
			t.Fatalf("assemble: %v", err)
		}
		var out bytes.Buffer
		b := newBackend(t, image, &out)

		if exit := b.Step(); exit.Kind != hv.ExitYield {
			t.Fatalf("first step = %s, want yield", exit)
		}
		if out.String() != "hello" {
			t.Fatalf("output = %q", out.String())
		}
		if exit := b.Step(); exit.Kind != hv.ExitHalt {
			t.Fatalf("second step = %s, want halt", exit)
		}
	}
}

// Two guests share the process VM and alternate steps.
func TestInterleavedGuests(t *testing.T) {
	var outA, outB bytes.Buffer
	imageA, _ := guest.Hello(hv.ArchitectureARM64, guest.TrapHVC, "A")
	imageB, _ := guest.Hello(hv.ArchitectureARM64, guest.TrapHVC, "B")
	a := newBackend(t, imageA, &outA)
	b := newBackend(t, imageB, &outB)

	for _, be := range []*Backend{a, b, a, b} {
		be.Step()
	}
	if outA.String() != "A" || outB.String() != "B" {
		t.Fatalf("outputs = %q, %q", outA.String(), outB.String())
	}
}
