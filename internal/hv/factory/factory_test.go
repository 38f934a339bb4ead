package factory

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/aether/internal/hv"
)

func TestOversizedImageRejectedEverywhere(t *testing.T) {
	_, err := Open(hv.Config{Image: make([]byte, hv.CodeSize+1)})
	if !errors.Is(err, hv.ErrImageTooLarge) {
		t.Fatalf("err = %v, want ErrImageTooLarge", err)
	}
}

func TestProbeAndOpenAgree(t *testing.T) {
	if err := Probe(); err != nil {
		t.Skipf("no hypervisor: %v", err)
	}

	b, err := Open(hv.Config{Image: []byte{0}})
	if err != nil {
		t.Fatalf("Open after successful Probe: %v", err)
	}
	defer b.Close()

	if b.Arch() != hv.HostArchitecture() {
		t.Fatalf("Arch = %s, want %s", b.Arch(), hv.HostArchitecture())
	}
}

func TestPlatform(t *testing.T) {
	if !strings.Contains(Platform(), Name()) {
		t.Fatalf("Platform() = %q does not name backend %q", Platform(), Name())
	}
}
