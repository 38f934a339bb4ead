package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/aether/internal/hv"
)

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
version: v1.2.0
log_level: debug
print_limit: 64
idle: 5ms
guests:
  - name: hello
    image: hello.bin
    disk: disk.img
  - image: spin.bin
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.PrintLimit != 64 || cfg.Idle != 5*time.Millisecond {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.StackSize != Default().StackSize {
		t.Fatalf("stack_size default lost: %d", cfg.StackSize)
	}
	if len(cfg.Guests) != 2 || cfg.Guests[0].Disk != "disk.img" || cfg.Guests[1].Name != "" {
		t.Fatalf("guests = %+v", cfg.Guests)
	}
	if level, _ := ParseLevel(cfg.LogLevel); level != slog.LevelDebug {
		t.Fatalf("level = %v", level)
	}
}

func TestParseEmptyIsDefault(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Version != Version || cfg.PrintLimit != hv.DefaultPrintLimit {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"major version", "version: v2.0.0", "unsupported config version"},
		{"not semver", "version: 1.0", "not a semantic version"},
		{"log level", "log_level: loud", "invalid log_level"},
		{"negative limit", "print_limit: -1", "print_limit"},
		{"missing image", "guests:\n  - name: a", "image is required"},
		{"duplicate name", "guests:\n  - {name: a, image: x}\n  - {name: a, image: y}", "duplicate name"},
		{"unknown field", "memory: 8", "parse"},
		{"bad duration", "idle: soon", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFilename)
	if err := os.WriteFile(path, []byte("print_limit: 10\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PrintLimit != 10 {
		t.Fatalf("PrintLimit = %d", cfg.PrintLimit)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
