package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/aether/internal/config"
	"github.com/tinyrange/aether/internal/timeslice"
)

func TestLoadGuests(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "hello.bin")
	diskPath := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(image, []byte{0xf4}, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(diskPath, []byte("EXT2"), 0o644); err != nil {
		t.Fatal(err)
	}

	guests, err := loadGuests([]config.Guest{
		{Image: image},
		{Name: "named", Image: image, Disk: filepath.Join(dir, "missing.img")},
	}, diskPath)
	if err != nil {
		t.Fatalf("loadGuests: %v", err)
	}
	if guests[0].name != "hello" || string(guests[0].disk) != "EXT2" {
		t.Fatalf("guest 0 = %q with disk %q", guests[0].name, guests[0].disk)
	}
	if guests[1].name != "named" || guests[1].disk != nil {
		t.Fatalf("guest 1 = %q with disk %q", guests[1].name, guests[1].disk)
	}

	if _, err := loadGuests([]config.Guest{{Image: filepath.Join(dir, "nope.bin")}}, ""); err == nil {
		t.Fatalf("expected error for missing image")
	}
}

func TestRunSessionNeedsGuests(t *testing.T) {
	if err := runSession(t.Context(), nil, sessionOptions{}); err == nil {
		t.Fatalf("expected error with no guests")
	}
}

func TestMemmapCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	rootCmd.SetArgs([]string{"memmap"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("memmap: %v", err)
	}
}

func TestStatsCommand(t *testing.T) {
	kind := timeslice.RegisterKind("cmd_test_kind", 0)

	path := filepath.Join(t.TempDir(), "run.timeslice")
	var buf bytes.Buffer
	closer, err := timeslice.StartRecording(&buf)
	if err != nil {
		t.Fatal(err)
	}
	timeslice.Record(kind, 1)
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Chdir(t.TempDir())
	rootCmd.SetArgs([]string{"stats", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("stats: %v", err)
	}
	rootCmd.SetArgs([]string{"stats", filepath.Join(t.TempDir(), "missing")})
	if err := rootCmd.Execute(); err == nil {
		t.Fatalf("expected error for missing recording")
	}
}
