package hv

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestMemory(t testing.TB) *GuestMemory {
	t.Helper()

	mem, err := NewGuestMemory(make([]byte, RAMSize))
	if err != nil {
		t.Fatalf("NewGuestMemory: %v", err)
	}
	return mem
}

func TestNewGuestMemoryRejectsSizes(t *testing.T) {
	if _, err := NewGuestMemory(make([]byte, RAMSize/2)); err == nil {
		t.Fatalf("expected error for small memory")
	}
	if _, err := NewGuestMemory(make([]byte, RAMSize+0x1000)); err == nil {
		t.Fatalf("expected error for unaligned memory")
	}
}

func TestInjectKeySingleSlot(t *testing.T) {
	mem := newTestMemory(t)

	if !mem.InjectKey('a') {
		t.Fatalf("first key not delivered")
	}
	if mem.InjectKey('b') {
		t.Fatalf("second key overwrote an unconsumed slot")
	}
	if got := mem.KeyStatus(); got != 1 {
		t.Fatalf("status = %d, want 1", got)
	}

	c, ok := mem.ConsumeKey()
	if !ok || c != 'a' {
		t.Fatalf("ConsumeKey = %q, %v; want 'a', true", c, ok)
	}
	if _, ok := mem.ConsumeKey(); ok {
		t.Fatalf("mailbox not cleared after consume")
	}

	if !mem.InjectKey('c') {
		t.Fatalf("key after consume not delivered")
	}
	if c, _ := mem.ConsumeKey(); c != 'c' {
		t.Fatalf("ConsumeKey = %q, want 'c'", c)
	}
}

func TestInjectKeyConcurrent(t *testing.T) {
	mem := newTestMemory(t)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered []rune
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(c rune) {
			defer wg.Done()
			if mem.InjectKey(c) {
				mu.Lock()
				delivered = append(delivered, c)
				mu.Unlock()
			}
		}(rune('a' + i))
	}
	wg.Wait()

	if len(delivered) != 1 {
		t.Fatalf("delivered %d keys with no consumer, want 1", len(delivered))
	}
	if c, _ := mem.ConsumeKey(); c != delivered[0] {
		t.Fatalf("mailbox holds %q, delivered %q", c, delivered[0])
	}
}

func TestFramebufferView(t *testing.T) {
	mem := newTestMemory(t)

	// guest writes a pixel, the view sees it
	mem.Bytes()[FramebufferAddr+4] = 0xff
	var n int
	var pixel uint32
	ok := mem.ViewFramebuffer(FramebufferWidth, FramebufferHeight, func(fb []uint32) {
		n = len(fb)
		pixel = fb[1]
	})
	if !ok || n != FramebufferWidth*FramebufferHeight {
		t.Fatalf("view = %v, len %d", ok, n)
	}
	if pixel != 0xff {
		t.Fatalf("pixel 1 = 0x%x", pixel)
	}

	never := func([]uint32) { t.Errorf("callback ran for a bad request") }
	if mem.ViewFramebuffer(0, 10, never) {
		t.Fatalf("expected false for empty request")
	}
	if mem.ViewFramebuffer(4096, 4096, never) {
		t.Fatalf("expected false for oversized request")
	}
}

func TestRetireWaitsForViews(t *testing.T) {
	mem := newTestMemory(t)

	inView := make(chan struct{})
	release := make(chan struct{})
	go mem.ViewFramebuffer(FramebufferWidth, FramebufferHeight, func([]uint32) {
		close(inView)
		<-release
	})
	<-inView

	retired := make(chan struct{})
	go func() {
		mem.Retire()
		close(retired)
	}()

	select {
	case <-retired:
		t.Fatalf("Retire returned while a view was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-retired

	if mem.ViewFramebuffer(FramebufferWidth, FramebufferHeight, func([]uint32) {
		t.Errorf("view ran after Retire")
	}) {
		t.Fatalf("view succeeded after Retire")
	}
	if mem.InjectKey('a') {
		t.Fatalf("InjectKey succeeded after Retire")
	}
	if !mem.Retired() {
		t.Fatalf("Retired = false")
	}
	mem.Retire()
}

func TestLoadImage(t *testing.T) {
	mem := newTestMemory(t)

	image := []byte{0xf4, 0x90, 0x90}
	if err := mem.LoadImage(image); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if !bytes.Equal(mem.Bytes()[:3], image) {
		t.Fatalf("image not at CodeBase")
	}

	err := mem.LoadImage(make([]byte, CodeSize+1))
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("err = %v, want ErrImageTooLarge", err)
	}
}

func TestLoadDisk(t *testing.T) {
	mem := newTestMemory(t)

	if err := mem.LoadDisk([]byte("EXT2")); err != nil {
		t.Fatalf("LoadDisk: %v", err)
	}
	if string(mem.Bytes()[DiskAddr:DiskAddr+4]) != "EXT2" {
		t.Fatalf("disk not at DiskAddr")
	}
	if err := mem.LoadDisk(make([]byte, DiskSize+1)); !errors.Is(err, ErrDiskTooLarge) {
		t.Fatalf("err = %v, want ErrDiskTooLarge", err)
	}
}

func TestReadWriteAt(t *testing.T) {
	mem := newTestMemory(t)

	if _, err := mem.WriteAt([]byte("hi"), 0x1000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := mem.ReadAt(buf, 0x1000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "hi" {
		t.Fatalf("read %q", buf)
	}
	if _, err := mem.WriteAt([]byte("hi"), int64(RAMSize)-1); err == nil {
		t.Fatalf("expected out of range write to fail")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Image: make([]byte, CodeSize+1)}.WithDefaults()
	if err := cfg.Validate(); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("err = %v, want ErrImageTooLarge", err)
	}

	cfg = Config{MemorySize: 4 << 20}.WithDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected small memory to be rejected")
	}

	cfg = Config{Image: []byte{0xf4}}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.PrintLimit != DefaultPrintLimit {
		t.Fatalf("PrintLimit = %d", cfg.PrintLimit)
	}
}
