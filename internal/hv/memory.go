package hv

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unsafe"
)

// GuestMemory is the flat guest physical RAM starting at address 0. The
// backing slice is allocated by the backend (mmap, VirtualAlloc or make)
// and outlives the GuestMemory.
//
// Pixels are read without synchronization against the guest. The keyboard
// mailbox words are only ever touched with atomic loads and stores.
//
// Host goroutines other than the vCPU reach the memory only through
// ViewFramebuffer and InjectKey. Both hold viewMu for reading, and Retire
// takes it for writing, so a backend that calls Retire before unmapping
// never frees pages a view is still reading.
type GuestMemory struct {
	buf []byte

	viewMu  sync.RWMutex
	retired bool

	// serializes host-side injectors; the guest is the only consumer
	keyMu sync.Mutex
}

// NewGuestMemory wraps buf, which must be at least RAMSize bytes and a
// multiple of MemoryAlignment.
func NewGuestMemory(buf []byte) (*GuestMemory, error) {
	size := uint64(len(buf))
	if size < RAMSize {
		return nil, fmt.Errorf("hv: guest memory of 0x%x bytes smaller than 0x%x", size, RAMSize)
	}
	if size%MemoryAlignment != 0 {
		return nil, fmt.Errorf("hv: guest memory of 0x%x bytes not 0x%x aligned", size, MemoryAlignment)
	}
	return &GuestMemory{buf: buf}, nil
}

// AllocationSize rounds size up to the memory alignment.
func AllocationSize(size uint64) uint64 {
	return alignUp(size, MemoryAlignment)
}

func (m *GuestMemory) Size() uint64  { return uint64(len(m.buf)) }
func (m *GuestMemory) Bytes() []byte { return m.buf }

// Contains reports whether [addr, addr+length) lies inside guest RAM.
func (m *GuestMemory) Contains(addr, length uint64) bool {
	end := addr + length
	return end >= addr && end <= m.Size()
}

// ReadAt implements io.ReaderAt.
func (m *GuestMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= m.Size() {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (m *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || !m.Contains(uint64(off), uint64(len(p))) {
		return 0, fmt.Errorf("hv: write of %d bytes at 0x%x outside guest memory", len(p), off)
	}
	return copy(m.buf[off:], p), nil
}

// LoadImage copies a flat guest image to CodeBase.
func (m *GuestMemory) LoadImage(image []byte) error {
	if uint64(len(image)) > CodeSize {
		return fmt.Errorf("hv: image of %d bytes (max %d): %w", len(image), CodeSize, ErrImageTooLarge)
	}
	copy(m.buf[CodeBase:], image)
	return nil
}

// LoadDisk copies a raw disk image to DiskAddr.
func (m *GuestMemory) LoadDisk(disk []byte) error {
	if uint64(len(disk)) > DiskSize {
		return fmt.Errorf("hv: disk of %d bytes (max %d): %w", len(disk), DiskSize, ErrDiskTooLarge)
	}
	copy(m.buf[DiskAddr:], disk)
	return nil
}

// ViewFramebuffer calls fn with width*height pixels at FramebufferAddr. The
// memory stays mapped until fn returns, and fn must not keep the slice. It
// reports false without calling fn when the memory has been retired or the
// request does not fit.
func (m *GuestMemory) ViewFramebuffer(width, height int, fn func(pixels []uint32)) bool {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()

	if m.retired {
		return false
	}
	fb := m.framebuffer(width, height)
	if fb == nil {
		return false
	}
	fn(fb)
	return true
}

// Retire waits for in-flight views and key injections to finish and makes
// every later one fail. Backends call it before releasing the backing
// pages. It is safe to call more than once.
func (m *GuestMemory) Retire() {
	m.viewMu.Lock()
	defer m.viewMu.Unlock()
	m.retired = true
}

// Retired reports whether Retire has been called.
func (m *GuestMemory) Retired() bool {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.retired
}

func (m *GuestMemory) framebuffer(width, height int) []uint32 {
	if width <= 0 || height <= 0 {
		return nil
	}
	n := uint64(width) * uint64(height)
	if !m.Contains(FramebufferAddr, n*4) {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&m.buf[FramebufferAddr])), n)
}

func (m *GuestMemory) word(addr uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&m.buf[addr]))
}

// InjectKey writes c into the keyboard mailbox if the status word is 0.
// The data word is published before the status word so the guest never
// observes status 1 with stale data. Keys are refused once the memory is
// retired.
func (m *GuestMemory) InjectKey(c rune) bool {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	if m.retired {
		return false
	}

	m.keyMu.Lock()
	defer m.keyMu.Unlock()

	status := m.word(KeyboardStatusAddr)
	if atomic.LoadUint32(status) != 0 {
		return false
	}
	atomic.StoreUint32(m.word(KeyboardDataAddr), uint32(c))
	atomic.StoreUint32(status, 1)
	return true
}

// KeyStatus returns the current mailbox status word.
func (m *GuestMemory) KeyStatus() uint32 {
	return atomic.LoadUint32(m.word(KeyboardStatusAddr))
}

// ConsumeKey performs the guest side of the mailbox protocol: it reads the
// pending key, if any, and clears the status word.
func (m *GuestMemory) ConsumeKey() (rune, bool) {
	status := m.word(KeyboardStatusAddr)
	if atomic.LoadUint32(status) == 0 {
		return 0, false
	}
	c := rune(atomic.LoadUint32(m.word(KeyboardDataAddr)))
	atomic.StoreUint32(status, 0)
	return c, true
}

var (
	_ io.ReaderAt = &GuestMemory{}
	_ io.WriterAt = &GuestMemory{}
)
