//go:build windows

package bindings

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/windows"
)

// RAM is committed guest memory. Release it with Free; a RAM that becomes
// unreachable first is released by a cleanup.
type RAM struct {
	base    unsafe.Pointer
	size    uintptr
	cleanup runtime.Cleanup
}

// AllocRAM commits size bytes of zeroed read/write pages.
func AllocRAM(size uintptr) (*RAM, error) {
	addr, err := windows.VirtualAlloc(0, size, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	// The pages live outside the Go heap, so the address stays valid as a
	// pointer until VirtualFree. Reinterpreting the word keeps the only
	// uintptr-to-pointer step here.
	r := &RAM{base: *(*unsafe.Pointer)(unsafe.Pointer(&addr)), size: size}
	r.cleanup = runtime.AddCleanup(r, func(addr uintptr) {
		_ = windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
	}, addr)
	return r, nil
}

func (r *RAM) Base() unsafe.Pointer { return r.base }

func (r *RAM) Bytes() []byte {
	return unsafe.Slice((*byte)(r.Base()), int(r.size))
}

func (r *RAM) Free() error {
	r.cleanup.Stop()
	return windows.VirtualFree(uintptr(r.base), 0, windows.MEM_RELEASE)
}
