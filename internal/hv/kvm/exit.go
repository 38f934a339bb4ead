//go:build linux

package kvm

import (
	"fmt"
	"unsafe"
)

type exitReason uint32

const (
	exitUnknown       exitReason = 0
	exitException     exitReason = 1
	exitIO            exitReason = 2
	exitHypercall     exitReason = 3
	exitDebug         exitReason = 4
	exitHLT           exitReason = 5
	exitMMIO          exitReason = 6
	exitShutdown      exitReason = 8
	exitFailEntry     exitReason = 9
	exitIntr          exitReason = 10
	exitInternalError exitReason = 17
	exitSystemEvent   exitReason = 24
	exitARMNISV       exitReason = 28
)

var exitNames = map[exitReason]string{
	exitUnknown:       "UNKNOWN",
	exitException:     "EXCEPTION",
	exitIO:            "IO",
	exitHypercall:     "HYPERCALL",
	exitDebug:         "DEBUG",
	exitHLT:           "HLT",
	exitMMIO:          "MMIO",
	exitShutdown:      "SHUTDOWN",
	exitFailEntry:     "FAIL_ENTRY",
	exitIntr:          "INTR",
	exitInternalError: "INTERNAL_ERROR",
	exitSystemEvent:   "SYSTEM_EVENT",
	exitARMNISV:       "ARM_NISV",
}

func (r exitReason) String() string {
	if name, ok := exitNames[r]; ok {
		return "KVM_EXIT_" + name
	}
	return fmt.Sprintf("KVM_EXIT_%d", uint32(r))
}

type internalSuberror uint32

func (s internalSuberror) String() string {
	switch s {
	case 1:
		return "emulation"
	case 2:
		return "simultaneous exception"
	case 3:
		return "delivery event"
	case 4:
		return "unexpected exit reason"
	}
	return fmt.Sprintf("suberror %d", uint32(s))
}

// runData is the head of the kvm_run page shared with the kernel. The exit
// union is read through the typed views below.
type runData struct {
	requestInterruptWindow uint8
	immediateExit          uint8
	_                      [6]uint8
	reason                 exitReason
	readyForInjection      uint8
	ifFlag                 uint8
	flags                  uint16
	cr8                    uint64
	apicBase               uint64
	exit                   [256]byte
}

const (
	ioIn  = 0
	ioOut = 1
)

type ioExit struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}

type mmioExit struct {
	physAddr uint64
	data     [8]byte
	len      uint32
	isWrite  uint8
}

type hypercallExit struct {
	nr       uint64
	args     [6]uint64
	ret      uint64
	longmode uint32
	_        uint32
}

type failEntryExit struct {
	reason uint64
	cpu    uint32
}

type internalErrorExit struct {
	suberror internalSuberror
	ndata    uint32
	data     [16]uint64
}

type systemEventExit struct {
	typ   uint32
	ndata uint32
	data  [16]uint64
}

func exitAs[T any](r *runData) *T {
	return (*T)(unsafe.Pointer(&r.exit[0]))
}
