// Package timeslice records how long the host spends in each phase of
// running a guest (VM creation, guest execution, scheduler steps) into a
// compact binary stream that `aether stats` summarizes.
//
// A recording is a fixed header, a YAML table naming every registered kind,
// then 12 byte records of (kind uint32, nanoseconds int64), little endian.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	Magic   uint32 = 0x53544541 // "AETS"
	Version uint32 = 1

	recordSize = 12
	// queueDepth bounds how far the writer may fall behind before records
	// are dropped.
	queueDepth = 8192
)

type header struct {
	Magic    uint32
	Version  uint32
	TableLen uint32
}

type TimesliceID uint32

type SliceFlags uint32

const (
	// SliceFlagGuestTime marks time spent executing guest code.
	SliceFlagGuestTime SliceFlags = 1 << iota
	// SliceFlagInitTime marks one-off VM or vCPU construction.
	SliceFlagInitTime
)

func (f SliceFlags) String() string {
	var flags []string
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagInitTime != 0 {
		flags = append(flags, "init")
	}
	return strings.Join(flags, ",")
}

type kind struct {
	ID    TimesliceID `yaml:"id"`
	Name  string      `yaml:"name"`
	Flags SliceFlags  `yaml:"flags,omitempty"`
}

var (
	kindsMu sync.Mutex
	kinds   []kind
)

// RegisterKind allocates an id for name. It is normally called from
// package-level var initializers.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := TimesliceID(len(kinds) + 1)
	kinds = append(kinds, kind{ID: id, Name: name, Flags: flags})
	return id
}

type record struct {
	id       TimesliceID
	duration time.Duration
}

// Recording streams records to an io.Writer on its own goroutine.
type Recording struct {
	queue   chan record
	done    chan error
	dropped atomic.Uint64
}

var current atomic.Pointer[Recording]

// StartRecording writes the kind table to w and streams every later Record
// call into it until the recording is closed. Only one recording may be open
// at a time.
func StartRecording(w io.Writer) (*Recording, error) {
	if Active() {
		return nil, fmt.Errorf("timeslice: already open")
	}

	kindsMu.Lock()
	table, err := yaml.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: encode kinds: %w", err)
	}

	bw := bufio.NewWriterSize(w, 64<<10)
	if err := binary.Write(bw, binary.LittleEndian, header{
		Magic:    Magic,
		Version:  Version,
		TableLen: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := bw.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	rec := &Recording{
		queue: make(chan record, queueDepth),
		done:  make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, rec) {
		return nil, fmt.Errorf("timeslice: already open")
	}
	go rec.run(bw)
	return rec, nil
}

func (r *Recording) run(bw *bufio.Writer) {
	var buf [recordSize]byte
	var err error
	for rec := range r.queue {
		if err != nil {
			continue
		}
		binary.LittleEndian.PutUint32(buf[0:4], uint32(rec.id))
		binary.LittleEndian.PutUint64(buf[4:12], uint64(rec.duration))
		_, err = bw.Write(buf[:])
	}
	if err == nil {
		err = bw.Flush()
	}
	r.done <- err
}

// Dropped reports how many records were discarded because the writer fell
// behind.
func (r *Recording) Dropped() uint64 { return r.dropped.Load() }

// Close flushes every queued record.
func (r *Recording) Close() error {
	if !current.CompareAndSwap(r, nil) {
		return fmt.Errorf("timeslice: already closed")
	}
	close(r.queue)
	if err := <-r.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

// Record adds one sample when a recording is open. It never blocks the
// caller.
func Record(id TimesliceID, duration time.Duration) {
	r := current.Load()
	if r == nil {
		return
	}
	defer func() {
		// Close raced with us and the queue is gone.
		if recover() != nil {
			r.dropped.Add(1)
		}
	}()
	select {
	case r.queue <- record{id: id, duration: duration}:
	default:
		r.dropped.Add(1)
	}
}

// Active reports whether a recording is in progress.
func Active() bool { return current.Load() != nil }

// ReadAllRecords decodes a recording, calling fn for each record in order.
func ReadAllRecords(r io.Reader, fn func(id string, flags SliceFlags, duration time.Duration) error) error {
	br := bufio.NewReader(r)

	var hdr header
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	table := make([]byte, hdr.TableLen)
	if _, err := io.ReadFull(br, table); err != nil {
		return fmt.Errorf("timeslice: read kinds: %w", err)
	}
	var decoded []kind
	if err := yaml.Unmarshal(table, &decoded); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	byID := make(map[TimesliceID]kind, len(decoded))
	for _, k := range decoded {
		byID[k.ID] = k
	}

	var buf [recordSize]byte
	for {
		if _, err := io.ReadFull(br, buf[:]); errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("timeslice: truncated record: %w", err)
		}
		id := TimesliceID(binary.LittleEndian.Uint32(buf[0:4]))
		k, ok := byID[id]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", id)
		}
		if err := fn(k.Name, k.Flags, time.Duration(binary.LittleEndian.Uint64(buf[4:12]))); err != nil {
			return err
		}
	}
}
