package timeslice

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var (
	kindStep = RegisterKind("test_step", 0)
	kindRun  = RegisterKind("test_run", SliceFlagGuestTime)
)

func capture(t testing.TB, fn func()) []byte {
	t.Helper()
	var buf bytes.Buffer
	rec, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fn()
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	data := capture(t, func() {
		Record(kindStep, 100*time.Microsecond)
		Record(kindRun, 2*time.Millisecond)
	})

	type seen struct {
		name     string
		flags    SliceFlags
		duration time.Duration
	}
	var got []seen
	if err := ReadAllRecords(bytes.NewReader(data), func(name string, flags SliceFlags, d time.Duration) error {
		got = append(got, seen{name, flags, d})
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}

	want := []seen{
		{"test_step", 0, 100 * time.Microsecond},
		{"test_run", SliceFlagGuestTime, 2 * time.Millisecond},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRecordWithoutRecordingIsNoop(t *testing.T) {
	if Active() {
		t.Fatalf("recording left open by another test")
	}
	Record(kindStep, time.Second)
}

func TestStartRecordingTwice(t *testing.T) {
	rec, err := StartRecording(&bytes.Buffer{})
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if !Active() {
		t.Fatalf("Active() = false while open")
	}
	if _, err := StartRecording(&bytes.Buffer{}); err == nil {
		t.Fatalf("expected second StartRecording to fail")
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rec.Close(); err == nil {
		t.Fatalf("expected second Close to fail")
	}
}

func TestSummarize(t *testing.T) {
	data := capture(t, func() {
		Record(kindRun, 30*time.Millisecond)
		Record(kindStep, 10*time.Millisecond)
		Record(kindStep, 20*time.Millisecond)
	})

	summaries, err := Summarize(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(summaries) != 2 || summaries[0].ID != "test_run" || summaries[1].ID != "test_step" {
		t.Fatalf("summaries not in order of first appearance: %v", summaries)
	}

	step := summaries[1]
	if step.Count != 2 || step.Min != 10*time.Millisecond || step.Max != 20*time.Millisecond {
		t.Fatalf("step = %+v", step)
	}
	if step.Avg() != 15*time.Millisecond {
		t.Fatalf("avg = %s", step.Avg())
	}
}

func TestReadAllRecordsRejects(t *testing.T) {
	valid := capture(t, func() { Record(kindStep, time.Millisecond) })

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", make([]byte, 64)},
		{"short header", valid[:6]},
		{"truncated record", valid[:len(valid)-3]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ReadAllRecords(bytes.NewReader(tt.data), func(string, SliceFlags, time.Duration) error { return nil })
			if err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSliceFlagsString(t *testing.T) {
	if got := (SliceFlagGuestTime | SliceFlagInitTime).String(); got != "guest,init" {
		t.Fatalf("String = %q", got)
	}
	if got := SliceFlags(0).String(); got != "" {
		t.Fatalf("String = %q", got)
	}
}

func BenchmarkRecordToFile(b *testing.B) {
	f, err := os.Create(filepath.Join(b.TempDir(), "steps.timeslice"))
	if err != nil {
		b.Fatal(err)
	}
	defer f.Close()

	rec, err := StartRecording(f)
	if err != nil {
		b.Fatal(err)
	}
	var n uint64
	for b.Loop() {
		Record(kindStep, time.Microsecond)
		n++
	}
	if err := rec.Close(); err != nil {
		b.Fatal(err)
	}
	b.ReportMetric(float64(rec.Dropped())/float64(n), "dropped/op")
}
