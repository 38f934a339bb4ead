package hvf

import "testing"

func dataAbort(sas, srt uint64, write bool) syndrome {
	s := uint64(classDataAbortLow)<<26 | 1<<24 | sas<<22 | srt<<16
	if write {
		s |= 1 << 6
	}
	return syndrome(s)
}

func TestSyndromeAccess(t *testing.T) {
	tests := []struct {
		name string
		s    syndrome
		want access
	}{
		{"str x8", dataAbort(3, 8, true), access{size: 8, write: true, reg: 8}},
		{"ldr w0", dataAbort(2, 0, false), access{size: 4, write: false, reg: 0}},
		{"ldrh w3", dataAbort(1, 3, false), access{size: 2, write: false, reg: 3}},
		{"strb wzr", dataAbort(0, 31, true), access{size: 1, write: true, reg: zeroRegister}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.s.access()
			if err != nil {
				t.Fatalf("access: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSyndromeAccessRejects(t *testing.T) {
	noISV := dataAbort(3, 8, true) &^ (1 << 24)
	if _, err := noISV.access(); err == nil {
		t.Fatalf("expected error without ISV")
	}

	hvc := syndrome(uint64(classHVC64) << 26)
	if _, err := hvc.access(); err == nil {
		t.Fatalf("expected error for non data abort syndrome")
	}
}

func TestSyndromeClass(t *testing.T) {
	tests := []struct {
		s    syndrome
		want class
	}{
		{0x5a000000, classHVC64},
		{0x04000001, classWFx},
		{0x96000045, classDataAbortSame},
		{dataAbort(3, 1, false), classDataAbortLow},
	}
	for _, tt := range tests {
		if got := tt.s.class(); got != tt.want {
			t.Errorf("class(0x%x) = %s, want %s", uint64(tt.s), got, tt.want)
		}
	}
	if got := class(0x3f).String(); got != "class 0x3f" {
		t.Errorf("String = %q", got)
	}
}
