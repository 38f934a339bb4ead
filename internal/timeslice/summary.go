package timeslice

import (
	"fmt"
	"io"
	"time"
)

// Summary aggregates every record of one kind.
type Summary struct {
	ID    string
	Flags SliceFlags
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s *Summary) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

func (s *Summary) String() string {
	return fmt.Sprintf("% 24s flags=% 10s count=% 8d sum=% 14s min=% 12s max=% 12s avg=% 12s",
		s.ID, s.Flags, s.Count, s.Sum, s.Min, s.Max, s.Avg())
}

func (s *Summary) add(duration time.Duration) {
	s.Count++
	s.Sum += duration
	if s.Count == 1 || duration < s.Min {
		s.Min = duration
	}
	if duration > s.Max {
		s.Max = duration
	}
}

// Summarize reads a recording and returns one Summary per kind in order of
// first appearance.
func Summarize(r io.Reader) ([]*Summary, error) {
	byID := map[string]*Summary{}
	var order []*Summary

	if err := ReadAllRecords(r, func(id string, flags SliceFlags, duration time.Duration) error {
		s, ok := byID[id]
		if !ok {
			s = &Summary{ID: id, Flags: flags}
			byID[id] = s
			order = append(order, s)
		}
		s.add(duration)
		return nil
	}); err != nil {
		return nil, err
	}
	return order, nil
}
