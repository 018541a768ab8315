package frame

import (
	"sync/atomic"
	"time"
)

// Sequencer hands out run-wide sequence numbers. It is safe for concurrent use.
// The zero value is ready to use; the first stamped frame gets Seq 1.
type Sequencer struct {
	next atomic.Uint64
	now  func() time.Time
}

// NewSequencer returns a Sequencer that reads time from now. A nil now uses
// time.Now.
func NewSequencer(now func() time.Time) *Sequencer {
	return &Sequencer{now: now}
}

// Stamp assigns Seq and Timestamp to f if it has not been emitted before.
// Frames that already carry a sequence number are returned unchanged so that
// pass-through frames keep their original ordering key.
func (s *Sequencer) Stamp(f Frame) Frame {
	if f.Seq != 0 {
		return f
	}
	f.Seq = s.next.Add(1)
	if f.Timestamp.IsZero() {
		if s.now != nil {
			f.Timestamp = s.now()
		} else {
			f.Timestamp = time.Now()
		}
	}
	return f
}

// Last returns the most recently assigned sequence number.
func (s *Sequencer) Last() uint64 { return s.next.Load() }
