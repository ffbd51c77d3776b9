package chatlog

import (
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

// StampSource hands out client timestamps for new local messages.
type StampSource interface {
	Next() string
}

// Stamper produces client timestamps with millisecond resolution. Stamps
// from one Stamper strictly increase, so a burst of sends within the same
// millisecond, or a wall clock stepping back, never reuses a timestamp.
type Stamper struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewStamper returns a Stamper reading now. A nil now uses time.Now.
func NewStamper(now func() time.Time) *Stamper {
	if now == nil {
		now = time.Now
	}
	return &Stamper{now: now}
}

// Next returns the next timestamp in UTC, formatted with protocol.TimeLayout.
func (s *Stamper) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now().UTC().Truncate(time.Millisecond)
	if !s.last.IsZero() && !t.After(s.last) {
		t = s.last.Add(time.Millisecond)
	}
	s.last = t
	return t.Format(protocol.TimeLayout)
}
