// Package clock generates the monotonically increasing identifiers the
// engine relies on for revision versions and for primary keys handed
// out by create(). Both draw from the same generator so a PrimaryKey
// and a revision version are never ambiguous about ordering relative
// to each other.
package clock

import (
	"sync"
	"time"
)

// Sequence hands out strictly increasing, globally unique (within one
// process) 64-bit identifiers derived from wall-clock microseconds,
// with a tie-breaking counter for calls inside the same microsecond.
// This is Invariant 2 (Monotonic version) from the data model, and the
// resolution of the "create() PrimaryKey" open question: PrimaryKey
// generation is delegated to the same generator as revision versions.
type Sequence struct {
	mu   sync.Mutex
	last uint64
}

// New creates a ready-to-use Sequence.
func New() *Sequence {
	return &Sequence{}
}

// Next returns the next identifier, strictly greater than every value
// previously returned by this Sequence.
func (s *Sequence) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := uint64(time.Now().UnixMicro())
	if now <= s.last {
		now = s.last + 1
	}
	s.last = now
	return now
}
