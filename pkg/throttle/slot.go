package throttle

import (
	"time"

	"github.com/google/uuid"
)

// Slot is the per-operation handle passed to the user callable. It holds
// only a non-owning back-reference to its Throttle and is valid for the
// duration of one execute/acquire scope; it does not outlive that scope and
// need not be heap-allocated on its own (§3, §9).
type Slot struct {
	// RequestID correlates log lines, audit rows, and published events for
	// one logical operation across retries.
	RequestID uuid.UUID

	attempt        int
	tokensReported float64
	throttle       *Throttle

	acquiredAt time.Time
	finished   bool
}

// Attempt returns the zero-indexed attempt number for the current call to
// the user callable.
func (s *Slot) Attempt() int {
	return s.attempt
}

// ReportTokens records n units of the rationed resource as consumed by this
// operation. Safe to call at most meaningfully once per slot; later calls
// add to the running total, committed to the token bucket on success.
func (s *Slot) ReportTokens(n float64) {
	if n <= 0 {
		return
	}
	s.tokensReported += n
}

func newSlot(t *Throttle) *Slot {
	return &Slot{RequestID: uuid.New(), throttle: t}
}
