package throttle

import (
	"sync"
	"time"
)

// windowEntry is one (timestamp, value) pair in a SlidingWindow's log.
type windowEntry struct {
	at    time.Time
	value float64
}

// SlidingWindow is a bounded (timestamp, value) log with lazy pruning: every
// read first drops leading entries at or before now-W, then answers from what
// remains. record is O(1) amortized; no entry is ever resurrected once
// pruned. It underpins both the adaptive failure window and the token
// bucket's rolling usage log (§4.1).
type SlidingWindow struct {
	mu      sync.Mutex
	window  time.Duration
	entries []windowEntry
	clock   Clock
}

// NewSlidingWindow builds a window spanning the given duration, reading time
// from clock.
func NewSlidingWindow(window time.Duration, clock Clock) *SlidingWindow {
	return &SlidingWindow{window: window, clock: clock}
}

// Record appends (now, v) to the log.
func (w *SlidingWindow) Record(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{at: w.clock.Now(), value: v})
}

// prune drops every leading entry recorded at or before now-W, so an entry
// recorded at t is gone from any read at t+W or later. Must be called with mu
// held.
func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	w.entries = w.entries[i:]
}

// Total prunes then returns the sum of surviving values.
func (w *SlidingWindow) Total() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.clock.Now())
	var sum float64
	for _, e := range w.entries {
		sum += e.value
	}
	return sum
}

// Count prunes then returns the number of surviving entries.
func (w *SlidingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.clock.Now())
	return len(w.entries)
}

// Clear empties the log.
func (w *SlidingWindow) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = nil
}

// OldestExpiry returns the time at which the oldest surviving entry will age
// out of the window, and whether there is one. TokenBucket uses this to
// compute how long to sleep instead of spin-waiting.
func (w *SlidingWindow) OldestExpiry() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.clock.Now())
	if len(w.entries) == 0 {
		return time.Time{}, false
	}
	return w.entries[0].at.Add(w.window), true
}
