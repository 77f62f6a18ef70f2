package throttle

import (
	"sync"
	"time"
)

const progressRingSize = 50

// ProgressTracker counts completions, detects 10%-of-total milestones, and
// rolls a moving average of the last 50 durations for ETA estimation (§4.6).
type ProgressTracker struct {
	mu sync.Mutex

	completed int
	total     int

	ring     [progressRingSize]time.Duration
	ringLen  int
	ringNext int

	lastMilestone int // highest 10%-decile already emitted, 0 if none
}

// NewProgressTracker builds a tracker for total tasks (0 disables ETA and
// percentage).
func NewProgressTracker(total int) *ProgressTracker {
	return &ProgressTracker{total: total}
}

// RecordCompletion increments completed, pushes duration into the ring
// buffer, and returns true iff this completion crosses a new 10% decile
// boundary that has not yet been emitted.
func (p *ProgressTracker) RecordCompletion(duration time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.completed++
	p.ring[p.ringNext] = duration
	p.ringNext = (p.ringNext + 1) % progressRingSize
	if p.ringLen < progressRingSize {
		p.ringLen++
	}

	if p.total <= 0 {
		return false
	}
	decile := (p.completed * 10) / p.total
	if decile > 10 {
		decile = 10
	}
	if decile > p.lastMilestone {
		p.lastMilestone = decile
		return true
	}
	return false
}

// Completed returns the number of completions recorded.
func (p *ProgressTracker) Completed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// Total returns the configured total.
func (p *ProgressTracker) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Percentage returns 100*completed/total, or 0 when total is 0.
func (p *ProgressTracker) Percentage() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.total <= 0 {
		return 0
	}
	return 100 * float64(p.completed) / float64(p.total)
}

// averageRecent returns the mean of the ring buffer and whether it has any
// entries. Must be called with mu held.
func (p *ProgressTracker) averageRecent() (time.Duration, bool) {
	if p.ringLen == 0 {
		return 0, false
	}
	var sum time.Duration
	for i := 0; i < p.ringLen; i++ {
		sum += p.ring[i]
	}
	return sum / time.Duration(p.ringLen), true
}

// ETA returns (avg_recent_duration * remaining) / effectiveConcurrency, or
// false when total is 0 or no completion has been recorded yet.
func (p *ProgressTracker) ETA(effectiveConcurrency int) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.total <= 0 {
		return 0, false
	}
	avg, ok := p.averageRecent()
	if !ok {
		return 0, false
	}
	remaining := p.total - p.completed
	if remaining < 0 {
		remaining = 0
	}
	if effectiveConcurrency < 1 {
		effectiveConcurrency = 1
	}
	return time.Duration(int64(avg) * int64(remaining) / int64(effectiveConcurrency)), true
}
