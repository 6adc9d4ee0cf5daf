package generic

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injected time source
// =============================================================================

// Clock supplies the current time. All time-gated rules read it lazily, on
// the call that needs it; nothing in the engine runs on a timer.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FakeClock is a manually advanced clock for tests and demos.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *FakeClock) AdvanceDays(n int) { c.Advance(Days(n)) }

// =============================================================================
// MONTH ARITHMETIC - Fixed 30-day months
// =============================================================================

// Month is the accounting month. Calendar months are never used: durations,
// response windows and withdrawal spacing all count in fixed 30-day blocks.
const Month = 30 * 24 * time.Hour

func Days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// MonthsBetween returns the number of whole 30-day months in [from, to).
// Spans where to precedes from count as zero.
func MonthsBetween(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	return int(to.Sub(from) / Month)
}

// Elapsed reports whether at least window has passed since start.
func Elapsed(start, now time.Time, window time.Duration) bool {
	return !now.Before(start.Add(window))
}
