package weather

import "time"

// RateBudget counts provider calls in fixed per-minute and per-day windows.
// It is not safe for concurrent use; the Enricher guards it with its mutex.
type RateBudget struct {
	perMinute int
	perDay    int

	minuteStart time.Time
	dayStart    time.Time
	minuteCalls int
	dayCalls    int
}

// NewRateBudget creates a budget with the given ceilings.
func NewRateBudget(perMinute, perDay int) *RateBudget {
	return &RateBudget{perMinute: perMinute, perDay: perDay}
}

// Allow spends one call if both windows are under their ceilings.
func (b *RateBudget) Allow(now time.Time) bool {
	b.roll(now)
	if b.minuteCalls >= b.perMinute || b.dayCalls >= b.perDay {
		return false
	}
	b.minuteCalls++
	b.dayCalls++
	return true
}

// Remaining reports the calls left in the current minute and day windows.
func (b *RateBudget) Remaining(now time.Time) (minute, day int) {
	b.roll(now)
	return b.perMinute - b.minuteCalls, b.perDay - b.dayCalls
}

// roll only moves the windows forward. A caller holding an earlier now than
// the last one seen is charged to the current window.
func (b *RateBudget) roll(now time.Time) {
	now = now.UTC()
	if m := now.Truncate(time.Minute); m.After(b.minuteStart) {
		b.minuteStart = m
		b.minuteCalls = 0
	}
	if d := now.Truncate(24 * time.Hour); d.After(b.dayStart) {
		b.dayStart = d
		b.dayCalls = 0
	}
}
