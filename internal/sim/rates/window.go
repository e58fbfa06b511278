package rates

import "time"

// Allow is a fixed-window limiter step. It returns the updated window start
// and count, whether the call is allowed, and how long until the window resets
// when it is not.
func Allow(now, start time.Time, count int, window time.Duration, max int) (newStart time.Time, newCount int, ok bool, cooldown time.Duration) {
	newStart = start
	newCount = count
	if window <= 0 || max <= 0 {
		return newStart, newCount, true, 0
	}

	if newStart.IsZero() || now.Sub(newStart) >= window {
		newStart = now
		newCount = 0
	}
	newCount++
	if newCount <= max {
		return newStart, newCount, true, 0
	}
	return newStart, newCount, false, newStart.Add(window).Sub(now)
}
