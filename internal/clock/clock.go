// Package clock abstracts time so deadlines and recovery timers can be driven
// deterministically in tests.
package clock

import "time"

// Clock abstracts time-related functions for easier testing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Deadline returns the instant limit after now, or the zero time when limit
// is not positive (no deadline).
func Deadline(c Clock, limit time.Duration) time.Time {
	if limit <= 0 {
		return time.Time{}
	}
	return c.Now().Add(limit)
}
