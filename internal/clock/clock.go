// Package clock lets the drain loop and the in-memory queue share a time
// source that tests can step by hand.
package clock

import "time"

// Clock is the time source used for poll intervals, visibility timeouts and
// the partition date of projected rows.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
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
