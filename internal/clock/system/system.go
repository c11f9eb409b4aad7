// Package system provides the wall clock used for result timestamps.
package system

import "time"

// Clock implements fetch.Clock in UTC.
type Clock struct{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
