// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock satisfies progress.Clock and jobs.Clock with UTC wall time.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the elapsed time since t.
func (Clock) Since(t time.Time) time.Duration {
	return time.Since(t)
}
