// Package system provides the wall clock used by every role, plus a fixed
// clock for tests.
package system

import (
	"time"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
)

// Day is the unit retention windows are expressed in.
const Day = 24 * time.Hour

// Clock implements batch.Clock on the wall clock, always in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a batch.Clock frozen at one instant.
type Fixed time.Time

// Now returns the frozen instant in UTC.
func (f Fixed) Now() time.Time {
	return time.Time(f).UTC()
}

// RetentionCutoff returns the instant before which a batch falls outside a
// retention window of days. Non-positive windows cut off at now.
func RetentionCutoff(c batch.Clock, days int) time.Time {
	now := c.Now()
	if days <= 0 {
		return now
	}
	return now.Add(-time.Duration(days) * Day)
}

var (
	_ batch.Clock = Clock{}
	_ batch.Clock = Fixed{}
)
