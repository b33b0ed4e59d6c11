package clock

import (
	"time"
)

// DateKeyLayout is the format of the per-day key used for once-a-day bookkeeping.
const DateKeyLayout = "2006-01-02"

// Clock is the minimal time source the rest of the system depends on.
// Tests swap it for a fixed or steppable implementation.
type Clock interface {
	Now() time.Time
}

// TimeProvider resolves wall-clock time in a fixed civil timezone,
// independent of the host machine's local zone.
type TimeProvider struct {
	loc *time.Location
	now func() time.Time
}

// New returns a TimeProvider backed by the system clock.
func New(loc *time.Location) *TimeProvider {
	return NewWithSource(loc, time.Now)
}

// NewWithSource returns a TimeProvider that reads the current instant from now.
func NewWithSource(loc *time.Location, now func() time.Time) *TimeProvider {
	if loc == nil {
		loc = time.UTC
	}
	return &TimeProvider{loc: loc, now: now}
}

// Location returns the civil timezone.
func (p *TimeProvider) Location() *time.Location {
	return p.loc
}

// Now returns the current instant expressed in the civil timezone.
func (p *TimeProvider) Now() time.Time {
	return p.now().In(p.loc)
}

// DateKey returns the civil calendar date, e.g. "2026-10-16".
func (p *TimeProvider) DateKey() string {
	return p.Now().Format(DateKeyLayout)
}

// MarketOpen reports whether the venue is open right now.
func (p *TimeProvider) MarketOpen() bool {
	return MarketOpenAt(p.Now())
}

// MarketOpenAt reports whether a US equities session is in progress at t:
// weekdays 09:30 (inclusive) to 16:00 (exclusive), evaluated in t's location.
// Exchange holidays are not modelled.
func MarketOpenAt(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}
