// Package clock supplies the current time in the reporting timezone and
// the tick alignment that drives the poller.
package clock

import (
	"fmt"
	"strings"
	"time"

	jclock "github.com/jmhodges/clock"
)

// DefaultZone is the reporting timezone used when none is configured.
const DefaultZone = "Asia/Taipei"

// Clock is a jmhodges clock bound to a location. Now is always expressed
// in Location.
type Clock interface {
	jclock.Clock
	Location() *time.Location
}

// LoadZone resolves an IANA zone name; empty means DefaultZone.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}

type zoned struct {
	jclock.Clock
	loc *time.Location
}

func (c zoned) Now() time.Time           { return c.Clock.Now().In(c.loc) }
func (c zoned) Location() *time.Location { return c.loc }

// New returns the wall clock in loc.
func New(loc *time.Location) Clock {
	return Wrap(jclock.New(), loc)
}

// Wrap binds an existing clock to loc.
func Wrap(c jclock.Clock, loc *time.Location) Clock {
	if loc == nil {
		loc = time.Local
	}
	return zoned{Clock: c, loc: loc}
}

// Fake is a settable clock for tests. Timers created from it fire when
// Add or Set moves the time past their deadline.
type Fake struct {
	Clock
	fake jclock.FakeClock
}

// NewFake returns a Fake reading start, in start's location.
func NewFake(start time.Time) *Fake {
	f := jclock.NewFake()
	f.Set(start)
	return &Fake{Clock: Wrap(f, start.Location()), fake: f}
}

func (f *Fake) Add(d time.Duration) { f.fake.Add(d) }
func (f *Fake) Set(t time.Time)     { f.fake.Set(t) }

// UntilNextTick returns the wait from now to the next tick. Ticks sit
// half a period past each period boundary, so a late or early wakeup
// still truncates to the intended second.
func UntilNextTick(now time.Time, period time.Duration) time.Duration {
	if period <= 0 {
		period = time.Second
	}
	next := now.Truncate(period).Add(period / 2)
	if !next.After(now) {
		next = next.Add(period)
	}
	return next.Sub(now)
}
