package reminder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type TimeOfDay struct {
	Hour, Minute, Second int
}

// ParseTimeOfDay accepts "HH:MM:SS" or "HH:MM".
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, fmt.Errorf("time %q: expected HH:MM:SS", raw)
	}
	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return TimeOfDay{}, fmt.Errorf("time %q: %w", raw, err)
		}
		vals[i] = n
	}
	t := TimeOfDay{Hour: vals[0], Minute: vals[1], Second: vals[2]}
	if err := t.Validate(); err != nil {
		return TimeOfDay{}, fmt.Errorf("time %q: %w", raw, err)
	}
	return t, nil
}

func (t TimeOfDay) Validate() error {
	switch {
	case t.Hour < 0 || t.Hour > 23:
		return fmt.Errorf("hour %d out of range", t.Hour)
	case t.Minute < 0 || t.Minute > 59:
		return fmt.Errorf("minute %d out of range", t.Minute)
	case t.Second < 0 || t.Second > 59:
		return fmt.Errorf("second %d out of range", t.Second)
	}
	return nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// On returns the instant with this wall-clock time on the calendar day of
// day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, t.Second, 0, day.Location())
}

// Of extracts the second-precision time of day from ts.
func Of(ts time.Time) TimeOfDay {
	h, m, s := ts.Clock()
	return TimeOfDay{Hour: h, Minute: m, Second: s}
}
