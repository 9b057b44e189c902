package reminder

import (
	"fmt"
	"time"
)

// SpecParseError reports one malformed spec. Callers skip that spec and
// keep going with its siblings.
type SpecParseError struct {
	SpecID string
	Label  string
	Field  string
	Value  string
	Err    error
}

func (e *SpecParseError) Error() string {
	name := e.Label
	if name == "" {
		name = e.SpecID
	}
	if e.Value != "" {
		return fmt.Sprintf("spec %q: %s %q: %v", name, e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("spec %q: %s: %v", name, e.Field, e.Err)
}

func (e *SpecParseError) Unwrap() error { return e.Err }

// ResolutionError reports a settlement source that could not supply rows
// for the requested period. Only that source's contribution is skipped.
type ResolutionError struct {
	Source string
	Period string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("settlement source %q period %q: %v", e.Source, e.Period, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// DeliveryError is returned after every send attempt for a message failed.
type DeliveryError struct {
	Attempts int
	Message  string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ClockAnomalyError describes a wall-clock jump. Nothing detects jumps
// today; a jump past an occurrence is handled as a missed tick.
type ClockAnomalyError struct {
	Previous time.Time
	Observed time.Time
}

func (e *ClockAnomalyError) Error() string {
	return fmt.Sprintf("clock jumped from %s to %s", e.Previous.Format(time.RFC3339), e.Observed.Format(time.RFC3339))
}
