package reminder

import (
	"errors"
	"strings"
	"time"
)

type Kind string

const (
	KindOneOff     Kind = "event"
	KindDaily      Kind = "daily"
	KindWeekly     Kind = "weekly"
	KindSettlement Kind = "settlement"
)

// Spec is one reminder definition. Implementations are plain values.
type Spec interface {
	SpecID() string
	Kind() Kind
	// Validate reports a *SpecParseError when the spec cannot be scheduled.
	Validate() error
}

type OneOff struct {
	ID    string
	Label string
	At    time.Time
}

type Daily struct {
	ID    string
	Label string
	Time  TimeOfDay
}

type Weekly struct {
	ID      string
	Label   string
	Weekday time.Weekday
	Time    TimeOfDay
}

// SpecialRule selects cosmetic handling for products whose settlement
// day is commonly confused (HK50, China300).
type SpecialRule int

const (
	RuleNone SpecialRule = iota
	RuleDayShift
)

// Settlement is a reminder derived from one settlement sheet row.
// The settlement instant is BaseDate + LeadOffset; the notification fires
// NotifyOffset before it.
type Settlement struct {
	ID           string
	Product      string
	Display      string // product name as shown in messages, e.g. "AAPL.US"
	Source       string
	Label        string // message prefix, e.g. "美股"
	BaseDate     time.Time
	LeadOffset   time.Duration
	NotifyOffset time.Duration
	SpecialRule  SpecialRule
}

func (s OneOff) SpecID() string     { return s.ID }
func (s Daily) SpecID() string      { return s.ID }
func (s Weekly) SpecID() string     { return s.ID }
func (s Settlement) SpecID() string { return s.ID }

func (OneOff) Kind() Kind     { return KindOneOff }
func (Daily) Kind() Kind      { return KindDaily }
func (Weekly) Kind() Kind     { return KindWeekly }
func (Settlement) Kind() Kind { return KindSettlement }

var (
	errEmptyLabel = errors.New("must not be empty")
	errZeroTime   = errors.New("instant is not set")
	errBadWeekday = errors.New("weekday out of range")
	errNegOffset  = errors.New("offset must be >= 0")
)

func (s OneOff) Validate() error {
	if strings.TrimSpace(s.Label) == "" {
		return &SpecParseError{SpecID: s.ID, Field: "label", Value: s.Label, Err: errEmptyLabel}
	}
	if s.At.IsZero() {
		return &SpecParseError{SpecID: s.ID, Label: s.Label, Field: "at", Err: errZeroTime}
	}
	return nil
}

func (s Daily) Validate() error {
	if strings.TrimSpace(s.Label) == "" {
		return &SpecParseError{SpecID: s.ID, Field: "label", Value: s.Label, Err: errEmptyLabel}
	}
	if err := s.Time.Validate(); err != nil {
		return &SpecParseError{SpecID: s.ID, Label: s.Label, Field: "time", Value: s.Time.String(), Err: err}
	}
	return nil
}

func (s Weekly) Validate() error {
	if strings.TrimSpace(s.Label) == "" {
		return &SpecParseError{SpecID: s.ID, Field: "label", Value: s.Label, Err: errEmptyLabel}
	}
	if s.Weekday < time.Sunday || s.Weekday > time.Saturday {
		return &SpecParseError{SpecID: s.ID, Label: s.Label, Field: "day", Value: s.Weekday.String(), Err: errBadWeekday}
	}
	if err := s.Time.Validate(); err != nil {
		return &SpecParseError{SpecID: s.ID, Label: s.Label, Field: "time", Value: s.Time.String(), Err: err}
	}
	return nil
}

func (s Settlement) Validate() error {
	if strings.TrimSpace(s.Product) == "" {
		return &SpecParseError{SpecID: s.ID, Field: "product", Value: s.Product, Err: errEmptyLabel}
	}
	if s.BaseDate.IsZero() {
		return &SpecParseError{SpecID: s.ID, Label: s.Product, Field: "date", Err: errZeroTime}
	}
	if s.NotifyOffset < 0 {
		return &SpecParseError{SpecID: s.ID, Label: s.Product, Field: "notify_offset", Value: s.NotifyOffset.String(), Err: errNegOffset}
	}
	return nil
}

// SettlementAt is the settlement instant itself.
func (s Settlement) SettlementAt() time.Time { return s.BaseDate.Add(s.LeadOffset) }

// Name returns the label shown for a spec in listings and logs.
func Name(s Spec) string {
	switch v := s.(type) {
	case OneOff:
		return v.Label
	case Daily:
		return v.Label
	case Weekly:
		return v.Label
	case Settlement:
		if v.Display != "" {
			return v.Display
		}
		return v.Product
	default:
		return ""
	}
}

// SettlementRow is one candidate date read from a settlement sheet for the
// current reporting period.
type SettlementRow struct {
	Product string
	RawDate time.Time
	Source  string
}
