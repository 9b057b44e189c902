package reminder

import (
	"fmt"
	"time"
)

type RecurrenceKind int

const (
	RecurNone RecurrenceKind = iota
	RecurDaily
	RecurWeekly
)

type Recurrence struct {
	Kind    RecurrenceKind
	Weekday time.Weekday // RecurWeekly only
	// At is the wall-clock slot every occurrence is placed on.
	At TimeOfDay
}

func (r Recurrence) String() string {
	switch r.Kind {
	case RecurDaily:
		return "daily"
	case RecurWeekly:
		return "weekly(" + r.Weekday.String() + ")"
	default:
		return "none"
	}
}

// Origin ties a notification to the spec it was derived from. Group is
// the unit replaced wholesale when a source is reloaded.
type Origin struct {
	Group  string
	SpecID string
}

// Origin groups.
const (
	GroupSettlement = "settlement"
	GroupReminders  = "reminders"
)

// Notification is one pending delivery.
type Notification struct {
	FireAt     time.Time
	Message    string
	Recurrence Recurrence
	Origin     Origin
}

// Equal is value identity at second precision.
func (n Notification) Equal(o Notification) bool {
	return n.FireAt.Truncate(time.Second).Equal(o.FireAt.Truncate(time.Second)) &&
		n.Message == o.Message &&
		n.Recurrence == o.Recurrence &&
		n.Origin == o.Origin
}

// Next returns the following occurrence of a recurring notification: one
// calendar period after FireAt's date, at the rule's own time of day in
// FireAt's location.
func (n Notification) Next() (Notification, bool) {
	var days int
	switch n.Recurrence.Kind {
	case RecurDaily:
		days = 1
	case RecurWeekly:
		days = 7
	default:
		return Notification{}, false
	}
	next := n
	next.FireAt = n.Recurrence.At.On(n.FireAt.AddDate(0, 0, days))
	return next, true
}

// NextAtOrAfter advances a recurring notification from FireAt by whole
// periods until it is not before t.
func (n Notification) NextAtOrAfter(t time.Time) (Notification, bool) {
	cur := n
	for {
		next, ok := cur.Next()
		if !ok {
			return Notification{}, false
		}
		if !next.FireAt.Before(t) {
			return next, true
		}
		cur = next
	}
}

func (n Notification) String() string {
	return fmt.Sprintf("%s %s [%s] %s", n.FireAt.Format("2006-01-02 15:04:05"), n.Recurrence, n.Origin.Group, n.Message)
}
