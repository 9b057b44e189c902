package reminder

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is the stored, textual form of a user reminder. Values stay as
// text so a bad row only fails its own conversion.
type Record struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Kind  string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Label string `json:"label" yaml:"label"`
	Day   string `json:"day,omitempty" yaml:"day,omitempty"`
	Time  string `json:"time,omitempty" yaml:"time,omitempty"`
	At    string `json:"at,omitempty" yaml:"at,omitempty"`
}

// One-off instants are accepted in these layouts; the first is the one
// used when rendering.
var oneOffLayouts = []string{
	"2006:01:02 15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04",
}

const OneOffLayout = "2006:01:02 15:04:05"

// ParseInstant parses a one-off time in loc.
func ParseInstant(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range oneOffLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("instant %q: expected yyyy:MM:dd HH:mm:ss", raw)
}

// NewID returns a fresh spec identifier.
func NewID() string { return uuid.NewString() }

// EnsureID assigns an id to records that lack one and reports whether any
// record changed.
func EnsureID(recs []Record) bool {
	changed := false
	for i := range recs {
		if strings.TrimSpace(recs[i].ID) == "" {
			recs[i].ID = NewID()
			changed = true
		}
	}
	return changed
}

// Spec converts the record into a typed spec. Kind may be omitted: a
// record with At is an event, one with Day is weekly (or daily for 每日).
func (r Record) Spec(loc *time.Location) (Spec, error) {
	label := strings.TrimSpace(r.Label)
	kind := strings.ToLower(strings.TrimSpace(r.Kind))
	if kind == "" {
		switch {
		case strings.TrimSpace(r.At) != "":
			kind = string(KindOneOff)
		case strings.TrimSpace(r.Day) != "":
			kind = string(KindWeekly)
		default:
			kind = string(KindDaily)
		}
	}
	fail := func(field, value string, err error) error {
		return &SpecParseError{SpecID: r.ID, Label: label, Field: field, Value: value, Err: err}
	}

	switch Kind(kind) {
	case KindOneOff, "oneoff", "once":
		at, err := ParseInstant(r.At, loc)
		if err != nil {
			return nil, fail("at", r.At, err)
		}
		s := OneOff{ID: r.ID, Label: label, At: at}
		return s, s.Validate()
	case KindDaily, KindWeekly:
		tod, err := ParseTimeOfDay(r.Time)
		if err != nil {
			return nil, fail("time", r.Time, err)
		}
		if Kind(kind) == KindDaily && strings.TrimSpace(r.Day) == "" {
			s := Daily{ID: r.ID, Label: label, Time: tod}
			return s, s.Validate()
		}
		wd, daily, err := ParseDay(r.Day)
		if err != nil {
			return nil, fail("day", r.Day, err)
		}
		if daily {
			s := Daily{ID: r.ID, Label: label, Time: tod}
			return s, s.Validate()
		}
		s := Weekly{ID: r.ID, Label: label, Weekday: wd, Time: tod}
		return s, s.Validate()
	default:
		return nil, fail("kind", r.Kind, fmt.Errorf("unsupported kind"))
	}
}

// ParseEventLine reads the comma separated event form "label,yyyy:MM:dd HH:mm:ss".
func ParseEventLine(line string) (Record, error) {
	parts := splitFields(line)
	if len(parts) != 2 {
		return Record{}, fmt.Errorf("event %q: expected label,time", line)
	}
	return Record{Kind: string(KindOneOff), Label: parts[0], At: parts[1]}, nil
}

// ParseWeeklyLine reads "label,day,HH:mm:ss". The older two-field form
// "day,HH:mm:ss" has no label and uses the day text as the label.
func ParseWeeklyLine(line string) (Record, error) {
	parts := splitFields(line)
	switch len(parts) {
	case 3:
		return Record{Kind: string(KindWeekly), Label: parts[0], Day: parts[1], Time: parts[2]}, nil
	case 2:
		return Record{Kind: string(KindWeekly), Label: parts[0], Day: parts[0], Time: parts[1]}, nil
	default:
		return Record{}, fmt.Errorf("weekly %q: expected label,day,time", line)
	}
}

func splitFields(line string) []string {
	sep := ","
	if !strings.Contains(line, ",") && strings.Contains(line, "|") {
		sep = "|"
	}
	raw := strings.Split(strings.TrimSpace(line), sep)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// RecordOf renders a user spec back into its stored form.
func RecordOf(s Spec) (Record, bool) {
	switch v := s.(type) {
	case OneOff:
		return Record{ID: v.ID, Kind: string(KindOneOff), Label: v.Label, At: v.At.Format(OneOffLayout)}, true
	case Daily:
		return Record{ID: v.ID, Kind: string(KindDaily), Label: v.Label, Time: v.Time.String()}, true
	case Weekly:
		return Record{ID: v.ID, Kind: string(KindWeekly), Label: v.Label, Day: WeekdayName(v.Weekday), Time: v.Time.String()}, true
	default:
		return Record{}, false
	}
}
