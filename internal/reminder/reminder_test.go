package reminder

import (
	"errors"
	"testing"
	"time"
)

func taipei(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	return loc
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    TimeOfDay
		wantErr bool
	}{
		{raw: "09:30:15", want: TimeOfDay{9, 30, 15}},
		{raw: " 23:59 ", want: TimeOfDay{23, 59, 0}},
		{raw: "24:00:00", wantErr: true},
		{raw: "12:60:00", wantErr: true},
		{raw: "12:00:61", wantErr: true},
		{raw: "noon", wantErr: true},
		{raw: "1:2:3:4", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseTimeOfDay(%q) expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseTimeOfDay(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseTimeOfDay(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestParseDay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw   string
		wd    time.Weekday
		daily bool
	}{
		{raw: "星期一", wd: time.Monday},
		{raw: "星期日", wd: time.Sunday},
		{raw: "週五", wd: time.Friday},
		{raw: "Wed", wd: time.Wednesday},
		{raw: "SATURDAY", wd: time.Saturday},
		{raw: "每日", daily: true},
	}
	for _, tt := range tests {
		wd, daily, err := ParseDay(tt.raw)
		if err != nil {
			t.Fatalf("ParseDay(%q): %v", tt.raw, err)
		}
		if daily != tt.daily || (!daily && wd != tt.wd) {
			t.Fatalf("ParseDay(%q) = %v,%v", tt.raw, wd, daily)
		}
	}
	if _, _, err := ParseDay("someday"); err == nil {
		t.Fatal("expected error for unknown weekday")
	}
}

func TestRecordSpec(t *testing.T) {
	t.Parallel()
	loc := taipei(t)

	s, err := Record{ID: "a", Label: "財務報告", At: "2025:06:10 09:00:00"}.Spec(loc)
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	ev, ok := s.(OneOff)
	if !ok || !ev.At.Equal(time.Date(2025, 6, 10, 9, 0, 0, 0, loc)) {
		t.Fatalf("unexpected event spec: %#v", s)
	}

	s, err = Record{ID: "b", Label: "早報", Day: "每日", Time: "08:00:00"}.Spec(loc)
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if _, ok := s.(Daily); !ok {
		t.Fatalf("expected Daily, got %T", s)
	}

	s, err = Record{ID: "c", Kind: "weekly", Label: "BBG NON FARM FORCAST", Day: "星期一", Time: "09:00:00"}.Spec(loc)
	if err != nil {
		t.Fatalf("weekly: %v", err)
	}
	if w, ok := s.(Weekly); !ok || w.Weekday != time.Monday {
		t.Fatalf("unexpected weekly spec: %#v", s)
	}
}

func TestRecordSpecErrorsCarryContext(t *testing.T) {
	t.Parallel()
	loc := taipei(t)
	tests := []struct {
		name  string
		rec   Record
		field string
	}{
		{name: "bad time", rec: Record{Label: "x", Day: "星期一", Time: "25:00:00"}, field: "time"},
		{name: "bad day", rec: Record{Label: "x", Day: "someday", Time: "09:00:00"}, field: "day"},
		{name: "bad instant", rec: Record{Label: "x", At: "tomorrow"}, field: "at"},
		{name: "empty label", rec: Record{Label: "  ", Time: "09:00:00"}, field: "label"},
		{name: "bad kind", rec: Record{Kind: "monthly", Label: "x"}, field: "kind"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.rec.Spec(loc)
			var pe *SpecParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected SpecParseError, got %v", err)
			}
			if pe.Field != tt.field {
				t.Fatalf("Field = %q, want %q (%v)", pe.Field, tt.field, err)
			}
		})
	}
}

func TestParseLines(t *testing.T) {
	t.Parallel()
	r, err := ParseEventLine("財務報告,2025:06:10 09:00:00")
	if err != nil || r.Label != "財務報告" || r.At != "2025:06:10 09:00:00" {
		t.Fatalf("ParseEventLine = %+v, %v", r, err)
	}
	r, err = ParseWeeklyLine("BBG | 星期一 | 09:00:00")
	if err != nil || r.Label != "BBG" || r.Day != "星期一" || r.Time != "09:00:00" {
		t.Fatalf("ParseWeeklyLine = %+v, %v", r, err)
	}
	r, err = ParseWeeklyLine("每日,08:00:00")
	if err != nil || r.Label != "每日" || r.Day != "每日" {
		t.Fatalf("legacy ParseWeeklyLine = %+v, %v", r, err)
	}
	if _, err := ParseWeeklyLine("only-one"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNotificationNextKeepsWallClock(t *testing.T) {
	t.Parallel()
	loc := taipei(t)
	d := time.Date(2025, 6, 9, 9, 0, 0, 0, loc)
	n := Notification{FireAt: d, Message: "每日提醒: x at 09:00:00", Recurrence: Recurrence{Kind: RecurDaily, At: Of(d)}}

	next, ok := n.Next()
	if !ok || !next.FireAt.Equal(d.Add(24*time.Hour)) {
		t.Fatalf("daily Next = %v, want %v", next.FireAt, d.Add(24*time.Hour))
	}

	w := Notification{FireAt: d, Recurrence: Recurrence{Kind: RecurWeekly, Weekday: time.Monday, At: Of(d)}}
	next, _ = w.Next()
	if !next.FireAt.Equal(d.Add(7 * 24 * time.Hour)) {
		t.Fatalf("weekly Next = %v", next.FireAt)
	}

	if _, ok := (Notification{FireAt: d}).Next(); ok {
		t.Fatal("one-off must not recur")
	}

	caught, ok := n.NextAtOrAfter(d.Add(72*time.Hour + time.Second))
	if !ok || !caught.FireAt.Equal(d.Add(96*time.Hour)) {
		t.Fatalf("NextAtOrAfter = %v", caught.FireAt)
	}
}

func TestNotificationNextRestoresSlotAfterDSTGap(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	slot := TimeOfDay{Hour: 2, Minute: 30}
	// 2025-03-09 02:30 does not exist in New York; time.Date normalizes it.
	gap := slot.On(time.Date(2025, 3, 9, 0, 0, 0, 0, loc))
	n := Notification{FireAt: gap, Recurrence: Recurrence{Kind: RecurDaily, At: slot}}

	next, ok := n.Next()
	want := time.Date(2025, 3, 10, 2, 30, 0, 0, loc)
	if !ok || !next.FireAt.Equal(want) {
		t.Fatalf("Next after gap = %v, want %v", next.FireAt, want)
	}
}

func TestRecordOfRoundTrip(t *testing.T) {
	t.Parallel()
	loc := taipei(t)
	w := Weekly{ID: "w", Label: "BBG", Weekday: time.Monday, Time: TimeOfDay{9, 0, 0}}
	rec, ok := RecordOf(w)
	if !ok {
		t.Fatal("RecordOf weekly not ok")
	}
	back, err := rec.Spec(loc)
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	if back.(Weekly) != w {
		t.Fatalf("round trip mismatch: %#v vs %#v", back, w)
	}
	if _, ok := RecordOf(Settlement{Product: "HK50"}); ok {
		t.Fatal("settlement specs are not stored as records")
	}
}
