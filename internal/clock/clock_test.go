package clock

import (
	"testing"
	"time"
)

func TestLoadZoneDefault(t *testing.T) {
	t.Parallel()
	loc, err := LoadZone("")
	if err != nil {
		t.Fatalf("LoadZone: %v", err)
	}
	if loc.String() != DefaultZone {
		t.Fatalf("expected %s, got %s", DefaultZone, loc)
	}
	if _, err := LoadZone("Mars/Olympus"); err == nil {
		t.Fatal("expected error for unknown zone")
	}
}

func TestRealClockUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+8", 8*3600)
	c := New(loc)
	if c.Now().Location() != loc {
		t.Fatalf("Now() not in configured location: %v", c.Now().Location())
	}
}

func TestFakeTimerFiresOnAdd(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+8", 8*3600)
	start := time.Date(2025, 6, 9, 10, 0, 0, 0, loc)
	f := NewFake(start)
	if f.Now().Location() != loc || !f.Now().Equal(start) {
		t.Fatalf("Now() = %v", f.Now())
	}
	tm := f.NewTimer(time.Second)

	f.Add(500 * time.Millisecond)
	select {
	case <-tm.C:
		t.Fatal("timer fired before its deadline")
	default:
	}

	f.Add(500 * time.Millisecond)
	select {
	case got := <-tm.C:
		if !got.Equal(start.Add(time.Second)) {
			t.Fatalf("fire time = %v, want %v", got, start.Add(time.Second))
		}
	default:
		t.Fatal("timer did not fire")
	}

	f.Set(start.Add(time.Hour))
	if !f.Now().Equal(start.Add(time.Hour)) {
		t.Fatalf("Now() after Set = %v", f.Now())
	}
}

func TestUntilNextTickAlignsToMidSecond(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{"on the second", base, 500 * time.Millisecond},
		{"just before mid", base.Add(499 * time.Millisecond), time.Millisecond},
		{"on mid", base.Add(500 * time.Millisecond), time.Second},
		{"late in the second", base.Add(999 * time.Millisecond), 501 * time.Millisecond},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := UntilNextTick(tc.now, time.Second); got != tc.want {
				t.Fatalf("UntilNextTick(%v) = %v, want %v", tc.now, got, tc.want)
			}
		})
	}
}
