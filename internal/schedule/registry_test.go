package schedule

import (
	"sync"
	"testing"
	"time"

	"settlebot/internal/reminder"
)

var base = time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC)

func entry(group, id string, at time.Time, rec reminder.RecurrenceKind) reminder.Notification {
	return reminder.Notification{
		FireAt:     at,
		Message:    group + ":" + id,
		Recurrence: reminder.Recurrence{Kind: rec, At: reminder.Of(at)},
		Origin:     reminder.Origin{Group: group, SpecID: id},
	}
}

func TestInsertKeepsOrderAndIgnoresDuplicates(t *testing.T) {
	t.Parallel()
	r := New()
	a := entry("g", "a", base.Add(2*time.Second), reminder.RecurNone)
	b := entry("g", "b", base.Add(time.Second), reminder.RecurNone)
	if !r.Insert(a) || !r.Insert(b) {
		t.Fatal("insert failed")
	}
	if r.Insert(a) {
		t.Fatal("duplicate insert should be ignored")
	}
	// equal at second precision
	dup := b
	dup.FireAt = dup.FireAt.Add(300 * time.Millisecond)
	if r.Insert(dup) {
		t.Fatal("sub-second duplicate should be ignored")
	}
	all := r.All()
	if len(all) != 2 || all[0].Origin.SpecID != "b" || all[1].Origin.SpecID != "a" {
		t.Fatalf("unexpected order: %v", all)
	}
}

func TestReplaceGroupLeavesOthers(t *testing.T) {
	t.Parallel()
	r := New()
	r.Insert(entry(reminder.GroupSettlement, "old", base, reminder.RecurNone))
	r.Insert(entry(reminder.GroupReminders, "keep", base, reminder.RecurDaily))

	removed := r.Replace(reminder.GroupSettlement, []reminder.Notification{
		entry(reminder.GroupSettlement, "new1", base.Add(time.Hour), reminder.RecurNone),
		entry(reminder.GroupSettlement, "new2", base.Add(time.Minute), reminder.RecurNone),
	})
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	got := r.Groups()
	if got[reminder.GroupSettlement] != 2 || got[reminder.GroupReminders] != 1 {
		t.Fatalf("groups = %v", got)
	}
	if next := r.Next(2); next[1].Origin.SpecID != "new2" {
		t.Fatalf("Next(2) = %v", next)
	}
}

func TestReplaceSpecWithNothingDeletes(t *testing.T) {
	t.Parallel()
	r := New()
	e := entry(reminder.GroupReminders, "x", base, reminder.RecurWeekly)
	r.Insert(e)
	r.Insert(entry(reminder.GroupReminders, "y", base, reminder.RecurWeekly))
	if n := r.ReplaceSpec(e.Origin, nil); n != 1 {
		t.Fatalf("removed = %d", n)
	}
	if r.Len() != 1 || r.All()[0].Origin.SpecID != "y" {
		t.Fatalf("unexpected entries: %v", r.All())
	}
}

func TestSettleReschedulesRecurring(t *testing.T) {
	t.Parallel()
	r := New()
	daily := entry(reminder.GroupReminders, "d", base, reminder.RecurDaily)
	once := entry(reminder.GroupReminders, "o", base, reminder.RecurNone)
	r.Insert(daily)
	r.Insert(once)

	got := r.Settle([]reminder.Notification{daily, once}, reminder.Notification.Next)
	if len(got) != 2 {
		t.Fatalf("settled %d, want 2", len(got))
	}
	all := r.All()
	if len(all) != 1 {
		t.Fatalf("expected the daily follow-up only, got %v", all)
	}
	if !all[0].FireAt.Equal(base.Add(24 * time.Hour)) {
		t.Fatalf("next fire = %v, want %v", all[0].FireAt, base.Add(24*time.Hour))
	}
}

func TestSettleSkipsEntriesReplacedConcurrently(t *testing.T) {
	t.Parallel()
	r := New()
	old := entry(reminder.GroupReminders, "w", base, reminder.RecurWeekly)
	r.Insert(old)

	edited := old
	edited.Message = "edited"
	edited.FireAt = base.Add(time.Hour)
	r.ReplaceSpec(old.Origin, []reminder.Notification{edited})

	if got := r.Settle([]reminder.Notification{old}, reminder.Notification.Next); len(got) != 0 {
		t.Fatalf("stale entry should not settle: %v", got)
	}
	if all := r.All(); len(all) != 1 || all[0].Message != "edited" {
		t.Fatalf("edit lost: %v", all)
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e := entry("g", "id", base.Add(time.Duration(i*100+j)*time.Second), reminder.RecurNone)
				r.Insert(e)
				_ = r.All()
				r.Settle([]reminder.Notification{e}, nil)
			}
		}(i)
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}
