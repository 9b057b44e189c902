package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"settlebot/internal/clock"
	"settlebot/internal/eventbus"
	"settlebot/internal/poller"
	"settlebot/internal/reminder"
	"settlebot/internal/resolver"
	"settlebot/internal/settlement"
	"settlebot/internal/storage"
	logx "settlebot/pkg/logx"
)

type fakeDispatcher struct {
	mu  sync.Mutex
	got []reminder.Notification
	ch  chan reminder.Notification
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{ch: make(chan reminder.Notification, 16)}
}

func (d *fakeDispatcher) Dispatch(n reminder.Notification) error {
	d.mu.Lock()
	d.got = append(d.got, n)
	d.mu.Unlock()
	select {
	case d.ch <- n:
	default:
	}
	return nil
}

func (d *fakeDispatcher) messages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.got))
	for _, n := range d.got {
		out = append(out, n.Message)
	}
	return out
}

func taipei(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	return loc
}

type fixture struct {
	svc   *Service
	clk   *clock.Fake
	disp  *fakeDispatcher
	store storage.Store
	loc   *time.Location
}

func newFixture(t *testing.T, mutate func(*Config)) fixture {
	t.Helper()
	loc := taipei(t)
	// Monday.
	clk := clock.NewFake(time.Date(2025, 6, 9, 9, 0, 0, 0, loc))

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "reminders.yaml")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfd := &settlement.Static{SourceName: "cfd", Periods: map[string][]reminder.SettlementRow{
		"2025-06": {
			{Product: "XAUUSD", RawDate: time.Date(2025, 6, 10, 0, 0, 0, 0, loc)},
			{Product: "US30", RawDate: time.Date(2025, 6, 20, 0, 0, 0, 0, loc)},
		},
	}}
	cfg := Config{
		Enabled:     true,
		Location:    loc,
		Poller:      poller.Config{Tick: time.Second},
		Resolver:    resolver.Config{Sources: map[string]resolver.SourceRule{"cfd": {Label: "CFD "}}},
		DailyUpdate: reminder.TimeOfDay{Hour: 8},
		Sources:     []settlement.Source{cfd},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	disp := newFakeDispatcher()
	svc, err := New(cfg, clk, disp, st, logx.Nop(), eventbus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{svc: svc, clk: clk, disp: disp, store: st, loc: loc}
}

func TestReloadSettlementsKeepsWindowedRows(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	rep, err := f.svc.ReloadSettlements(context.Background())
	if err != nil {
		t.Fatalf("ReloadSettlements: %v", err)
	}
	if rep.Period != "2025-06" || rep.Inputs != 2 || rep.Entries != 1 {
		t.Fatalf("report = %+v", rep)
	}
	pending := f.svc.Pending(0)
	if len(pending) != 1 {
		t.Fatalf("pending = %v", pending)
	}
	want := time.Date(2025, 6, 9, 23, 30, 0, 0, f.loc)
	if !pending[0].FireAt.Equal(want) {
		t.Fatalf("fire at %v, want %v", pending[0].FireAt, want)
	}
	if !strings.Contains(pending[0].Message, "XAUUSD") {
		t.Fatalf("message = %q", pending[0].Message)
	}
	if st := f.svc.Status(); st.Period != "2025-06" || len(st.SourceErrors) != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestReloadSettlementsSkipsFailingSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) {
		c.Sources = append(c.Sources, &settlement.Static{SourceName: "hk_stock"})
	})
	rep, err := f.svc.ReloadSettlements(context.Background())
	if err != nil {
		t.Fatalf("one healthy source should not fail the update: %v", err)
	}
	if rep.Entries != 1 || len(rep.Warnings) != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if errs := f.svc.Status().SourceErrors; len(errs) != 1 {
		t.Fatalf("source errors = %v", errs)
	}
}

func TestReloadSettlementsAllSourcesFailing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) {
		c.Sources = []settlement.Source{&settlement.Static{SourceName: "cfd"}}
	})
	_, err := f.svc.ReloadSettlements(context.Background())
	if !errors.Is(err, settlement.ErrNoPeriod) {
		t.Fatalf("err = %v, want ErrNoPeriod", err)
	}
}

func TestInlineSpecsSeedEmptyStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) {
		c.InlineSpecs = []reminder.Record{
			{Kind: "weekly", Label: "BBG NON FARM FORCAST", Day: "Monday", Time: "09:30:00"},
			{Kind: "daily", Label: "broken", Time: "25:00:00"},
		}
	})
	rep, err := f.svc.ReloadSpecs(context.Background())
	if err != nil {
		t.Fatalf("ReloadSpecs: %v", err)
	}
	if rep.Inputs != 2 || rep.Entries != 1 || len(rep.Warnings) != 1 {
		t.Fatalf("report = %+v", rep)
	}
	stored, err := f.store.LoadSpecs(context.Background())
	if err != nil {
		t.Fatalf("LoadSpecs: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored = %v", stored)
	}
	for _, r := range stored {
		if r.ID == "" {
			t.Fatalf("seeded record without id: %+v", r)
		}
	}
	want := time.Date(2025, 6, 9, 9, 30, 0, 0, f.loc)
	if got := f.svc.Pending(1); len(got) != 1 || !got[0].FireAt.Equal(want) {
		t.Fatalf("pending = %v, want %v", got, want)
	}
}

func TestUpsertAndDeleteSpec(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, entries, err := f.svc.UpsertSpec(ctx, reminder.Record{Label: "FOMC", At: "2025:06:09 10:00:00"})
	if err != nil {
		t.Fatalf("UpsertSpec: %v", err)
	}
	if rec.ID == "" || rec.Kind != string(reminder.KindOneOff) || len(entries) != 1 {
		t.Fatalf("rec = %+v entries = %v", rec, entries)
	}
	if got := f.svc.Registry().Groups()[reminder.GroupReminders]; got != 1 {
		t.Fatalf("reminders pending = %d", got)
	}

	// Editing the same id swaps the entry rather than adding one.
	rec.At = "2025:06:09 11:00:00"
	if _, _, err := f.svc.UpsertSpec(ctx, rec); err != nil {
		t.Fatalf("UpsertSpec edit: %v", err)
	}
	pending := f.svc.Pending(0)
	if len(pending) != 1 || pending[0].FireAt.Hour() != 11 {
		t.Fatalf("pending after edit = %v", pending)
	}

	stored, _ := f.store.LoadSpecs(ctx)
	if len(stored) != 1 || stored[0].ID != rec.ID {
		t.Fatalf("stored = %v", stored)
	}

	if _, err := f.svc.DeleteSpec(ctx, rec.ID[:8]); err != nil {
		t.Fatalf("DeleteSpec by prefix: %v", err)
	}
	if n := f.svc.Registry().Len(); n != 0 {
		t.Fatalf("registry len = %d after delete", n)
	}
	if specs := f.svc.Specs(); len(specs) != 0 {
		t.Fatalf("specs = %v", specs)
	}
	if _, err := f.svc.DeleteSpec(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestUpsertRejectsInvalidSpec(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	_, _, err := f.svc.UpsertSpec(context.Background(), reminder.Record{Label: "x", Day: "Someday", Time: "10:00:00"})
	var perr *reminder.SpecParseError
	if !errors.As(err, &perr) || perr.Field != "day" {
		t.Fatalf("err = %v, want day parse error", err)
	}
	if len(f.svc.Specs()) != 0 {
		t.Fatal("invalid spec was stored")
	}
}

func TestReloadSpecsIfChangedSkipsOwnWrites(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, _, err := f.svc.UpsertSpec(ctx, reminder.Record{Label: "standup", Kind: "daily", Time: "10:00:00"}); err != nil {
		t.Fatalf("UpsertSpec: %v", err)
	}
	rep, err := f.svc.reloadSpecsIfChanged(ctx)
	if err != nil {
		t.Fatalf("reloadSpecsIfChanged: %v", err)
	}
	if rep.Entries != 0 || rep.Inputs != 1 {
		t.Fatalf("unchanged file should not rebuild: %+v", rep)
	}

	if err := f.store.SaveSpecs(ctx, nil); err != nil {
		t.Fatalf("SaveSpecs: %v", err)
	}
	if _, err := f.svc.reloadSpecsIfChanged(ctx); err != nil {
		t.Fatalf("reloadSpecsIfChanged: %v", err)
	}
	if n := f.svc.Registry().Len(); n != 0 {
		t.Fatalf("registry len = %d after external clear", n)
	}
}

func TestDailyUpdateSendsDigestAndMondayNote(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) {
		c.DailyDigest = true
		c.MondayNote = "BBG NON FARM FORCAST"
	})
	f.svc.dailyUpdate(context.Background())

	msgs := f.disp.messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %q", msgs)
	}
	if !strings.Contains(msgs[0], "XAUUSD") {
		t.Fatalf("digest = %q", msgs[0])
	}
	if msgs[1] != "BBG NON FARM FORCAST" {
		t.Fatalf("note = %q", msgs[1])
	}
	if f.svc.Registry().Groups()[reminder.GroupSettlement] != 1 {
		t.Fatal("daily update did not rebuild the settlement group")
	}
}

func TestReloadInsideDueSecondKeepsEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, _, err := f.svc.UpsertSpec(ctx, reminder.Record{Label: "standup", Kind: "daily", Time: "09:00:10"}); err != nil {
		t.Fatalf("UpsertSpec: %v", err)
	}

	slot := time.Date(2025, 6, 9, 9, 0, 10, 0, f.loc)
	f.clk.Set(slot.Add(300 * time.Millisecond))
	if _, err := f.svc.ReloadSpecs(ctx); err != nil {
		t.Fatalf("ReloadSpecs: %v", err)
	}
	if p := f.svc.Pending(1); len(p) != 1 || !p[0].FireAt.Equal(slot) {
		t.Fatalf("pending after reload = %v, want today's %v", p, slot)
	}

	res := f.svc.poll.Tick(slot.Add(700 * time.Millisecond))
	if len(res.Fired) != 1 {
		t.Fatalf("fired = %v", res.Fired)
	}
	if msgs := f.disp.messages(); len(msgs) != 1 || !strings.Contains(msgs[0], "standup") {
		t.Fatalf("dispatched = %q", msgs)
	}
}

func TestDailyUpdateAtNotifySecondKeepsSettlement(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) {
		c.Sources = []settlement.Source{&settlement.Static{SourceName: "cfd", Periods: map[string][]reminder.SettlementRow{
			"2025-06": {{Product: "XAUUSD", RawDate: time.Date(2025, 6, 9, 8, 30, 0, 0, c.Location)}},
		}}}
	})
	ctx := context.Background()
	f.clk.Set(time.Date(2025, 6, 9, 7, 0, 0, 0, f.loc))
	if _, err := f.svc.ReloadSettlements(ctx); err != nil {
		t.Fatalf("ReloadSettlements: %v", err)
	}

	notify := time.Date(2025, 6, 9, 8, 0, 0, 0, f.loc)
	if p := f.svc.Pending(1); len(p) != 1 || !p[0].FireAt.Equal(notify) {
		t.Fatalf("pending = %v, want %v", p, notify)
	}

	// The cron job lands a few milliseconds into the second, before the tick.
	f.clk.Set(notify.Add(3 * time.Millisecond))
	f.svc.dailyUpdate(ctx)
	if p := f.svc.Pending(1); len(p) != 1 || !p[0].FireAt.Equal(notify) {
		t.Fatalf("pending after daily update = %v", p)
	}

	res := f.svc.poll.Tick(notify.Add(400 * time.Millisecond))
	if len(res.Fired) != 1 || !strings.Contains(res.Fired[0].Message, "XAUUSD") {
		t.Fatalf("fired = %v", res.Fired)
	}
}

func TestDailyUpdateSkipsNoteOffMonday(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) { c.MondayNote = "note" })
	f.clk.Set(time.Date(2025, 6, 10, 8, 0, 0, 0, f.loc))
	f.svc.dailyUpdate(context.Background())
	if msgs := f.disp.messages(); len(msgs) != 0 {
		t.Fatalf("messages = %q", msgs)
	}
}

func TestStartFiresThroughPoller(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, _, err := f.svc.UpsertSpec(ctx, reminder.Record{Label: "FOMC", At: "2025:06:09 09:00:01"}); err != nil {
		t.Fatalf("UpsertSpec: %v", err)
	}
	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := f.svc.Status()
	if !st.Running || st.PollerState != poller.Running || st.NextUpdate.IsZero() {
		t.Fatalf("status = %+v", st)
	}
	// Start reloads specs from the store; the one-off must still be there.
	if st.Groups[reminder.GroupReminders] != 1 {
		t.Fatalf("groups = %v", st.Groups)
	}

	f.clk.Add(time.Second)
	select {
	case n := <-f.disp.ch:
		if !strings.Contains(n.Message, "FOMC") {
			t.Fatalf("fired %q", n.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reminder did not fire")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	f.svc.Stop(stopCtx)
	if st := f.svc.Status(); st.Running || st.PollerState != poller.Stopped {
		t.Fatalf("status after stop = %+v", st)
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) { c.Enabled = false })
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.svc.Status().Running {
		t.Fatal("disabled scheduler reports running")
	}
}

func TestDigestRereadsSources(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	text, errs := f.svc.Digest(context.Background())
	if len(errs) != 0 {
		t.Fatalf("errs = %v", errs)
	}
	if !strings.Contains(text, "XAUUSD") || strings.Contains(text, "US30") {
		t.Fatalf("digest = %q", text)
	}
}
