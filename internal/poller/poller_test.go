package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"settlebot/internal/clock"
	"settlebot/internal/eventbus"
	"settlebot/internal/reminder"
	"settlebot/internal/schedule"
	logx "settlebot/pkg/logx"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	got  []reminder.Notification
	ch   chan reminder.Notification
	fail error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{ch: make(chan reminder.Notification, 16)}
}

func (d *fakeDispatcher) Dispatch(n reminder.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.got = append(d.got, n)
	select {
	case d.ch <- n:
	default:
	}
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.got)
}

var t0 = time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)

func oneOff(at time.Time) reminder.Notification {
	return reminder.Notification{
		FireAt:  at,
		Message: "事件提醒: test",
		Origin:  reminder.Origin{Group: reminder.GroupReminders, SpecID: "o"},
	}
}

func daily(at time.Time) reminder.Notification {
	return reminder.Notification{
		FireAt:     at,
		Message:    "每日提醒: test",
		Recurrence: reminder.Recurrence{Kind: reminder.RecurDaily, At: reminder.Of(at)},
		Origin:     reminder.Origin{Group: reminder.GroupReminders, SpecID: "d"},
	}
}

func newPoller(cfg Config, entries ...reminder.Notification) (*Poller, *schedule.Registry, *fakeDispatcher, *clock.Fake) {
	reg := schedule.New()
	for _, e := range entries {
		reg.Insert(e)
	}
	disp := newFakeDispatcher()
	clk := clock.NewFake(t0.Add(-time.Second))
	return New(cfg, clk, reg, disp, logx.Nop(), nil), reg, disp, clk
}

func TestTickDeliversExactlyOnce(t *testing.T) {
	t.Parallel()
	p, reg, disp, _ := newPoller(Config{}, oneOff(t0))

	if res := p.Tick(t0.Add(-time.Second)); len(res.Fired) != 0 {
		t.Fatalf("fired early: %v", res.Fired)
	}
	res := p.Tick(t0.Add(400 * time.Millisecond))
	if len(res.Fired) != 1 {
		t.Fatalf("expected one firing, got %v", res.Fired)
	}
	if p.Tick(t0).Fired != nil {
		t.Fatal("second tick in the same second fired again")
	}
	if disp.count() != 1 {
		t.Fatalf("dispatched %d, want 1", disp.count())
	}
	if reg.Len() != 0 {
		t.Fatalf("one-off should be removed, registry has %v", reg.All())
	}
}

func TestRecurringRescheduleHasNoDrift(t *testing.T) {
	t.Parallel()
	p, reg, _, _ := newPoller(Config{}, daily(t0))

	p.Tick(t0.Add(900 * time.Millisecond))
	all := reg.All()
	if len(all) != 1 {
		t.Fatalf("expected the next occurrence, got %v", all)
	}
	if want := t0.Add(24 * time.Hour); !all[0].FireAt.Equal(want) {
		t.Fatalf("next = %v, want %v", all[0].FireAt, want)
	}
}

func TestMissedTick(t *testing.T) {
	t.Parallel()
	p, reg, disp, _ := newPoller(Config{}, oneOff(t0), daily(t0))
	bus := eventbus.New()
	p.bus = bus
	events, unsub := bus.Subscribe(8)
	defer unsub()

	res := p.Tick(t0.Add(3 * time.Second))
	if len(res.Missed) != 2 || len(res.Fired) != 0 {
		t.Fatalf("missed=%v fired=%v", res.Missed, res.Fired)
	}
	if disp.count() != 0 {
		t.Fatal("missed entries must not be delivered")
	}
	all := reg.All()
	if len(all) != 1 || all[0].Recurrence.Kind != reminder.RecurDaily || !all[0].FireAt.Equal(t0.Add(24*time.Hour)) {
		t.Fatalf("unexpected registry after miss: %v", all)
	}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.Type != eventbus.TypeScheduleMissed {
				t.Fatalf("event type = %q", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("missing schedule.missed event")
		}
	}
	if st := p.Stats(); st.Missed != 2 || st.Ticks != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMissedRecurringLandingOnNowFires(t *testing.T) {
	t.Parallel()
	p, _, disp, _ := newPoller(Config{}, daily(t0.Add(-48*time.Hour)))

	res := p.Tick(t0)
	if len(res.Missed) != 1 || len(res.Fired) != 1 {
		t.Fatalf("missed=%v fired=%v", res.Missed, res.Fired)
	}
	if disp.count() != 1 {
		t.Fatalf("dispatched %d", disp.count())
	}
}

func TestCatchUpWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		window time.Duration
		late   time.Duration
		fired  bool
	}{
		{name: "strict", late: time.Second},
		{name: "inside window", window: 5 * time.Second, late: 3 * time.Second, fired: true},
		{name: "window edge", window: 5 * time.Second, late: 5 * time.Second, fired: true},
		{name: "beyond window", window: 5 * time.Second, late: 6 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, _, _, _ := newPoller(Config{CatchUpWindow: tt.window}, oneOff(t0))
			res := p.Tick(t0.Add(tt.late))
			if got := len(res.Fired) == 1; got != tt.fired {
				t.Fatalf("fired = %v, want %v (missed %v)", got, tt.fired, res.Missed)
			}
		})
	}
}

func TestDispatchErrorsAreCounted(t *testing.T) {
	t.Parallel()
	p, reg, disp, _ := newPoller(Config{}, oneOff(t0))
	disp.fail = errors.New("queue full")

	res := p.Tick(t0)
	if len(res.Fired) != 1 || reg.Len() != 0 {
		t.Fatalf("entry should be settled even when dispatch is rejected: %v", res)
	}
	if p.Stats().DispatchErrors != 1 {
		t.Fatalf("stats = %+v", p.Stats())
	}
}

func TestLoopFiresFromTicker(t *testing.T) {
	t.Parallel()
	p, _, disp, clk := newPoller(Config{}, oneOff(t0))

	ctx := context.Background()
	p.Start(ctx)
	p.Start(ctx) // no-op
	if p.State() != Running {
		t.Fatalf("state = %v", p.State())
	}
	clk.Add(time.Second)

	select {
	case n := <-disp.ch:
		if !n.FireAt.Equal(t0) {
			t.Fatalf("delivered %v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not dispatched")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	p.Stop(stopCtx)
	p.Stop(stopCtx)
	if p.State() != Stopped {
		t.Fatalf("state = %v", p.State())
	}
	if disp.count() != 1 {
		t.Fatalf("dispatched %d, want 1", disp.count())
	}
}

func TestLoopTicksAtMidSecond(t *testing.T) {
	t.Parallel()
	reg := schedule.New()
	reg.Insert(oneOff(t0))
	disp := newFakeDispatcher()
	clk := clock.NewFake(t0.Add(-100 * time.Millisecond))
	p := New(Config{}, clk, reg, disp, logx.Nop(), nil)

	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop(ctx)

	// Reaching the boundary itself is not a tick.
	clk.Add(100 * time.Millisecond)
	select {
	case n := <-disp.ch:
		t.Fatalf("fired on the boundary: %v", n)
	case <-time.After(50 * time.Millisecond):
	}

	clk.Add(500 * time.Millisecond)
	select {
	case n := <-disp.ch:
		if !n.FireAt.Equal(t0) {
			t.Fatalf("delivered %v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mid-second tick did not fire")
	}
	if last := p.Stats().LastTick; !last.Equal(t0) {
		t.Fatalf("last tick = %v, want %v", last, t0)
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()
	p, _, _, _ := newPoller(Config{})
	p.Stop(context.Background())
	if p.State() != Stopped {
		t.Fatalf("state = %v", p.State())
	}
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()
	p, reg, disp, clk := newPoller(Config{})
	ctx := context.Background()
	p.Start(ctx)
	p.Stop(ctx)

	reg.Insert(oneOff(t0))
	p.Start(ctx)
	defer p.Stop(ctx)
	clk.Add(time.Second)
	select {
	case <-disp.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("restarted poller did not fire")
	}
}
