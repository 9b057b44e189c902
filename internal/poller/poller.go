// Package poller drives delivery: once per tick it compares the pending
// notifications against the current second and hands due ones to the
// dispatcher.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	jclock "github.com/jmhodges/clock"

	"settlebot/internal/clock"
	"settlebot/internal/eventbus"
	"settlebot/internal/reminder"
	"settlebot/internal/runtime/supervisor"
	"settlebot/internal/schedule"
	logx "settlebot/pkg/logx"
)

const DefaultTick = time.Second

type State int32

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Dispatcher accepts a due notification without waiting for delivery.
type Dispatcher interface {
	Dispatch(n reminder.Notification) error
}

type Config struct {
	Tick time.Duration
	// CatchUpWindow lets an entry fire up to this long after its second.
	// Zero keeps the exact-second match.
	CatchUpWindow time.Duration
}

type Stats struct {
	Ticks          uint64
	Fired          uint64
	Missed         uint64
	DispatchErrors uint64
	LastTick       time.Time
}

// TickResult reports what one tick did.
type TickResult struct {
	Now    time.Time
	Fired  []reminder.Notification
	Missed []reminder.Notification
}

type Poller struct {
	mu  sync.Mutex
	cfg Config
	sup *supervisor.Supervisor

	clk  clock.Clock
	reg  *schedule.Registry
	disp Dispatcher
	log  logx.Logger
	bus  eventbus.Bus

	state atomic.Int32

	ticks    atomic.Uint64
	fired    atomic.Uint64
	missed   atomic.Uint64
	dispErrs atomic.Uint64
	lastTick atomic.Int64
}

func New(cfg Config, clk clock.Clock, reg *schedule.Registry, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{cfg: normalize(cfg), clk: clk, reg: reg, disp: disp, log: log, bus: bus}
}

func normalize(cfg Config) Config {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.CatchUpWindow < 0 {
		cfg.CatchUpWindow = 0
	}
	return cfg
}

// Apply updates the configuration. The catch-up window applies from the
// next tick; a new tick period applies on the next Start.
func (p *Poller) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = normalize(cfg)
	p.mu.Unlock()
}

func (p *Poller) State() State { return State(p.state.Load()) }

func (p *Poller) Stats() Stats {
	st := Stats{
		Ticks:          p.ticks.Load(),
		Fired:          p.fired.Load(),
		Missed:         p.missed.Load(),
		DispatchErrors: p.dispErrs.Load(),
	}
	if ns := p.lastTick.Load(); ns != 0 {
		st.LastTick = time.Unix(0, ns).In(p.clk.Location())
	}
	return st
}

// Start launches the tick loop. Starting a running poller logs a warning
// and does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil {
		p.log.Warn("poller already running")
		return
	}
	period := p.cfg.Tick
	timer := p.clk.NewTimer(clock.UntilNextTick(p.clk.Now(), period))
	p.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(p.log))
	p.state.Store(int32(Running))
	p.sup.Go0("poller.loop", func(ctx context.Context) {
		defer timer.Stop()
		p.loop(ctx, timer, period)
	})
	p.log.Info("poller started", logx.Duration("tick", p.cfg.Tick), logx.Duration("catch_up_window", p.cfg.CatchUpWindow))
}

// Stop cancels the loop and waits for it to exit or for ctx to expire.
// It is safe to call repeatedly and from any goroutine.
func (p *Poller) Stop(ctx context.Context) {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	p.mu.Unlock()
	if sup == nil {
		return
	}
	start := time.Now()
	if err := sup.Stop(ctx); err != nil {
		p.log.Warn("poller stop incomplete", logx.Err(err))
	}
	p.state.Store(int32(Stopped))
	p.log.Info("poller stopped", logx.Duration("took", time.Since(start)))
}

// loop ticks half a period past each boundary and re-arms from the clock
// after every tick, so a slow tick shifts nothing but itself.
func (p *Poller) loop(ctx context.Context, timer *jclock.Timer, period time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if ctx.Err() != nil {
				return
			}
			p.Tick(p.clk.Now())
			timer.Reset(clock.UntilNextTick(p.clk.Now(), period))
		}
	}
}

// Tick runs one evaluation at now. Missed entries are settled first so a
// recurring entry that lands exactly on now still fires in this tick.
func (p *Poller) Tick(now time.Time) TickResult {
	now = now.Truncate(time.Second)
	p.mu.Lock()
	window := p.cfg.CatchUpWindow
	p.mu.Unlock()

	p.ticks.Add(1)
	p.lastTick.Store(now.UnixNano())
	res := TickResult{Now: now}

	var stale, due []reminder.Notification
	for _, n := range p.reg.All() {
		at := n.FireAt.Truncate(time.Second)
		switch {
		case at.After(now):
		case at.Before(now) && at.Before(now.Add(-window)):
			stale = append(stale, n)
		default:
			due = append(due, n)
		}
	}
	if len(stale) > 0 {
		res.Missed = p.reg.Settle(stale, func(n reminder.Notification) (reminder.Notification, bool) {
			return n.NextAtOrAfter(now)
		})
		for _, n := range res.Missed {
			p.missed.Add(1)
			p.log.Warn("notification missed",
				logx.Time("fire_at", n.FireAt),
				logx.String("recurrence", n.Recurrence.String()),
				logx.String("spec", n.Origin.SpecID),
				logx.String("message", n.Message),
			)
			eventbus.Publish(p.bus, eventbus.TypeScheduleMissed, n)
			// A recurring entry caught up onto now fires in this tick.
			if next, ok := n.NextAtOrAfter(now); ok && next.FireAt.Truncate(time.Second).Equal(now) {
				due = append(due, next)
			}
		}
	}
	if len(due) == 0 {
		return res
	}
	// Advance past now so a caught-up entry cannot be re-inserted as due.
	res.Fired = p.reg.Settle(due, func(n reminder.Notification) (reminder.Notification, bool) {
		return n.NextAtOrAfter(now.Add(time.Second))
	})
	for _, n := range res.Fired {
		p.fired.Add(1)
		eventbus.Publish(p.bus, eventbus.TypeScheduleFired, n)
		if p.disp == nil {
			continue
		}
		if err := p.disp.Dispatch(n); err != nil {
			p.dispErrs.Add(1)
			p.log.Warn("dispatch rejected", logx.String("spec", n.Origin.SpecID), logx.String("message", n.Message), logx.Err(err))
		}
	}
	return res
}
