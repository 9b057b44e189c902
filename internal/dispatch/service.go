package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"settlebot/internal/eventbus"
	"settlebot/internal/reminder"
	rtsup "settlebot/internal/runtime/supervisor"
	"settlebot/internal/storage"
	kit "settlebot/internal/transport"
	logx "settlebot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("dispatcher disabled")
	ErrQueueFull = errors.New("dispatcher queue full")
	ErrStopped   = errors.New("dispatcher stopped")
	ErrNoTarget  = errors.New("no delivery target configured")
)

type job struct {
	n      reminder.Notification
	target kit.ChatTarget
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	log   logx.Logger
	sink  kit.Sink
	bus   eventbus.Bus
	audit Auditor

	cfg     Config
	target  kit.ChatTarget
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// after is swapped in tests to observe backoff pauses.
	after func(time.Duration) <-chan time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sink kit.Sink, target kit.ChatTarget, log logx.Logger, bus eventbus.Bus, audit Auditor) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		sink:   sink,
		target: target,
		log:    log,
		bus:    bus,
		audit:  audit,
		after:  time.After,
	}
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	d.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (d *Dispatcher) SetSink(s kit.Sink) {
	d.mu.Lock()
	d.sink = s
	d.mu.Unlock()
}

func (d *Dispatcher) SetTarget(t kit.ChatTarget) {
	d.mu.Lock()
	d.target = t
	d.mu.Unlock()
}

func (d *Dispatcher) Target() kit.ChatTarget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

func (d *Dispatcher) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Enabled
}

// Start is idempotent. A disabled dispatcher does not start workers.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.queue != nil || !d.cfg.Enabled {
		d.mu.Unlock()
		return
	}

	d.queue = make(chan job, d.cfg.QueueSize)
	d.accepting = true
	workers := d.cfg.Workers
	d.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(d.log),
		rtsup.WithCancelOnError(false),
	)
	sup := d.sup
	q := d.queue
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("dispatch.worker.%d", i), func(c context.Context) error {
			d.workerLoop(c, q)
			d.mu.Lock()
			stopping := d.stopDone != nil
			d.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("dispatch worker exited unexpectedly")
		})
	}
	d.log.Info("dispatcher started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	q := d.queue
	sup := d.sup
	if q == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish before the queue closes.
		d.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		d.mu.Lock()
		d.queue = nil
		d.stopDone = nil
		d.sup = nil
		d.mu.Unlock()
	}()

	select {
	case <-done:
		d.log.Info("dispatcher stopped")
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		d.log.Warn("dispatcher stop timed out; pending deliveries abandoned")
	}
}

// Dispatch queues n for delivery to the configured target. It never blocks.
func (d *Dispatcher) Dispatch(n reminder.Notification) error {
	d.mu.Lock()
	if !d.cfg.Enabled {
		d.mu.Unlock()
		return ErrDisabled
	}
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	q := d.queue
	target := d.target
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	select {
	case q <- job{n: n, target: target}:
		return nil
	default:
		d.publish(eventbus.TypeDeliveryDropped, n, target, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

// Deliver sends message to target, retrying with a fixed pause. When every
// attempt fails it returns a *reminder.DeliveryError.
func (d *Dispatcher) Deliver(ctx context.Context, target kit.ChatTarget, message string) error {
	_, err := d.deliver(ctx, target, message)
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, target kit.ChatTarget, message string) (int, error) {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	sink := d.sink
	after := d.after
	d.mu.Unlock()

	if sink == nil {
		return 0, &reminder.DeliveryError{Message: message, Err: errors.New("no sink configured")}
	}
	if target.IsZero() {
		return 0, &reminder.DeliveryError{Message: message, Err: ErrNoTarget}
	}

	var lastErr error
	attempts := 0
	for attempts < cfg.Attempts {
		if attempts > 0 {
			select {
			case <-after(cfg.Backoff):
			case <-ctx.Done():
				return attempts, &reminder.DeliveryError{Attempts: attempts, Message: message, Err: errors.Join(lastErr, ctx.Err())}
			}
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return attempts, &reminder.DeliveryError{Attempts: attempts, Message: message, Err: errors.Join(lastErr, err)}
			}
		}
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := sink.Send(callCtx, target, message)
		cancel()
		if err == nil {
			if attempts > 1 {
				d.log.Info("delivered after retry", logx.Int("attempt", attempts))
			}
			return attempts, nil
		}
		lastErr = err
		d.log.Warn("send attempt failed",
			logx.Int("attempt", attempts),
			logx.Int("max", cfg.Attempts),
			logx.Int64("chat_id", target.ChatID),
			logx.Err(err),
		)
	}
	derr := &reminder.DeliveryError{Attempts: attempts, Message: message, Err: lastErr}
	d.log.Error("delivery failed", logx.Int("attempts", attempts), logx.String("message", message), logx.Err(lastErr))
	return attempts, derr
}

func (d *Dispatcher) History() []HistoryItem {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]HistoryItem(nil), d.history...)
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			d.process(ctx, j)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	attempts, err := d.deliver(ctx, j.target, j.n.Message)

	item := HistoryItem{At: time.Now(), FireAt: j.n.FireAt, SpecID: j.n.Origin.SpecID, Text: j.n.Message, Attempts: attempts}
	if err != nil {
		item.Err = err.Error()
		d.publish(eventbus.TypeDeliveryFailed, j.n, j.target, attempts, err)
	} else {
		d.log.Info("notification delivered", logx.String("spec", j.n.Origin.SpecID), logx.Time("fire_at", j.n.FireAt))
		d.publish(eventbus.TypeDeliverySent, j.n, j.target, attempts, nil)
	}
	d.appendHistory(item)
	d.record(j, item, err == nil)
}

func (d *Dispatcher) appendHistory(it HistoryItem) {
	d.mu.Lock()
	limit := d.cfg.HistorySize
	d.mu.Unlock()
	d.hmu.Lock()
	d.history = append(d.history, it)
	if len(d.history) > limit {
		d.history = d.history[len(d.history)-limit:]
	}
	d.hmu.Unlock()
}

func (d *Dispatcher) record(j job, it HistoryItem, ok bool) {
	d.mu.Lock()
	a := d.audit
	d.mu.Unlock()
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := a.AppendDelivery(ctx, storage.DeliveryRecord{
		At:       it.At,
		FireAt:   j.n.FireAt,
		Group:    j.n.Origin.Group,
		SpecID:   j.n.Origin.SpecID,
		ChatID:   j.target.ChatID,
		ThreadID: j.target.ThreadID,
		Message:  j.n.Message,
		Attempts: it.Attempts,
		OK:       ok,
		Error:    it.Err,
	})
	if err != nil {
		d.log.Debug("delivery audit failed", logx.Err(err))
	}
}

func (d *Dispatcher) publish(typ string, n reminder.Notification, target kit.ChatTarget, attempts int, err error) {
	d.mu.Lock()
	bus := d.bus
	d.mu.Unlock()
	if bus == nil {
		return
	}
	now := time.Now()
	ev := Event{
		SpecID:   n.Origin.SpecID,
		Group:    n.Origin.Group,
		ChatID:   target.ChatID,
		ThreadID: target.ThreadID,
		FireAt:   n.FireAt,
		At:       now,
		Attempts: attempts,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}
