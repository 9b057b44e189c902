package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"settlebot/internal/clock"
	"settlebot/internal/eventbus"
	"settlebot/internal/poller"
	"settlebot/internal/reminder"
	"settlebot/internal/resolver"
	"settlebot/internal/runtime/filewatch"
	"settlebot/internal/runtime/supervisor"
	"settlebot/internal/schedule"
	"settlebot/internal/settlement"
	"settlebot/internal/storage"
	logx "settlebot/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	cfg  Config
	res  *resolver.Resolver
	clk  clock.Clock
	reg  *schedule.Registry
	poll *poller.Poller
	disp poller.Dispatcher

	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	// editMu serializes spec edits and reloads so persist + registry
	// updates are applied in the same order.
	editMu    sync.Mutex
	specs     []reminder.Record
	specsHash uint64

	parser  cron.Parser
	c       *cron.Cron
	entryID cron.EntryID
	runCtx  context.Context
	cancel  context.CancelFunc
	watch   *supervisor.Supervisor

	period     string
	lastUpdate time.Time
	sourceErrs []string
}

func New(cfg Config, clk clock.Clock, disp poller.Dispatcher, store storage.Store, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = clk.Location()
	}
	cfg.Resolver.Location = cfg.Location
	res, err := resolver.New(cfg.Resolver)
	if err != nil {
		return nil, err
	}
	reg := schedule.New()
	s := &Service{
		cfg:   cfg,
		res:   res,
		clk:   clk,
		reg:   reg,
		disp:  disp,
		store: store,
		log:   log,
		bus:   bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	s.poll = poller.New(cfg.Poller, clk, reg, disp, log.With(logx.String("comp", "poller")), bus)
	return s, nil
}

func (s *Service) Registry() *schedule.Registry { return s.reg }

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) now() time.Time {
	s.mu.Lock()
	loc := s.cfg.Location
	s.mu.Unlock()
	return s.clk.Now().In(loc)
}

// Start loads specs, resolves both groups, then starts the poller, the
// daily-update trigger and, for file stores, the spec file watch.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("scheduler disabled")
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	s.mu.Unlock()

	if _, err := s.ReloadSpecs(runCtx); err != nil {
		s.log.Warn("reminder specs not loaded", logx.Err(err))
	}
	if _, err := s.ReloadSettlements(runCtx); err != nil {
		s.log.Warn("settlement update failed", logx.Err(err))
	}

	s.mu.Lock()
	if err := s.startCronLocked(); err != nil {
		s.mu.Unlock()
		s.cancel()
		return err
	}
	loc := s.cfg.Location
	s.mu.Unlock()

	s.poll.Start(runCtx)

	if w, ok := s.store.(storage.Watchable); ok {
		path := w.SpecPath()
		wlog := s.log.With(logx.String("comp", "specwatch"))
		sup := supervisor.NewSupervisor(runCtx, supervisor.WithLogger(wlog))
		sup.Go("specwatch", func(ctx context.Context) error {
			err := filewatch.Watch(ctx, path, filewatch.Options{Log: wlog}, func() {
				if _, err := s.reloadSpecsIfChanged(ctx); err != nil {
					wlog.Warn("reminder file reload failed", logx.String("path", path), logx.Err(err))
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				wlog.Error("reminder file watch stopped", logx.String("path", path), logx.Err(err))
			}
			return err
		})
		s.mu.Lock()
		s.watch = sup
		s.mu.Unlock()
	}
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("pending", s.reg.Len()))
	return nil
}

func (s *Service) startCronLocked() error {
	t := s.cfg.DailyUpdate
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.cfg.Location))
	spec := fmt.Sprintf("%d %d %d * * *", t.Second, t.Minute, t.Hour)
	runCtx := s.runCtx
	id, err := s.c.AddFunc(spec, func() { s.dailyUpdate(runCtx) })
	if err != nil {
		s.c = nil
		return fmt.Errorf("daily update %q: %w", spec, err)
	}
	s.entryID = id
	s.c.Start()
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	watch := s.watch
	s.c = nil
	s.cancel = nil
	s.watch = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.poll.Stop(ctx)
	if watch != nil {
		if err := watch.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("spec watch stop incomplete", logx.Err(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the configuration and re-resolves both groups. The poller
// tick period applies on the next start.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if cfg.Location == nil {
		cfg.Location = s.clk.Location()
	}
	cfg.Resolver.Location = cfg.Location
	res, err := resolver.New(cfg.Resolver)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.res = res
	restartCron := s.c != nil && (old.Location.String() != cfg.Location.String() || old.DailyUpdate != cfg.DailyUpdate)
	var oldCron *cron.Cron
	if restartCron {
		oldCron = s.c
		if err := s.startCronLocked(); err != nil {
			s.c = oldCron
			s.mu.Unlock()
			return err
		}
	}
	running := s.c != nil
	s.mu.Unlock()

	if oldCron != nil {
		<-oldCron.Stop().Done()
		s.log.Info("daily update rescheduled", logx.String("tz", cfg.Location.String()), logx.String("at", cfg.DailyUpdate.String()))
	}
	s.poll.Apply(cfg.Poller)

	if old.Enabled != cfg.Enabled {
		if cfg.Enabled && !running {
			return s.Start(ctx)
		}
		if !cfg.Enabled && running {
			s.Stop(ctx)
			return nil
		}
	}
	if !running {
		return nil
	}
	if _, err := s.ReloadSpecs(ctx); err != nil {
		return err
	}
	_, err = s.ReloadSettlements(ctx)
	return err
}

// ReloadSettlements rebuilds the settlement group from the current period
// of every source. A failing source is reported and skipped.
func (s *Service) ReloadSettlements(ctx context.Context) (Report, error) {
	s.mu.Lock()
	sources := append([]settlement.Source(nil), s.cfg.Sources...)
	res := s.res
	s.mu.Unlock()

	now := s.now()
	period := settlement.PeriodKey(now)
	col := settlement.Collect(ctx, sources, period)
	out := res.Resolve(nil, col.Rows, now)
	s.reg.Replace(reminder.GroupSettlement, out.Entries)

	errs := make([]string, 0, len(col.Errors))
	for _, err := range col.Errors {
		s.log.Warn("settlement source skipped", logx.Err(err))
		errs = append(errs, err.Error())
	}
	for _, w := range out.Warnings {
		s.log.Warn("settlement row skipped", logx.Err(w))
	}

	s.mu.Lock()
	s.period = period
	s.lastUpdate = now
	s.sourceErrs = errs
	s.mu.Unlock()

	rep := Report{
		Group:    reminder.GroupSettlement,
		Period:   period,
		Inputs:   len(col.Rows),
		Entries:  len(out.Entries),
		Expired:  out.Expired,
		Warnings: append(col.Errors, out.Warnings...),
	}
	eventbus.Publish(s.bus, eventbus.TypeScheduleReplaced, rep)
	s.log.Info("settlements updated",
		logx.String("period", period),
		logx.Int("rows", rep.Inputs),
		logx.Int("scheduled", rep.Entries),
		logx.Int("sources_failed", len(col.Errors)),
	)
	if len(sources) > 0 && len(col.Errors) == len(sources) {
		return rep, errors.Join(col.Errors...)
	}
	return rep, nil
}

// ReloadSpecs reloads the user reminders from the store (or the inline
// config) and rebuilds the reminders group.
func (s *Service) ReloadSpecs(ctx context.Context) (Report, error) {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	recs, err := s.loadRecordsLocked(ctx)
	if err != nil {
		return Report{Group: reminder.GroupReminders}, err
	}
	return s.applySpecsLocked(recs), nil
}

func (s *Service) reloadSpecsIfChanged(ctx context.Context) (Report, error) {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	recs, err := s.loadRecordsLocked(ctx)
	if err != nil {
		return Report{Group: reminder.GroupReminders}, err
	}
	if hashRecords(recs) == s.specsHash {
		return Report{Group: reminder.GroupReminders, Inputs: len(recs)}, nil
	}
	s.log.Info("reminder file changed; reloading", logx.Int("specs", len(recs)))
	return s.applySpecsLocked(recs), nil
}

func (s *Service) loadRecordsLocked(ctx context.Context) ([]reminder.Record, error) {
	s.mu.Lock()
	inline := append([]reminder.Record(nil), s.cfg.InlineSpecs...)
	s.mu.Unlock()

	if s.store == nil {
		reminder.EnsureID(inline)
		return inline, nil
	}
	recs, err := s.store.LoadSpecs(ctx)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 && len(inline) > 0 {
		reminder.EnsureID(inline)
		if err := s.store.SaveSpecs(ctx, inline); err != nil {
			return nil, fmt.Errorf("seed store: %w", err)
		}
		s.log.Info("store seeded from config", logx.Int("specs", len(inline)))
		return inline, nil
	}
	// Hand-edited files may lack ids; persist the generated ones so
	// /del works across restarts.
	if reminder.EnsureID(recs) {
		if err := s.store.SaveSpecs(ctx, recs); err != nil {
			s.log.Warn("could not persist generated ids", logx.Err(err))
		}
	}
	return recs, nil
}

func (s *Service) applySpecsLocked(recs []reminder.Record) Report {
	s.mu.Lock()
	loc := s.cfg.Location
	res := s.res
	s.mu.Unlock()

	now := s.clk.Now().In(loc)
	specs, warnings := toSpecs(recs, loc)
	out := res.Resolve(specs, nil, now)
	s.reg.Replace(reminder.GroupReminders, out.Entries)
	s.specs = recs
	s.specsHash = hashRecords(recs)

	warnings = append(warnings, out.Warnings...)
	for _, w := range warnings {
		s.log.Warn("reminder skipped", logx.Err(w))
	}
	rep := Report{Group: reminder.GroupReminders, Inputs: len(recs), Entries: len(out.Entries), Expired: out.Expired, Warnings: warnings}
	eventbus.Publish(s.bus, eventbus.TypeScheduleReplaced, rep)
	s.log.Info("reminders updated", logx.Int("specs", len(recs)), logx.Int("scheduled", rep.Entries), logx.Int("skipped", len(warnings)))
	return rep
}

func toSpecs(recs []reminder.Record, loc *time.Location) ([]reminder.Spec, []error) {
	specs := make([]reminder.Spec, 0, len(recs))
	var warnings []error
	for _, r := range recs {
		sp, err := r.Spec(loc)
		if err != nil {
			warnings = append(warnings, err)
			continue
		}
		specs = append(specs, sp)
	}
	return specs, warnings
}

// UpsertSpec validates rec, persists it and swaps its pending entries in
// one step. A record without id is added with a fresh one.
func (s *Service) UpsertSpec(ctx context.Context, rec reminder.Record) (reminder.Record, []reminder.Notification, error) {
	s.mu.Lock()
	loc := s.cfg.Location
	res := s.res
	s.mu.Unlock()

	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		rec.ID = reminder.NewID()
	}
	sp, err := rec.Spec(loc)
	if err != nil {
		return reminder.Record{}, nil, err
	}
	// Store the normalized form so the file shows what will run.
	if norm, ok := reminder.RecordOf(sp); ok {
		rec = norm
	}

	s.editMu.Lock()
	defer s.editMu.Unlock()
	next := make([]reminder.Record, 0, len(s.specs)+1)
	replaced := false
	for _, r := range s.specs {
		if r.ID == rec.ID {
			next = append(next, rec)
			replaced = true
			continue
		}
		next = append(next, r)
	}
	if !replaced {
		next = append(next, rec)
	}
	if err := s.persistLocked(ctx, next); err != nil {
		return reminder.Record{}, nil, err
	}

	out := res.Resolve([]reminder.Spec{sp}, nil, s.clk.Now().In(loc))
	s.reg.ReplaceSpec(reminder.Origin{Group: reminder.GroupReminders, SpecID: rec.ID}, out.Entries)
	s.specs = next
	s.specsHash = hashRecords(next)
	s.log.Info("reminder saved", logx.String("id", rec.ID), logx.String("label", rec.Label), logx.Int("scheduled", len(out.Entries)))
	return rec, out.Entries, nil
}

// DeleteSpec removes a spec and its pending entries.
func (s *Service) DeleteSpec(ctx context.Context, id string) (reminder.Record, error) {
	id = strings.TrimSpace(id)
	s.editMu.Lock()
	defer s.editMu.Unlock()
	var (
		gone  reminder.Record
		found bool
	)
	next := make([]reminder.Record, 0, len(s.specs))
	for _, r := range s.specs {
		if r.ID == id || (len(id) >= 6 && strings.HasPrefix(r.ID, id) && !found) {
			gone, found = r, true
			continue
		}
		next = append(next, r)
	}
	if !found {
		return reminder.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.persistLocked(ctx, next); err != nil {
		return reminder.Record{}, err
	}
	s.reg.ReplaceSpec(reminder.Origin{Group: reminder.GroupReminders, SpecID: gone.ID}, nil)
	s.specs = next
	s.specsHash = hashRecords(next)
	s.log.Info("reminder deleted", logx.String("id", gone.ID), logx.String("label", gone.Label))
	return gone, nil
}

func (s *Service) persistLocked(ctx context.Context, recs []reminder.Record) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveSpecs(ctx, recs); err != nil {
		return fmt.Errorf("save reminders: %w", err)
	}
	return nil
}

func (s *Service) Specs() []reminder.Record {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	return append([]reminder.Record(nil), s.specs...)
}

// Pending returns the n soonest entries (all when n <= 0).
func (s *Service) Pending(n int) []reminder.Notification { return s.reg.Next(n) }

// Digest re-reads every source and renders today's and tomorrow's
// settlements.
func (s *Service) Digest(ctx context.Context) (string, []error) {
	s.mu.Lock()
	sources := append([]settlement.Source(nil), s.cfg.Sources...)
	res := s.res
	s.mu.Unlock()
	now := s.now()
	col := settlement.Collect(ctx, sources, settlement.PeriodKey(now))
	return res.Digest(col.Rows, now), col.Errors
}

func (s *Service) dailyUpdate(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.log.Info("daily update")
	if _, err := s.ReloadSettlements(ctx); err != nil {
		s.log.Warn("daily update failed", logx.Err(err))
	}

	s.mu.Lock()
	digest := s.cfg.DailyDigest
	note := strings.TrimSpace(s.cfg.MondayNote)
	s.mu.Unlock()
	now := s.now()

	if digest {
		text, _ := s.Digest(ctx)
		s.send(now, "daily", text)
	}
	if note != "" && now.Weekday() == time.Monday {
		s.send(now, "monday", note)
	}
}

func (s *Service) send(now time.Time, id, text string) {
	if s.disp == nil {
		return
	}
	n := reminder.Notification{FireAt: now, Message: text, Origin: reminder.Origin{Group: GroupDigest, SpecID: id}}
	if err := s.disp.Dispatch(n); err != nil {
		s.log.Warn("digest not sent", logx.String("id", id), logx.Err(err))
	}
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		Enabled:      s.cfg.Enabled,
		Running:      s.c != nil,
		Timezone:     s.cfg.Location.String(),
		Period:       s.period,
		LastUpdate:   s.lastUpdate,
		SourceErrors: append([]string(nil), s.sourceErrs...),
	}
	if s.c != nil && s.entryID != 0 {
		st.NextUpdate = s.c.Entry(s.entryID).Next
	}
	s.mu.Unlock()

	st.Now = s.now()
	st.Pending = s.reg.Len()
	st.Groups = s.reg.Groups()
	st.PollerState = s.poll.State()
	st.Poller = s.poll.Stats()
	s.editMu.Lock()
	st.Specs = len(s.specs)
	s.editMu.Unlock()
	return st
}

func hashRecords(recs []reminder.Record) uint64 {
	h := fnv.New64a()
	for _, r := range recs {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%s\n", r.ID, r.Kind, r.Label, r.Day, r.Time, r.At)
	}
	return h.Sum64()
}
