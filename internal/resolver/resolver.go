// Package resolver turns reminder specs and settlement rows into concrete
// pending notifications. Resolution is a pure function of its inputs.
package resolver

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"settlebot/internal/reminder"
)

const (
	DefaultNotifyOffset  = 30 * time.Minute
	DefaultSpecialSuffix = "(提前提醒: DAY結算時間前後調整)"
)

// DefaultSpecialProducts are matched case-insensitively anywhere in the
// product name.
var DefaultSpecialProducts = []string{"HK50", "China300"}

// SourceRule describes how rows of one settlement source become specs.
type SourceRule struct {
	Label         string
	LeadOffset    time.Duration
	ProductSuffix string
}

type Config struct {
	Location        *time.Location
	NotifyOffset    time.Duration
	SpecialProducts []string
	SpecialSuffix   string
	Sources         map[string]SourceRule
}

type Resolver struct {
	loc     *time.Location
	notify  time.Duration
	special *regexp.Regexp
	suffix  string
	sources map[string]SourceRule
}

// New validates cfg and applies defaults. A nil Location means UTC.
func New(cfg Config) (*Resolver, error) {
	r := &Resolver{
		loc:     cfg.Location,
		notify:  cfg.NotifyOffset,
		suffix:  strings.TrimSpace(cfg.SpecialSuffix),
		sources: cfg.Sources,
	}
	if r.loc == nil {
		r.loc = time.UTC
	}
	if r.notify < 0 {
		return nil, fmt.Errorf("notify offset must be >= 0, got %s", r.notify)
	}
	if r.notify == 0 {
		r.notify = DefaultNotifyOffset
	}
	if r.suffix == "" {
		r.suffix = DefaultSpecialSuffix
	}
	patterns := cfg.SpecialProducts
	if patterns == nil {
		patterns = DefaultSpecialProducts
	}
	re, err := CompileSpecial(patterns)
	if err != nil {
		return nil, err
	}
	r.special = re
	return r, nil
}

// CompileSpecial builds the special-product matcher; nil when the list is
// empty.
func CompileSpecial(patterns []string) (*regexp.Regexp, error) {
	parts := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, "(?:"+p+")")
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}
	re, err := regexp.Compile("(?i)" + strings.Join(parts, "|"))
	if err != nil {
		return nil, fmt.Errorf("special products: %w", err)
	}
	return re, nil
}

func (r *Resolver) Location() *time.Location { return r.loc }

// Result is the outcome of one resolution pass. Warnings hold one error
// per skipped spec; Expired counts valid specs whose instant had passed.
type Result struct {
	Entries  []reminder.Notification
	Warnings []error
	Expired  int
}

// Resolve expands specs plus the settlement rows into pending
// notifications relative to now. The output is sorted and deterministic.
func (r *Resolver) Resolve(specs []reminder.Spec, rows []reminder.SettlementRow, now time.Time) Result {
	// Whole seconds: an entry due in the current second is still pending
	// until that second's tick has run.
	now = now.In(r.loc).Truncate(time.Second)
	all := make([]reminder.Spec, 0, len(specs)+len(rows))
	all = append(all, specs...)
	for _, s := range r.SpecsFromRows(rows) {
		all = append(all, s)
	}

	var res Result
	for _, s := range all {
		if s == nil {
			continue
		}
		if err := s.Validate(); err != nil {
			res.Warnings = append(res.Warnings, err)
			continue
		}
		n, ok := r.resolveOne(s, now)
		if !ok {
			res.Expired++
			continue
		}
		res.Entries = append(res.Entries, n)
	}
	sortEntries(res.Entries)
	return res
}

func (r *Resolver) resolveOne(s reminder.Spec, now time.Time) (reminder.Notification, bool) {
	origin := reminder.Origin{Group: reminder.GroupReminders, SpecID: s.SpecID()}
	switch v := s.(type) {
	case reminder.OneOff:
		at := v.At.In(r.loc)
		if at.Before(now) {
			return reminder.Notification{}, false
		}
		return reminder.Notification{FireAt: at, Message: OneOffMessage(v.Label, at), Origin: origin}, true

	case reminder.Daily:
		return reminder.Notification{
			FireAt:     NextDaily(v.Time, now),
			Message:    DailyMessage(v.Label, v.Time),
			Recurrence: reminder.Recurrence{Kind: reminder.RecurDaily, At: v.Time},
			Origin:     origin,
		}, true

	case reminder.Weekly:
		return reminder.Notification{
			FireAt:     NextWeekly(v.Weekday, v.Time, now),
			Message:    WeeklyMessage(v.Label, v.Weekday, v.Time),
			Recurrence: reminder.Recurrence{Kind: reminder.RecurWeekly, Weekday: v.Weekday, At: v.Time},
			Origin:     origin,
		}, true

	case reminder.Settlement:
		return r.resolveSettlement(v, now)
	}
	return reminder.Notification{}, false
}

// NextDaily is the smallest instant >= now whose wall-clock time is t.
func NextDaily(t reminder.TimeOfDay, now time.Time) time.Time {
	cand := t.On(now)
	if cand.Before(now) {
		cand = t.On(now.AddDate(0, 0, 1))
	}
	return cand
}

// NextWeekly is the next instant on weekday wd at t, today included when
// today's slot has not passed yet.
func NextWeekly(wd time.Weekday, t reminder.TimeOfDay, now time.Time) time.Time {
	days := (int(wd) - int(now.Weekday()) + 7) % 7
	cand := t.On(now.AddDate(0, 0, days))
	if days == 0 && cand.Before(now) {
		cand = t.On(now.AddDate(0, 0, 7))
	}
	return cand
}

func sortEntries(es []reminder.Notification) {
	sort.SliceStable(es, func(i, j int) bool {
		if !es[i].FireAt.Equal(es[j].FireAt) {
			return es[i].FireAt.Before(es[j].FireAt)
		}
		if es[i].Message != es[j].Message {
			return es[i].Message < es[j].Message
		}
		return es[i].Origin.SpecID < es[j].Origin.SpecID
	})
}
