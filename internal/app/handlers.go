package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"settlebot/internal/commands"
	"settlebot/internal/dispatch"
	"settlebot/internal/reminder"
	"settlebot/internal/scheduler"
	kit "settlebot/internal/transport"
)

const (
	defaultNextCount = 5
	maxNextCount     = 50
	commandTimeout   = 30 * time.Second
)

// schedulerPort is the slice of the scheduler the chat commands use.
type schedulerPort interface {
	Status() scheduler.Status
	Pending(n int) []reminder.Notification
	Digest(ctx context.Context) (string, []error)
	ReloadSettlements(ctx context.Context) (scheduler.Report, error)
	ReloadSpecs(ctx context.Context) (scheduler.Report, error)
	Specs() []reminder.Record
	UpsertSpec(ctx context.Context, rec reminder.Record) (reminder.Record, []reminder.Notification, error)
	DeleteSpec(ctx context.Context, id string) (reminder.Record, error)
}

type deliveryPort interface {
	Enabled() bool
	Target() kit.ChatTarget
	History() []dispatch.HistoryItem
}

func commandSet(s schedulerPort, d deliveryPort) []commands.Command {
	owner := commands.AccessOwnerOnly
	return []commands.Command{
		{
			Name:        "status",
			Description: "scheduler and delivery status",
			Access:      owner,
			Handle: func(ctx context.Context, req *commands.Request) error {
				return req.Reply(ctx, renderStatus(s.Status(), d))
			},
		},
		{
			Name:        "next",
			Aliases:     []string{"pending"},
			Description: "upcoming notifications",
			Usage:       "/next [n]",
			Access:      owner,
			Handle: func(ctx context.Context, req *commands.Request) error {
				n := defaultNextCount
				if len(req.Args) > 0 {
					v, err := strconv.Atoi(req.Args[0])
					if err != nil || v <= 0 {
						return commands.Usage("usage: /next [n]")
					}
					n = min(v, maxNextCount)
				}
				return req.Reply(ctx, renderPending(s.Pending(n)))
			},
		},
		{
			Name:        "check",
			Description: "settlements today and tomorrow",
			Access:      owner,
			Timeout:     commandTimeout,
			Handle: func(ctx context.Context, req *commands.Request) error {
				text, errs := s.Digest(ctx)
				for _, err := range errs {
					text += "\n⚠️ " + err.Error()
				}
				return req.Reply(ctx, text)
			},
		},
		{
			Name:        "reload",
			Description: "re-read settlement sheets and reminders",
			Access:      owner,
			Timeout:     commandTimeout,
			Handle: func(ctx context.Context, req *commands.Request) error {
				set, setErr := s.ReloadSettlements(ctx)
				specs, specErr := s.ReloadSpecs(ctx)
				lines := []string{
					fmt.Sprintf("settlements %s: %d rows, %d scheduled", set.Period, set.Inputs, set.Entries),
					fmt.Sprintf("reminders: %d specs, %d scheduled", specs.Inputs, specs.Entries),
				}
				for _, w := range append(set.Warnings, specs.Warnings...) {
					lines = append(lines, "⚠️ "+w.Error())
				}
				if err := req.Reply(ctx, strings.Join(lines, "\n")); err != nil {
					return err
				}
				return errors.Join(setErr, specErr)
			},
		},
		{
			Name:        "list",
			Description: "stored reminders",
			Access:      owner,
			Handle: func(ctx context.Context, req *commands.Request) error {
				return req.Reply(ctx, renderSpecs(s.Specs()))
			},
		},
		{
			Name:        "add_event",
			Description: "add a one-off reminder",
			Usage:       "/add_event label,2025:06:09 21:30:00",
			Access:      owner,
			Handle: func(ctx context.Context, req *commands.Request) error {
				rec, err := reminder.ParseEventLine(req.Rest)
				if err != nil {
					return commands.Usage("usage: /add_event label,yyyy:MM:dd HH:mm:ss")
				}
				return upsert(ctx, s, req, rec)
			},
		},
		{
			Name:        "add_weekly",
			Description: "add a weekly or daily reminder",
			Usage:       "/add_weekly label,Monday,09:00:00 (day 每日 for daily)",
			Access:      owner,
			Handle: func(ctx context.Context, req *commands.Request) error {
				rec, err := reminder.ParseWeeklyLine(req.Rest)
				if err != nil {
					return commands.Usage("usage: /add_weekly label,day,HH:mm:ss")
				}
				return upsert(ctx, s, req, rec)
			},
		},
		{
			Name:        "del",
			Aliases:     []string{"delete"},
			Description: "delete a reminder by id",
			Usage:       "/del <id>",
			Access:      owner,
			Handle: func(ctx context.Context, req *commands.Request) error {
				if len(req.Args) != 1 {
					return commands.Usage("usage: /del <id>")
				}
				rec, err := s.DeleteSpec(ctx, req.Args[0])
				if errors.Is(err, scheduler.ErrNotFound) {
					return commands.Usage("no reminder with id %s", req.Args[0])
				}
				if err != nil {
					return err
				}
				return req.Reply(ctx, "deleted "+shortID(rec.ID)+" "+rec.Label)
			},
		},
	}
}

func upsert(ctx context.Context, s schedulerPort, req *commands.Request, rec reminder.Record) error {
	saved, entries, err := s.UpsertSpec(ctx, rec)
	var perr *reminder.SpecParseError
	if errors.As(err, &perr) {
		return commands.Usage("invalid %s: %q", perr.Field, perr.Value)
	}
	if err != nil {
		return err
	}
	text := "saved " + shortID(saved.ID) + " " + saved.Label
	if len(entries) == 0 {
		text += " (already past, nothing scheduled)"
	} else {
		text += "\nnext: " + entries[0].FireAt.Format("2006-01-02 15:04:05")
	}
	return req.Reply(ctx, text)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderPending(ns []reminder.Notification) string {
	if len(ns) == 0 {
		return "nothing scheduled"
	}
	lines := make([]string, 0, len(ns))
	for _, n := range ns {
		lines = append(lines, n.FireAt.Format("01-02 15:04:05")+"  "+n.Message)
	}
	return strings.Join(lines, "\n")
}

func renderSpecs(recs []reminder.Record) string {
	if len(recs) == 0 {
		return "no reminders stored"
	}
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		when := r.At
		if when == "" {
			when = strings.TrimSpace(r.Day + " " + r.Time)
		}
		lines = append(lines, fmt.Sprintf("%s  %s  %s  %s", shortID(r.ID), r.Kind, r.Label, when))
	}
	return strings.Join(lines, "\n")
}

func renderStatus(st scheduler.Status, d deliveryPort) string {
	state := "stopped"
	if st.Running {
		state = "running"
	}
	if !st.Enabled {
		state = "disabled"
	}
	lines := []string{
		"scheduler: " + state + " (" + st.Timezone + ")",
		"now: " + st.Now.Format("2006-01-02 15:04:05"),
		fmt.Sprintf("pending: %d (settlement %d, reminders %d)", st.Pending, st.Groups[reminder.GroupSettlement], st.Groups[reminder.GroupReminders]),
		fmt.Sprintf("specs: %d", st.Specs),
		fmt.Sprintf("poller: %s ticks=%d fired=%d missed=%d", st.PollerState, st.Poller.Ticks, st.Poller.Fired, st.Poller.Missed),
	}
	if st.Period != "" {
		lines = append(lines, "period: "+st.Period+" updated "+st.LastUpdate.Format("01-02 15:04:05"))
	}
	if !st.NextUpdate.IsZero() {
		lines = append(lines, "next update: "+st.NextUpdate.In(st.Now.Location()).Format("01-02 15:04:05"))
	}
	for _, e := range st.SourceErrors {
		lines = append(lines, "⚠️ "+e)
	}
	if d != nil {
		t := d.Target()
		lines = append(lines, fmt.Sprintf("delivery: enabled=%t chat=%d", d.Enabled(), t.ChatID))
		if h := d.History(); len(h) > 0 {
			last := h[len(h)-1]
			res := "ok"
			if last.Err != "" {
				res = last.Err
			}
			lines = append(lines, fmt.Sprintf("last send: %s attempts=%d %s", last.At.Format("01-02 15:04:05"), last.Attempts, res))
		}
	}
	return strings.Join(lines, "\n")
}
