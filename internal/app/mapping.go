package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"settlebot/internal/clock"
	"settlebot/internal/config"
	"settlebot/internal/dispatch"
	"settlebot/internal/poller"
	"settlebot/internal/reminder"
	"settlebot/internal/resolver"
	"settlebot/internal/scheduler"
	"settlebot/internal/settlement"
	"settlebot/internal/storage"
	kit "settlebot/internal/transport"
	logx "settlebot/pkg/logx"
)

const defaultDailyUpdate = "07:00:00"

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file", "yaml":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDeliveryConfig(cfg *config.Config) (dispatch.Config, error) {
	if cfg == nil || cfg.Delivery == nil {
		return dispatch.Config{Enabled: true}, nil
	}
	dc := cfg.Delivery
	if dc.Attempts < 0 || dc.Workers < 0 || dc.QueueSize < 0 || dc.RatePerSec < 0 || dc.HistorySize < 0 {
		return dispatch.Config{}, fmt.Errorf("delivery: counts must be >= 0")
	}
	backoff, err := config.ParseDurationOrDefault("delivery.backoff", dc.Backoff, dispatch.DefaultBackoff)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("delivery.send_timeout", dc.SendTimeout, dispatch.DefaultSendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Enabled:     dc.Enabled,
		Attempts:    dc.Attempts,
		Backoff:     backoff,
		SendTimeout: sendTimeout,
		Workers:     dc.Workers,
		QueueSize:   dc.QueueSize,
		RatePerSec:  dc.RatePerSec,
		HistorySize: dc.HistorySize,
	}, nil
}

func mapTarget(cfg *config.Config) kit.ChatTarget {
	return kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}
}

// logTarget is the chat that mirrors warnings: group_log, else the
// reminder chat.
func logTarget(cfg *config.Config) (int64, bool) {
	if s := strings.TrimSpace(cfg.Telegram.GroupLog); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		return id, err == nil
	}
	return cfg.Telegram.ChatID, cfg.Telegram.ChatID != 0
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config, log logx.Logger) (scheduler.Config, error) {
	sc := cfg.Scheduler
	loc, err := clock.LoadZone(sc.Timezone)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.%w", err)
	}
	tick, err := config.ParseDurationOrDefault("scheduler.tick", sc.Tick, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	window, err := config.ParseDurationField("scheduler.catch_up_window", sc.CatchUpWindow)
	if err != nil {
		return scheduler.Config{}, err
	}
	notify, err := config.ParseDurationField("scheduler.notify_offset", sc.NotifyOffset)
	if err != nil {
		return scheduler.Config{}, err
	}
	rawDaily := strings.TrimSpace(sc.DailyUpdate)
	if rawDaily == "" {
		rawDaily = defaultDailyUpdate
	}
	daily, err := reminder.ParseTimeOfDay(rawDaily)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.daily_update: %w", err)
	}
	if _, err := resolver.CompileSpecial(sc.SpecialProducts); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.special_products: %w", err)
	}

	rules := map[string]resolver.SourceRule{}
	sources := make([]settlement.Source, 0, len(cfg.Settlement.Sources))
	for i, src := range cfg.Settlement.Sources {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			name = strings.TrimSpace(src.Kind)
		}
		if name == "" {
			return scheduler.Config{}, fmt.Errorf("settlement.sources[%d]: name or kind is required", i)
		}
		if _, dup := rules[name]; dup {
			return scheduler.Config{}, fmt.Errorf("settlement.sources[%d]: duplicate name %q", i, name)
		}
		if strings.TrimSpace(src.Path) == "" {
			return scheduler.Config{}, fmt.Errorf("settlement.sources[%d]: path is required", i)
		}
		var lead *time.Duration
		if strings.TrimSpace(src.LeadOffset) != "" {
			d, err := config.ParseDurationField(fmt.Sprintf("settlement.sources[%d].lead_offset", i), src.LeadOffset)
			if err != nil {
				return scheduler.Config{}, err
			}
			lead = &d
		}
		rule, err := settlement.Rule(settlement.SourceConfig{
			Name:       name,
			Kind:       settlement.Kind(src.Kind),
			Path:       src.Path,
			Label:      src.Label,
			LeadOffset: lead,
			DST:        settlement.DST(src.DST),
		})
		if err != nil {
			return scheduler.Config{}, fmt.Errorf("settlement.sources[%d]: %w", i, err)
		}
		rules[name] = rule
		sources = append(sources, settlement.NewSheet(name, src.Path, loc, log))
	}

	return scheduler.Config{
		Enabled:  sc.Enabled,
		Location: loc,
		Poller:   poller.Config{Tick: tick, CatchUpWindow: window},
		Resolver: resolver.Config{
			Location:        loc,
			NotifyOffset:    notify,
			SpecialProducts: sc.SpecialProducts,
			SpecialSuffix:   sc.SpecialSuffix,
			Sources:         rules,
		},
		DailyUpdate: daily,
		DailyDigest: sc.DailyDigest,
		MondayNote:  sc.MondayNote,
		Sources:     sources,
		InlineSpecs: append([]reminder.Record(nil), cfg.Reminders...),
	}, nil
}

// validateConfig rejects a config that any component would refuse, so a
// bad hot reload never reaches Commit.
func validateConfig(cfg *config.Config) error {
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	sc, err := mapSchedulerConfig(cfg, logx.Nop())
	if err != nil {
		return err
	}
	if _, err := resolver.New(sc.Resolver); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled && strings.TrimSpace(cfg.Telegram.Token) != "" && cfg.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required when a bot token is set")
	}
	for i, r := range cfg.Reminders {
		if _, err := r.Spec(sc.Location); err != nil {
			return fmt.Errorf("reminders[%d]: %w", i, err)
		}
	}
	return nil
}
