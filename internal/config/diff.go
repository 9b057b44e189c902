package config

import (
	"reflect"
	"strings"

	logx "settlebot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		ot.ChatID != nt.ChatID ||
		ot.ThreadID != nt.ThreadID ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int64("telegram.chat_id", nt.ChatID),
			logx.Int("telegram.thread_id", nt.ThreadID),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		sc := newCfg.Scheduler
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", sc.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(sc.Timezone)),
			logx.String("scheduler.daily_update", strings.TrimSpace(sc.DailyUpdate)),
			logx.String("scheduler.notify_offset", strings.TrimSpace(sc.NotifyOffset)),
			logx.String("scheduler.catch_up_window", strings.TrimSpace(sc.CatchUpWindow)),
			logx.Int("scheduler.special_count", len(sc.SpecialProducts)),
		)
	}

	if !reflect.DeepEqual(derefDelivery(oldCfg.Delivery), derefDelivery(newCfg.Delivery)) {
		changed = append(changed, "delivery")
		d := derefDelivery(newCfg.Delivery)
		attrs = append(attrs,
			logx.Bool("delivery.enabled", d.Enabled),
			logx.Int("delivery.attempts", d.Attempts),
			logx.String("delivery.backoff", strings.TrimSpace(d.Backoff)),
			logx.Int("delivery.workers", d.Workers),
		)
	}

	if !reflect.DeepEqual(oldCfg.Settlement, newCfg.Settlement) {
		changed = append(changed, "settlement")
		names := make([]string, 0, len(newCfg.Settlement.Sources))
		for _, s := range newCfg.Settlement.Sources {
			names = append(names, s.Name)
		}
		attrs = append(attrs, logx.Strings("settlement.sources", names))
	}

	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		changed = append(changed, "reminders")
		attrs = append(attrs, logx.Int("reminders.count", len(newCfg.Reminders)))
	}

	if !reflect.DeepEqual(derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)) {
		changed = append(changed, "storage")
		st := derefStorage(newCfg.Storage)
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(st.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(st.Path) != ""),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
			logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
		)
	}

	return changed, attrs
}

func derefDelivery(d *DeliveryConfig) DeliveryConfig {
	if d == nil {
		return DeliveryConfig{}
	}
	return *d
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
