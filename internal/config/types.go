package config

import "settlebot/internal/reminder"

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("2s", "30m"); times of day are "HH:MM:SS".
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Delivery   *DeliveryConfig  `json:"delivery,omitempty"`
	Settlement SettlementConfig `json:"settlement"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Systemd    SystemdConfig    `json:"systemd,omitempty"`

	// Reminders are inline user specs. They are used when storage is
	// disabled and seed an empty store otherwise.
	Reminders []reminder.Record `json:"reminders,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via SETTLEBOT_TELEGRAM_TOKEN.
	// Without a token notifications are printed to stdout.
	Token string `json:"token"`
	// ChatID is the chat that receives reminders.
	ChatID       int64   `json:"chat_id"`
	ThreadID     int     `json:"thread_id,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id for mirrored log lines; defaults to ChatID.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls resolution and the poller.
//
// Defaults:
//   - timezone: Asia/Taipei
//   - tick: 1s
//   - catch_up_window: 0s (exact-second matching)
//   - daily_update: 07:00:00
//   - notify_offset: 30m
//   - special_products: [HK50, China300]
type SchedulerConfig struct {
	Enabled         bool     `json:"enabled"`
	Timezone        string   `json:"timezone,omitempty"`
	Tick            string   `json:"tick,omitempty"`
	CatchUpWindow   string   `json:"catch_up_window,omitempty"`
	DailyUpdate     string   `json:"daily_update,omitempty"`
	NotifyOffset    string   `json:"notify_offset,omitempty"`
	SpecialProducts []string `json:"special_products,omitempty"`
	SpecialSuffix   string   `json:"special_suffix,omitempty"`
	// DailyDigest sends the settlement digest after each daily update.
	DailyDigest bool `json:"daily_digest,omitempty"`
	// MondayNote is sent with the Monday daily update when non-empty.
	MondayNote string `json:"monday_note,omitempty"`
}

// DeliveryConfig controls the dispatcher. If the whole section is omitted
// delivery is enabled with defaults (3 attempts, 2s apart).
type DeliveryConfig struct {
	Enabled     bool   `json:"enabled"`
	Attempts    int    `json:"attempts,omitempty"`
	Backoff     string `json:"backoff,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

type SettlementConfig struct {
	Sources []SettlementSourceConfig `json:"sources"`
}

// SettlementSourceConfig describes one sheet export.
//
// Example:
//
//	{ "name": "us", "kind": "us_stock", "path": "./sheets/us.csv", "dst": "summer" }
type SettlementSourceConfig struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Path  string `json:"path"`
	Label string `json:"label,omitempty"`
	// LeadOffset overrides the kind default when set (Go duration string).
	LeadOffset string `json:"lead_offset,omitempty"`
	// DST is "summer", "winter" or "none" (us_stock only).
	DST string `json:"dst,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./reminders.yaml" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SystemdConfig enables sd_notify readiness and watchdog pings.
type SystemdConfig struct {
	Notify   bool `json:"notify,omitempty"`
	Watchdog bool `json:"watchdog,omitempty"`
}
