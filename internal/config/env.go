package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SETTLEBOT"

// envOverrides keeps secrets and per-host values out of the config file.
type envOverrides struct {
	TelegramToken  string `envconfig:"TELEGRAM_TOKEN"`
	TelegramChatID int64  `envconfig:"TELEGRAM_CHAT_ID"`
	Timezone       string `envconfig:"TIMEZONE"`
	StoragePath    string `envconfig:"STORAGE_PATH"`
}

// ApplyEnv overlays SETTLEBOT_* variables onto cfg. Unset variables leave
// the file values alone.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if env.TelegramToken != "" {
		cfg.Telegram.Token = env.TelegramToken
	}
	if env.TelegramChatID != 0 {
		cfg.Telegram.ChatID = env.TelegramChatID
	}
	if env.Timezone != "" {
		cfg.Scheduler.Timezone = env.Timezone
	}
	if env.StoragePath != "" && cfg.Storage != nil {
		cfg.Storage.Path = env.StoragePath
	}
	return nil
}
