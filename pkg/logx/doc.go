// Package logx is settlebot's structured logging layer.
//
// Logger wraps zerolog with a small field API. A Service owns the outputs
// (console, JSON file, Telegram chat) and can swap them at runtime when the
// config file changes; loggers derived from it follow the swap.
package logx
