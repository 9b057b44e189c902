package dispatch

import (
	"context"
	"time"

	"settlebot/internal/storage"
)

const (
	DefaultAttempts    = 3
	DefaultBackoff     = 2 * time.Second
	DefaultSendTimeout = 10 * time.Second
)

type Config struct {
	Enabled     bool
	Attempts    int
	Backoff     time.Duration
	SendTimeout time.Duration
	Workers     int
	QueueSize   int
	RatePerSec  int
	HistorySize int
}

// Auditor records delivery outcomes. storage.Store satisfies it.
type Auditor interface {
	AppendDelivery(ctx context.Context, r storage.DeliveryRecord) error
}

type HistoryItem struct {
	At       time.Time
	FireAt   time.Time
	SpecID   string
	Text     string
	Attempts int
	Err      string
}

// Event is the payload of delivery.* bus events.
type Event struct {
	SpecID   string    `json:"spec_id"`
	Group    string    `json:"group"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	FireAt   time.Time `json:"fire_at"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
}
