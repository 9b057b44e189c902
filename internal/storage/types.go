package storage

import (
	"context"
	"errors"
	"time"

	"settlebot/internal/reminder"
)

var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryRecord is one line of the delivery audit trail.
type DeliveryRecord struct {
	At       time.Time `json:"at"`
	FireAt   time.Time `json:"fire_at"`
	Group    string    `json:"group"`
	SpecID   string    `json:"spec_id"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
}

// Store keeps reminder specs in their textual form so one bad record
// cannot prevent the others from loading.
type Store interface {
	LoadSpecs(ctx context.Context) ([]reminder.Record, error)
	SaveSpecs(ctx context.Context, recs []reminder.Record) error
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	Close() error
}

// Watchable is implemented by stores backed by a file that operators may
// edit by hand.
type Watchable interface {
	SpecPath() string
}
