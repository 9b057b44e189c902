package scheduler

import (
	"errors"
	"time"

	"settlebot/internal/poller"
	"settlebot/internal/reminder"
	"settlebot/internal/resolver"
	"settlebot/internal/settlement"
)

// GroupDigest tags digest and note messages sent by the daily update.
const GroupDigest = "digest"

var (
	ErrNotFound = errors.New("reminder not found")
	ErrDisabled = errors.New("scheduler disabled")
)

type Config struct {
	Enabled     bool
	Location    *time.Location
	Poller      poller.Config
	Resolver    resolver.Config
	DailyUpdate reminder.TimeOfDay
	DailyDigest bool
	MondayNote  string
	Sources     []settlement.Source
	// InlineSpecs are used when no store is configured and seed an empty
	// store otherwise.
	InlineSpecs []reminder.Record
}

// Report summarizes one rebuild of a registry group.
type Report struct {
	Group    string
	Period   string
	Inputs   int
	Entries  int
	Expired  int
	Warnings []error
}

type Status struct {
	Enabled      bool
	Running      bool
	Timezone     string
	Now          time.Time
	Pending      int
	Groups       map[string]int
	Specs        int
	PollerState  poller.State
	Poller       poller.Stats
	Period       string
	LastUpdate   time.Time
	NextUpdate   time.Time
	SourceErrors []string
}
