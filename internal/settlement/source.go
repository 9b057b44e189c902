// Package settlement reads product settlement dates for the current
// reporting period and describes how each kind of source turns a raw
// date into a settlement instant.
package settlement

import (
	"context"
	"sort"
	"time"

	"settlebot/internal/reminder"
)

// Source supplies the settlement rows of one reporting period.
type Source interface {
	Name() string
	CurrentPeriodRows(ctx context.Context, periodKey string) ([]reminder.SettlementRow, error)
}

// PeriodKey is the reporting period containing now, e.g. "2025-06".
func PeriodKey(now time.Time) string { return now.Format("2006-01") }

// Static is an in-memory source keyed by period.
type Static struct {
	SourceName string
	Periods    map[string][]reminder.SettlementRow
}

func (s *Static) Name() string { return s.SourceName }

func (s *Static) CurrentPeriodRows(_ context.Context, periodKey string) ([]reminder.SettlementRow, error) {
	rows, ok := s.Periods[periodKey]
	if !ok {
		return nil, &reminder.ResolutionError{Source: s.SourceName, Period: periodKey, Err: ErrNoPeriod}
	}
	out := make([]reminder.SettlementRow, len(rows))
	for i, r := range rows {
		r.Source = s.SourceName
		out[i] = r
	}
	return out, nil
}

// Result is what Collect gathered from every source.
type Result struct {
	Rows   []reminder.SettlementRow
	Errors []error
}

// Collect queries every source for periodKey. A failing source is
// reported in Errors and the others still contribute.
func Collect(ctx context.Context, sources []Source, periodKey string) Result {
	var res Result
	for _, src := range sources {
		rows, err := src.CurrentPeriodRows(ctx, periodKey)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Rows = append(res.Rows, rows...)
	}
	sort.SliceStable(res.Rows, func(i, j int) bool { return res.Rows[i].RawDate.Before(res.Rows[j].RawDate) })
	return res
}
