package settlement

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"settlebot/internal/reminder"
	logx "settlebot/pkg/logx"
)

var ErrNoPeriod = errors.New("period not present in sheet")

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
}

// ParseDate reads a sheet date in loc. Dates without a time are midnight.
func ParseDate(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	return time.Time{}, fmt.Errorf("date %q: expected yyyy-mm-dd [HH:MM:SS]", raw)
}

// Sheet reads an exported settlement sheet from disk on every call, so
// edits show up at the next update without a restart.
//
// YAML layout:
//
//	periods:
//	  "2025-06":
//	    - {product: HK50, date: "2025-06-27 16:00:00"}
//
// CSV layout (header optional): product,period,date
type Sheet struct {
	name string
	path string
	loc  *time.Location
	log  logx.Logger
}

func NewSheet(name, path string, loc *time.Location, log logx.Logger) *Sheet {
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sheet{name: name, path: path, loc: loc, log: log.With(logx.String("source", name))}
}

func (s *Sheet) Name() string { return s.name }
func (s *Sheet) Path() string { return s.path }

type sheetRow struct {
	Product string `yaml:"product"`
	Date    string `yaml:"date"`
}

type sheetDoc struct {
	Periods map[string][]sheetRow `yaml:"periods"`
}

func (s *Sheet) CurrentPeriodRows(ctx context.Context, periodKey string) ([]reminder.SettlementRow, error) {
	fail := func(err error) error {
		return &reminder.ResolutionError{Source: s.name, Period: periodKey, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, fail(err)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fail(err)
	}
	defer f.Close()

	var raw []sheetRow
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".csv":
		raw, err = readCSV(f, periodKey)
	default:
		raw, err = readYAML(f, periodKey)
	}
	if err != nil {
		return nil, fail(err)
	}

	out := make([]reminder.SettlementRow, 0, len(raw))
	for i, r := range raw {
		product := strings.TrimSpace(r.Product)
		if product == "" {
			s.log.Warn("sheet row without product", logx.Int("row", i+1))
			continue
		}
		at, err := ParseDate(r.Date, s.loc)
		if err != nil {
			s.log.Warn("sheet row skipped", logx.String("product", product), logx.String("date", r.Date), logx.Err(err))
			continue
		}
		out = append(out, reminder.SettlementRow{Product: product, RawDate: at, Source: s.name})
	}
	return out, nil
}

func readYAML(r io.Reader, periodKey string) ([]sheetRow, error) {
	var doc sheetDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoPeriod
		}
		return nil, err
	}
	rows, ok := doc.Periods[periodKey]
	if !ok {
		return nil, ErrNoPeriod
	}
	return rows, nil
}

func readCSV(r io.Reader, periodKey string) ([]sheetRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	var out []sheetRow
	found := false
	line := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if len(rec) < 3 {
			return nil, fmt.Errorf("line %d: expected product,period,date", line)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "product") {
			continue
		}
		if strings.TrimSpace(rec[1]) != periodKey {
			continue
		}
		found = true
		out = append(out, sheetRow{Product: rec[0], Date: rec[2]})
	}
	if !found {
		return nil, ErrNoPeriod
	}
	return out, nil
}
