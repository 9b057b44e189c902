package resolver

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"settlebot/internal/reminder"
)

const settlementLayout = "2006-01-02 15:04:05"

func OneOffMessage(label string, at time.Time) string {
	return fmt.Sprintf("事件提醒: %s at %s", label, at.Format(reminder.OneOffLayout))
}

func DailyMessage(label string, t reminder.TimeOfDay) string {
	return fmt.Sprintf("每日提醒: %s at %s", label, t)
}

func WeeklyMessage(label string, wd time.Weekday, t reminder.TimeOfDay) string {
	return fmt.Sprintf("每週提醒: %s on %s at %s", label, reminder.WeekdayName(wd), t)
}

// settlementLine renders "product: yyyy-mm-dd HH:MM:SS", with the
// special suffix when the date is tomorrow or the day after.
func (r *Resolver) settlementLine(s reminder.Settlement, offset int) string {
	line := fmt.Sprintf("%s: %s", s.Display, s.SettlementAt().In(r.loc).Format(settlementLayout))
	if s.SpecialRule == reminder.RuleDayShift && (offset == 1 || offset == 2) {
		line += " " + r.suffix
	}
	return line
}

func (r *Resolver) settlementMessage(s reminder.Settlement, offset int) string {
	return s.Label + "結算提醒: " + r.settlementLine(s, offset)
}

// NoSettlementMessage is the digest text when nothing settles in the window.
const NoSettlementMessage = "今天明天沒有產品結算"

// Digest summarises the rows settling today, tomorrow or (special
// products only) the day after, one line per product ordered by time.
func (r *Resolver) Digest(rows []reminder.SettlementRow, now time.Time) string {
	now = now.In(r.loc)
	specs := r.SpecsFromRows(rows)
	sort.SliceStable(specs, func(i, j int) bool {
		return specs[i].SettlementAt().Before(specs[j].SettlementAt())
	})

	var b strings.Builder
	n := 0
	for _, s := range specs {
		offset := dayOffset(s.BaseDate, now, r.loc)
		if s.Validate() != nil || offset < 0 || !inWindow(offset, s.SpecialRule == reminder.RuleDayShift) {
			continue
		}
		if n == 0 {
			fmt.Fprintf(&b, "%d年%d月 到期產品提醒:\n", now.Year(), int(now.Month()))
		}
		if label := strings.TrimSpace(s.Label); label != "" {
			b.WriteString(label + " ")
		}
		b.WriteString(r.settlementLine(s, offset))
		b.WriteString("\n")
		n++
	}
	if n == 0 {
		return NoSettlementMessage
	}
	return strings.TrimRight(b.String(), "\n")
}
