package resolver

import (
	"strings"
	"time"

	"settlebot/internal/reminder"
)

// SpecsFromRows converts settlement rows into specs using the rule of the
// row's source. Rows from unknown sources get a zero lead offset and the
// source name as label.
func (r *Resolver) SpecsFromRows(rows []reminder.SettlementRow) []reminder.Settlement {
	out := make([]reminder.Settlement, 0, len(rows))
	for _, row := range rows {
		rule, ok := r.sources[row.Source]
		if !ok {
			rule = SourceRule{Label: row.Source}
		}
		product := strings.TrimSpace(row.Product)
		spec := reminder.Settlement{
			ID:           row.Source + "/" + product + "/" + row.RawDate.In(r.loc).Format("20060102T150405"),
			Product:      product,
			Display:      product + rule.ProductSuffix,
			Source:       row.Source,
			Label:        rule.Label,
			BaseDate:     row.RawDate,
			LeadOffset:   rule.LeadOffset,
			NotifyOffset: r.notify,
		}
		if r.IsSpecial(product) {
			spec.SpecialRule = reminder.RuleDayShift
		}
		out = append(out, spec)
	}
	return out
}

// IsSpecial reports whether product matches a configured special pattern.
func (r *Resolver) IsSpecial(product string) bool {
	return r.special != nil && product != "" && r.special.MatchString(product)
}

// dayOffset is the number of calendar days from now's date to t's date in loc.
func dayOffset(t, now time.Time, loc *time.Location) int {
	ty, tm, td := t.In(loc).Date()
	ny, nm, nd := now.In(loc).Date()
	a := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	b := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	return int(a.Sub(b).Hours() / 24)
}

// inWindow: yesterday through tomorrow, plus the day after tomorrow for
// special products.
func inWindow(offset int, special bool) bool {
	if offset >= -1 && offset <= 1 {
		return true
	}
	return special && offset == 2
}

func (r *Resolver) resolveSettlement(s reminder.Settlement, now time.Time) (reminder.Notification, bool) {
	offset := dayOffset(s.BaseDate, now, r.loc)
	special := s.SpecialRule == reminder.RuleDayShift
	if !inWindow(offset, special) {
		return reminder.Notification{}, false
	}
	fireAt := s.BaseDate.Add(s.LeadOffset - s.NotifyOffset).In(r.loc)
	if fireAt.Before(now) {
		return reminder.Notification{}, false
	}
	return reminder.Notification{
		FireAt:  fireAt,
		Message: r.settlementMessage(s, offset),
		Origin:  reminder.Origin{Group: reminder.GroupSettlement, SpecID: s.ID},
	}, true
}
