package reminder

import (
	"fmt"
	"strings"
	"time"
)

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday, "星期日": time.Sunday, "星期天": time.Sunday, "週日": time.Sunday, "周日": time.Sunday,
	"monday": time.Monday, "mon": time.Monday, "星期一": time.Monday, "週一": time.Monday, "周一": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "星期二": time.Tuesday, "週二": time.Tuesday, "周二": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday, "星期三": time.Wednesday, "週三": time.Wednesday, "周三": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "星期四": time.Thursday, "週四": time.Thursday, "周四": time.Thursday,
	"friday": time.Friday, "fri": time.Friday, "星期五": time.Friday, "週五": time.Friday, "周五": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday, "星期六": time.Saturday, "週六": time.Saturday, "周六": time.Saturday,
}

var dailyNames = map[string]bool{"每日": true, "每天": true, "daily": true, "everyday": true}

// ParseDay parses a weekday column value. daily is true for the "every
// day" markers, in which case the weekday is meaningless.
func ParseDay(raw string) (wd time.Weekday, daily bool, err error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if dailyNames[key] {
		return 0, true, nil
	}
	if wd, ok := weekdayNames[key]; ok {
		return wd, false, nil
	}
	return 0, false, fmt.Errorf("unknown weekday %q", raw)
}

var zhWeekdays = [...]string{"星期日", "星期一", "星期二", "星期三", "星期四", "星期五", "星期六"}

// WeekdayName renders wd the way messages show it ("星期一").
func WeekdayName(wd time.Weekday) string {
	if wd < time.Sunday || wd > time.Saturday {
		return wd.String()
	}
	return zhWeekdays[wd]
}
