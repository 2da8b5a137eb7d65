package clock

import (
	"fmt"
	"time"
)

// DayKey formats t as a calendar day, YYYY-MM-DD.
func DayKey(t time.Time) string { return t.Format(time.DateOnly) }

// WeekKey formats the ISO week of t, YYYY-Www.
func WeekKey(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

// MonthKey formats the calendar month of t, YYYY-MM.
func MonthKey(t time.Time) string { return t.Format("2006-01") }

// StartOfMonth returns midnight of the first day of t's month in t's location.
func StartOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
