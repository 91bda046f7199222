package api

import (
	"math"
	"time"
)

// UnknownCategory groups messages whose server timestamp is still pending.
const UnknownCategory = "Unknown"

// TimeBucket returns the display category of t relative to now.
func TimeBucket(t time.Time, now time.Time) string {
	t = t.In(now.Location())
	day := startOfDay(t)
	today := startOfDay(now)

	switch days := int(math.Round(today.Sub(day).Hours() / 24)); {
	case days <= 0:
		return "Today"
	case days == 1:
		return "Yesterday"
	case days < 7:
		return t.Weekday().String()
	case t.Year() == now.Year():
		return t.Format("January 2")
	default:
		return t.Format("January 2, 2006")
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
