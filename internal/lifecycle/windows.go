package lifecycle

import (
	"time"

	"muster/internal/event"
)

// Reminder types emitted by the scheduler. The type is part of the dedupe
// key, so renaming one would re-fire already-sent reminders.
const (
	TypeT24h          = "t-24h"
	TypeT4h           = "t-4h"
	TypeT1h           = "t-1h"
	TypeStart         = "start"
	TypeCloseEve      = "close-1d"
	TypeCloseFinalDay = "close-final-day"
)

// Window is one scheduled reminder moment for an event.
type Window struct {
	Type string
	At   time.Time
}

// eventWindows enumerates every reminder window for ev. Countdown windows
// pivot on OccursAt; the close windows pivot on the calendar day ClosesAt
// falls on, evaluated in loc.
func eventWindows(ev event.Event, loc *time.Location) []Window {
	ws := []Window{
		{Type: TypeT24h, At: ev.OccursAt.Add(-24 * time.Hour)},
		{Type: TypeT4h, At: ev.OccursAt.Add(-4 * time.Hour)},
		{Type: TypeT1h, At: ev.OccursAt.Add(-1 * time.Hour)},
		{Type: TypeStart, At: ev.OccursAt},
	}
	if ev.ClosesAt != nil {
		ws = append(ws, closeWindows(*ev.ClosesAt, loc)...)
	}
	return ws
}

// closeWindows derives the signup-close reminders: one at the start of the
// day before ClosesAt's calendar day, one at the start of the final day
// itself. Calendar days are resolved in loc, not UTC, so "final day" means
// what a local reader expects.
func closeWindows(closesAt time.Time, loc *time.Location) []Window {
	day := dayStart(closesAt.In(loc))
	return []Window{
		{Type: TypeCloseEve, At: day.AddDate(0, 0, -1)},
		{Type: TypeCloseFinalDay, At: day},
	}
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
