package lifecycle

import (
	"testing"
	"time"

	"muster/internal/event"
)

func TestEventWindowsCountdownOffsets(t *testing.T) {
	occurs := time.Date(2026, 9, 12, 20, 0, 0, 0, time.UTC)
	ev := event.Event{ID: 1, OccursAt: occurs}

	ws := eventWindows(ev, time.UTC)
	if len(ws) != 4 {
		t.Fatalf("expected 4 windows without ClosesAt, got %d", len(ws))
	}

	want := map[string]time.Time{
		TypeT24h:  occurs.Add(-24 * time.Hour),
		TypeT4h:   occurs.Add(-4 * time.Hour),
		TypeT1h:   occurs.Add(-1 * time.Hour),
		TypeStart: occurs,
	}
	for _, w := range ws {
		exp, ok := want[w.Type]
		if !ok {
			t.Fatalf("unexpected window type %q", w.Type)
		}
		if !w.At.Equal(exp) {
			t.Fatalf("%s at %v, want %v", w.Type, w.At, exp)
		}
		delete(want, w.Type)
	}
	if len(want) != 0 {
		t.Fatalf("missing windows: %v", want)
	}
}

func TestCloseWindowsUseLocalCalendarDay(t *testing.T) {
	loc := time.FixedZone("UTC-7", -7*3600)
	// 17:30 UTC is 10:30 local, so the local calendar day is the same date.
	closesAt := time.Date(2026, 3, 10, 17, 30, 0, 0, time.UTC)

	ws := closeWindows(closesAt, loc)
	if len(ws) != 2 {
		t.Fatalf("expected 2 close windows, got %d", len(ws))
	}

	finalDay := time.Date(2026, 3, 10, 0, 0, 0, 0, loc)
	eve := time.Date(2026, 3, 9, 0, 0, 0, 0, loc)
	for _, w := range ws {
		switch w.Type {
		case TypeCloseFinalDay:
			if !w.At.Equal(finalDay) {
				t.Fatalf("final-day window at %v, want %v", w.At, finalDay)
			}
		case TypeCloseEve:
			if !w.At.Equal(eve) {
				t.Fatalf("eve window at %v, want %v", w.At, eve)
			}
		default:
			t.Fatalf("unexpected window type %q", w.Type)
		}
	}
}

func TestCloseWindowsShiftAcrossDateLine(t *testing.T) {
	loc := time.FixedZone("UTC+13", 13*3600)
	// 22:00 UTC on the 10th is already the 11th locally.
	closesAt := time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)

	ws := closeWindows(closesAt, loc)
	for _, w := range ws {
		if w.Type == TypeCloseFinalDay {
			want := time.Date(2026, 3, 11, 0, 0, 0, 0, loc)
			if !w.At.Equal(want) {
				t.Fatalf("final-day window at %v, want %v", w.At, want)
			}
		}
	}
}
