// Package event defines the schedulable entity consumed by the lifecycle
// scheduler, plus the narrow repository interface the scheduler drives.
// Events are owned by whatever surface creates them (commands, imports); the
// scheduler only reads them and requests transitions.
package event

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusLocked    Status = "locked"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Terminal reports whether the status removes the event from scheduling
// scope. The scheduler only ever branches on this, never on concrete states.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// TransitionKind names a scheduler-driven state transition.
type TransitionKind string

const (
	// KindClose locks signups when the close time passes.
	KindClose TransitionKind = "close"
	// KindStart marks the event as started when its occurrence time passes.
	// Starting does not make the event terminal; completion happens
	// out-of-band once the event is over.
	KindStart TransitionKind = "start"
)

// Event is a recurring scheduled occurrence the daemon acts on.
//
// OccursAt is the primary timestamp the lifecycle pivots on; ClosesAt
// optionally gates the signup-close transition. Both are stored UTC.
type Event struct {
	ID       int64
	Title    string
	Status   Status
	OccursAt time.Time
	ClosesAt *time.Time

	// Announcement target for channel reminders.
	ChatID   int64
	ThreadID int

	Started bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the event is still in scheduling scope.
func (e Event) Active() bool { return e.ID != 0 && !e.Status.Terminal() }

// Repository is the scheduler's view of event storage.
//
// Get returns a zero Event (ID 0) for unknown IDs rather than an error, so
// "vanished mid-pass" is an ordinary branch, not an exception path.
// Transition is idempotent: false means the transition had already happened.
type Repository interface {
	ListActive(ctx context.Context) ([]Event, error)
	Get(ctx context.Context, id int64) (Event, error)
	Transition(ctx context.Context, id int64, kind TransitionKind) (bool, error)
	// Recipients returns the user IDs signed up for direct reminders.
	Recipients(ctx context.Context, id int64) ([]int64, error)
}
