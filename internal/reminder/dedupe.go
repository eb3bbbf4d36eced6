// Package reminder decides whether a notification may fire (dedupe + grace
// window) and fans eligible reminders out to channel and direct-message
// sinks.
package reminder

import (
	"context"
	"time"

	"muster/internal/statestore"
)

// Engine answers "has this reminder already fired" against the durable
// state store, so idempotence survives process restarts.
type Engine struct {
	store *statestore.Store
}

func NewEngine(store *statestore.Store) *Engine {
	return &Engine{store: store}
}

// Round is one dispatch round's view of the durable state. Marks accumulate
// in memory and hit disk in a single Save on Commit, so a roster of direct
// sends costs one write, not one per recipient.
type Round struct {
	st    *statestore.State
	dirty bool
}

// Begin loads the current durable state.
func (e *Engine) Begin(ctx context.Context) (*Round, error) {
	st, err := e.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &Round{st: st}, nil
}

// Commit persists the round's accumulated marks. No-op if nothing changed.
func (e *Engine) Commit(ctx context.Context, r *Round) error {
	if r == nil || !r.dirty {
		return nil
	}
	return e.store.Save(ctx, r.st)
}

// ShouldSend reports whether the reminder identified by key may fire.
// True iff all of:
//   - key has no recorded send (never resend, even across restarts)
//   - now >= scheduledFor (never send early)
//   - now - scheduledFor <= grace (a catch-up send after downtime is allowed
//     only within the grace window; anything later is dropped as stale)
func (r *Round) ShouldSend(key Key, scheduledFor, now time.Time, grace time.Duration) bool {
	if _, sent := r.st.SentAt(string(key)); sent {
		return false
	}
	if now.Before(scheduledFor) {
		return false
	}
	return now.Sub(scheduledFor) <= grace
}

// MarkSent records the send time for key. The write becomes durable on
// Commit.
func (r *Round) MarkSent(key Key, sentAt time.Time) {
	r.st.MarkSent(string(key), sentAt)
	r.dirty = true
}

// SetMessageRef records the posted message pointer for later edits/cleanup.
func (r *Round) SetMessageRef(entityID int64, refKind string, ref statestore.MessageRef) {
	r.st.SetMessageRef(entityID, refKind, ref)
	r.dirty = true
}
