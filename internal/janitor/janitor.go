// Package janitor prunes aged bookkeeping: stale reminder-sent marks,
// message refs for vanished events, and long-finished event rows.
package janitor

import (
	"context"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"muster/internal/event"
	"muster/internal/statestore"
	"muster/pkg/logx"
)

// Repository is the janitor's view of event storage.
type Repository interface {
	Get(ctx context.Context, id int64) (event.Event, error)
	PruneFinished(ctx context.Context, olderThan time.Time) (int, error)
}

type Janitor struct {
	spec      string
	retention time.Duration
	store     *statestore.Store
	repo      Repository
	log       logx.Logger
}

func New(spec string, retention time.Duration, store *statestore.Store, repo Repository, log logx.Logger) *Janitor {
	if spec == "" {
		spec = "@daily"
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Janitor{spec: spec, retention: retention, store: store, repo: repo, log: log}
}

// Run sweeps once at startup, then on the cron schedule, until ctx is
// cancelled. Intended as a supervised task.
func (j *Janitor) Run(ctx context.Context) error {
	j.sweep(ctx)

	c := cron.New()
	if _, err := c.AddFunc(j.spec, func() { j.sweep(ctx) }); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

func (j *Janitor) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cutoff := time.Now().Add(-j.retention)

	var droppedMarks, droppedRefs int
	err := j.store.Update(ctx, func(st *statestore.State) bool {
		for key, sentAt := range st.ReminderSent {
			if sentAt.Before(cutoff) {
				delete(st.ReminderSent, key)
				droppedMarks++
			}
		}
		for id := range st.MessageRefs {
			n, perr := strconv.ParseInt(id, 10, 64)
			if perr != nil {
				delete(st.MessageRefs, id)
				droppedRefs++
				continue
			}
			ev, gerr := j.repo.Get(ctx, n)
			if gerr != nil {
				continue
			}
			if !ev.Active() {
				delete(st.MessageRefs, id)
				droppedRefs++
			}
		}
		return droppedMarks > 0 || droppedRefs > 0
	})
	if err != nil {
		if !j.log.IsZero() {
			j.log.Warn("janitor state sweep failed", logx.Err(err))
		}
		return
	}

	pruned, err := j.repo.PruneFinished(ctx, cutoff)
	if err != nil {
		if !j.log.IsZero() {
			j.log.Warn("janitor event prune failed", logx.Err(err))
		}
		return
	}

	if !j.log.IsZero() {
		j.log.Info("janitor sweep done",
			logx.Int("marks_dropped", droppedMarks),
			logx.Int("refs_dropped", droppedRefs),
			logx.Int("events_pruned", pruned))
	}
}
