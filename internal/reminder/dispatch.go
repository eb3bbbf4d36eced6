package reminder

import (
	"context"
	"time"

	"muster/internal/prefs"
	"muster/internal/statestore"
	"muster/internal/telemetry"
	"muster/internal/transport"
	"muster/pkg/logx"
)

// Counters summarizes one direct-dispatch pass over a recipient roster.
type Counters struct {
	Attempted     int
	Sent          int
	SkippedOptOut int
	SkippedDedupe int
	Failed        int
}

// RenderFunc produces the message text for one recipient.
type RenderFunc func(recipientID int64) string

// Dispatcher fans a logical reminder out to a channel and/or per-recipient
// direct messages, with dedupe, opt-out filtering, and per-recipient failure
// isolation. Transport and preference errors never escape it; they become
// counters and log lines.
type Dispatcher struct {
	engine *Engine
	tx     transport.Transport
	prefs  prefs.Store
	log    logx.Logger
	now    func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDispatcher(engine *Engine, tx transport.Transport, ps prefs.Store, log logx.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		engine: engine,
		tx:     tx,
		prefs:  ps,
		log:    log,
		now:    time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// DispatchChannel posts one reminder round to the announcement channel.
// The round is marked sent only on transport success: a failed send is not
// marked, so it can still fire on a later pass within the grace window, and
// is dropped once the window passes. That drop is accepted policy, not a
// retry loop.
//
// The returned error covers persistence only; transport failures are logged
// and reported as sent=false.
func (d *Dispatcher) DispatchChannel(ctx context.Context, entityID int64, reminderType string, channel transport.ChannelRef, text string, scheduledFor time.Time, grace time.Duration) (bool, error) {
	key := ChannelKey(entityID, reminderType)
	round, err := d.engine.Begin(ctx)
	if err != nil {
		return false, err
	}
	now := d.now()
	if !round.ShouldSend(key, scheduledFor, now, grace) {
		telemetry.RemindersDeduped.Inc()
		return false, nil
	}

	ref, err := d.tx.SendToChannel(ctx, channel, text)
	if err != nil {
		telemetry.RemindersFailed.Inc()
		if !d.log.IsZero() {
			d.log.Warn("channel reminder send failed",
				logx.Int64("entity", entityID),
				logx.String("type", reminderType),
				logx.Int64("chat_id", channel.ChatID),
				logx.Err(err))
		}
		return false, nil
	}

	round.MarkSent(key, now)
	round.SetMessageRef(entityID, reminderType, statestore.MessageRef{
		ChatID:    ref.ChatID,
		ThreadID:  ref.ThreadID,
		MessageID: ref.MessageID,
	})
	if err := d.engine.Commit(ctx, round); err != nil {
		return true, err
	}
	telemetry.RemindersSent.Inc()
	if !d.log.IsZero() {
		d.log.Info("channel reminder sent",
			logx.Int64("entity", entityID),
			logx.String("type", reminderType),
			logx.Int64("chat_id", channel.ChatID))
	}
	return true, nil
}

// DispatchDirect walks the recipient roster for one reminder. Each recipient
// has its own dedupe key, so a recipient that failed last round can still be
// retried while already-notified recipients stay silent. All marks persist in
// a single Save after the roster is exhausted.
//
// The returned error covers persistence only; per-recipient failures are
// folded into the counters.
func (d *Dispatcher) DispatchDirect(ctx context.Context, entityID int64, reminderType string, recipients []int64, scheduledFor time.Time, grace time.Duration, render RenderFunc) (Counters, error) {
	var c Counters
	if len(recipients) == 0 {
		return c, nil
	}
	round, err := d.engine.Begin(ctx)
	if err != nil {
		return c, err
	}
	now := d.now()

	for _, rid := range recipients {
		key := RecipientKey(entityID, rid, reminderType)
		if !round.ShouldSend(key, scheduledFor, now, grace) {
			c.SkippedDedupe++
			telemetry.RemindersDeduped.Inc()
			continue
		}
		if !d.allowed(ctx, rid, reminderType) {
			c.SkippedOptOut++
			telemetry.RemindersOptedOut.Inc()
			continue
		}

		c.Attempted++
		if err := d.sendDirect(ctx, rid, render(rid)); err != nil {
			c.Failed++
			telemetry.RemindersFailed.Inc()
			if !d.log.IsZero() {
				d.log.Warn("direct reminder send failed",
					logx.Int64("entity", entityID),
					logx.String("type", reminderType),
					logx.Int64("recipient", rid),
					logx.Err(err))
			}
			continue
		}
		c.Sent++
		telemetry.RemindersSent.Inc()
		round.MarkSent(key, now)
	}

	if err := d.engine.Commit(ctx, round); err != nil {
		return c, err
	}
	return c, nil
}

func (d *Dispatcher) sendDirect(ctx context.Context, recipientID int64, text string) error {
	handle, err := d.tx.ResolveRecipient(ctx, recipientID)
	if err != nil {
		return err
	}
	return d.tx.SendDirect(ctx, handle, text)
}

// allowed resolves the recipient's opt-out preference. Missing preferences
// default to allowed; a preference-store failure is logged and also defaults
// to allowed so one flaky read can't silently mute a reminder round.
func (d *Dispatcher) allowed(ctx context.Context, recipientID int64, reminderType string) bool {
	if d.prefs == nil {
		return true
	}
	p, err := d.prefs.GetPreferences(ctx, recipientID)
	if err != nil {
		if !d.log.IsZero() {
			d.log.Warn("preference lookup failed; defaulting to allowed",
				logx.Int64("recipient", recipientID),
				logx.Err(err))
		}
		return true
	}
	return p.Allows(reminderType)
}
