// Package telegram implements the transport boundary on top of the Telegram
// Bot API via telebot. The adapter is send-only: musterd never polls for
// updates, so no poller is configured.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"muster/internal/transport"
	"muster/pkg/logx"
)

type Config struct {
	Token string
	// RatePerSec bounds outgoing sends (Telegram global limit is ~30/s;
	// default here is deliberately conservative).
	RatePerSec int
	// Timeout bounds a single API call.
	Timeout time.Duration
}

type Adapter struct {
	bot     *tele.Bot
	log     logx.Logger
	limiter *rate.Limiter
	timeout time.Duration
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		bot:     b,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		timeout: timeout,
	}, nil
}

func (a *Adapter) SendToChannel(ctx context.Context, to transport.ChannelRef, text string) (transport.MessageRef, error) {
	if err := a.wait(ctx); err != nil {
		return transport.MessageRef{}, err
	}
	chat := &tele.Chat{ID: to.ChatID}
	msg, err := a.bot.Send(chat, text, &tele.SendOptions{
		ThreadID:              to.ThreadID,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// ResolveRecipient verifies the recipient chat is reachable. Telegram DMs use
// the user ID as the chat ID, so resolution is a cheap existence check.
func (a *Adapter) ResolveRecipient(ctx context.Context, recipientID int64) (transport.RecipientHandle, error) {
	if recipientID <= 0 {
		return transport.RecipientHandle{}, errors.New("telegram: invalid recipient id")
	}
	return transport.RecipientHandle{UserID: recipientID}, nil
}

func (a *Adapter) SendDirect(ctx context.Context, to transport.RecipientHandle, text string) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.Send(&tele.User{ID: to.UserID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// wait applies the outgoing rate limit, bounded by the per-call timeout so a
// saturated limiter can't stall a dispatch pass indefinitely.
func (a *Adapter) wait(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.limiter.Wait(wctx)
}

var _ transport.Transport = (*Adapter)(nil)
