// Package transport defines the notification-sending boundary. The core
// never sees a chat platform API directly; it talks to this interface and an
// adapter (internal/transport/telegram) supplies the platform client.
package transport

import "context"

// ChannelRef identifies an announcement target (a group chat, optionally a
// forum topic thread within it).
type ChannelRef struct {
	ChatID   int64
	ThreadID int
}

// MessageRef points at a message posted through an adapter.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// RecipientHandle is a resolved direct-message target.
type RecipientHandle struct {
	UserID int64
}

// Transport sends notifications. Implementations must be safe for concurrent
// use; errors are always caught at the dispatcher boundary and converted to
// counters, never propagated into scheduling control flow.
type Transport interface {
	SendToChannel(ctx context.Context, to ChannelRef, text string) (MessageRef, error)
	ResolveRecipient(ctx context.Context, recipientID int64) (RecipientHandle, error)
	SendDirect(ctx context.Context, to RecipientHandle, text string) error
}
