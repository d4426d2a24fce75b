package signaling

import (
	"context"
	"errors"
)

// ErrChannelClosed is returned by Send when no channel is open.
var ErrChannelClosed = errors.New("signaling: channel not open")

// Handler receives messages addressed to the local peer.
type Handler func(Message)

// Transport delivers signaling messages for one conversation at a time.
// Implementations attach the local peer identity as From on Send and
// silently drop inbound messages whose To is another peer. Delivery is
// fire-and-forget; callers must not assume ordering stronger than the
// underlying medium provides per sender.
type Transport interface {
	// Open joins the channel for conversationID. Opening a different
	// conversation closes and replaces the current channel first;
	// re-opening the same conversation is a no-op. Open returns only
	// once the subscription is active, so a Send issued after a
	// successful Open is guaranteed to hit a live channel.
	Open(ctx context.Context, conversationID string) error

	// Send publishes msg on the open channel with From set to the
	// local peer.
	Send(msg Message) error

	// OnMessage registers the handler invoked for every inbound
	// message addressed to the local peer. Replaces any previous
	// handler.
	OnMessage(h Handler)

	// Close leaves the channel. Safe to call when already closed.
	Close() error
}
