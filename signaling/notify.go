package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/rs/zerolog/log"
)

// inviteTopicPrefix namespaces per-peer invite topics. Every peer
// subscribes to its own topic at startup; callers publish there to
// announce a new ringing call.
const inviteTopicPrefix = "/roomy/invite/1.0.0/"

// InviteNotifier delivers new-call announcements. It is the change-feed
// replacement for a shared database: the caller pushes the invite to
// the callee's topic the moment the call record is created.
type InviteNotifier struct {
	ps     *pubsub.PubSub
	selfID string

	sub    *pubsub.Subscription
	topic  *pubsub.Topic
	cancel context.CancelFunc

	hmu     sync.RWMutex
	handler func(Invite)

	// Topics joined for outbound invites, kept open for reuse.
	outMu  sync.Mutex
	outbox map[string]*pubsub.Topic

	closeOnce sync.Once
}

// NewInviteNotifier subscribes to the local peer's invite topic and
// starts delivering invites to the registered handler.
func NewInviteNotifier(ps *pubsub.PubSub, selfID string) (*InviteNotifier, error) {
	topic, err := ps.Join(inviteTopicPrefix + selfID)
	if err != nil {
		return nil, fmt.Errorf("join invite topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("subscribe invite topic: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &InviteNotifier{
		ps:     ps,
		selfID: selfID,
		sub:    sub,
		topic:  topic,
		cancel: cancel,
		outbox: make(map[string]*pubsub.Topic),
	}
	go n.readLoop(ctx)
	return n, nil
}

// OnInvite registers the handler for inbound invites. Replaces any
// previous handler.
func (n *InviteNotifier) OnInvite(fn func(Invite)) {
	n.hmu.Lock()
	n.handler = fn
	n.hmu.Unlock()
}

// Notify publishes inv on calleeID's invite topic.
func (n *InviteNotifier) Notify(ctx context.Context, calleeID string, inv Invite) error {
	inv.CallerID = n.selfID

	n.outMu.Lock()
	topic, ok := n.outbox[calleeID]
	if !ok {
		var err error
		topic, err = n.ps.Join(inviteTopicPrefix + calleeID)
		if err != nil {
			n.outMu.Unlock()
			return fmt.Errorf("join callee invite topic: %w", err)
		}
		n.outbox[calleeID] = topic
	}
	n.outMu.Unlock()

	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invite: %w", err)
	}
	if err := topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish invite: %w", err)
	}
	return nil
}

// Close unsubscribes from the local invite topic and releases outbound
// topics. Idempotent.
func (n *InviteNotifier) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()
		n.sub.Cancel()
		_ = n.topic.Close()

		n.outMu.Lock()
		for _, t := range n.outbox {
			_ = t.Close()
		}
		n.outbox = nil
		n.outMu.Unlock()
	})
	return nil
}

func (n *InviteNotifier) readLoop(ctx context.Context) {
	for {
		raw, err := n.sub.Next(ctx)
		if err != nil {
			return
		}

		var inv Invite
		if err := json.Unmarshal(raw.Data, &inv); err != nil {
			log.Warn().Err(err).Msg("dropping malformed invite")
			continue
		}
		if inv.CallerID == n.selfID {
			continue
		}

		n.hmu.RLock()
		h := n.handler
		n.hmu.RUnlock()
		if h != nil {
			h(inv)
		}
	}
}
