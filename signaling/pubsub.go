package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/rs/zerolog/log"
)

// callTopicPrefix namespaces per-conversation signaling topics.
const callTopicPrefix = "/roomy/call/1.0.0/"

// PubSubTransport is the gossipsub-backed Transport. Each conversation
// maps to one pubsub topic; both parties join the same topic and filter
// on the To field. At most one topic is open per transport.
type PubSubTransport struct {
	ps     *pubsub.PubSub
	selfID string

	mu     sync.Mutex
	convID string
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc

	hmu     sync.RWMutex
	handler Handler
}

// NewPubSubTransport creates a transport publishing as selfID on ps.
func NewPubSubTransport(ps *pubsub.PubSub, selfID string) *PubSubTransport {
	return &PubSubTransport{ps: ps, selfID: selfID}
}

func (t *PubSubTransport) Open(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.topic != nil && t.convID == conversationID {
		return nil
	}
	t.closeLocked()

	topic, err := t.ps.Join(callTopicPrefix + conversationID)
	if err != nil {
		return fmt.Errorf("join signaling topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return fmt.Errorf("subscribe signaling topic: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.convID = conversationID
	t.topic = topic
	t.sub = sub
	t.cancel = cancel

	go t.readLoop(loopCtx, sub)
	log.Debug().Str("conversation", conversationID).Msg("signaling channel open")
	return nil
}

func (t *PubSubTransport) Send(msg Message) error {
	t.mu.Lock()
	topic := t.topic
	t.mu.Unlock()
	if topic == nil {
		return ErrChannelClosed
	}

	msg.From = t.selfID
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signaling message: %w", err)
	}
	if err := topic.Publish(context.Background(), data); err != nil {
		return fmt.Errorf("publish signaling message: %w", err)
	}
	return nil
}

func (t *PubSubTransport) OnMessage(h Handler) {
	t.hmu.Lock()
	t.handler = h
	t.hmu.Unlock()
}

func (t *PubSubTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

// closeLocked tears down the current topic. Caller holds t.mu.
func (t *PubSubTransport) closeLocked() {
	if t.topic == nil {
		return
	}
	t.cancel()
	t.sub.Cancel()
	_ = t.topic.Close()
	t.convID = ""
	t.topic = nil
	t.sub = nil
	t.cancel = nil
}

func (t *PubSubTransport) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	for {
		raw, err := sub.Next(ctx)
		if err != nil {
			return // subscription cancelled or context done
		}

		var msg Message
		if err := json.Unmarshal(raw.Data, &msg); err != nil {
			log.Warn().Err(err).Msg("dropping malformed signaling message")
			continue
		}
		// Both parties share the topic: skip own publishes and anything
		// addressed to another peer.
		if msg.From == t.selfID || msg.To != t.selfID {
			continue
		}

		t.hmu.RLock()
		h := t.handler
		t.hmu.RUnlock()
		if h != nil {
			h(msg)
		}
	}
}
