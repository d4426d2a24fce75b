package signaling

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSTransport is a Transport over a websocket relay, for clients that
// run without a libp2p node (e.g. behind networks where gossipsub
// cannot form a mesh). The relay fans every frame out to all sockets
// joined to the same conversation; addressing is still enforced here by
// the To filter.
type WSTransport struct {
	relayURL string // e.g. wss://relay.example.org/signal
	selfID   string

	mu      sync.Mutex
	convID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc

	hmu     sync.RWMutex
	handler Handler
}

// NewWSTransport creates a websocket transport publishing as selfID
// through the relay at relayURL.
func NewWSTransport(relayURL, selfID string) *WSTransport {
	return &WSTransport{relayURL: relayURL, selfID: selfID}
}

func (t *WSTransport) Open(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && t.convID == conversationID {
		return nil
	}
	t.closeLocked()

	u, err := url.Parse(t.relayURL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("conversation", conversationID)
	q.Set("peer", t.selfID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.convID = conversationID
	t.conn = conn
	t.cancel = cancel

	go t.readLoop(loopCtx, conn)
	log.Debug().Str("conversation", conversationID).Msg("relay channel open")
	return nil
}

func (t *WSTransport) Send(msg Message) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrChannelClosed
	}

	msg.From = t.selfID
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write to relay: %w", err)
	}
	return nil
}

func (t *WSTransport) OnMessage(h Handler) {
	t.hmu.Lock()
	t.handler = h
	t.hmu.Unlock()
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

func (t *WSTransport) closeLocked() {
	if t.conn == nil {
		return
	}
	t.cancel()
	t.writeMu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	_ = t.conn.Close()
	t.convID = ""
	t.conn = nil
	t.cancel = nil
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}
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
