// Package roomycalls assembles a complete 1:1 call client: a libp2p
// node carrying signaling, local capture through mediadevices, Pion
// peer connections for negotiation and media, and a SQLite call
// history. The call.Manager it exposes is the whole public surface for
// driving calls.
package roomycalls

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/hasanmokdad-cloud/roomy-calls/call"
	"github.com/hasanmokdad-cloud/roomy-calls/config"
	"github.com/hasanmokdad-cloud/roomy-calls/media"
	"github.com/hasanmokdad-cloud/roomy-calls/p2p"
	"github.com/hasanmokdad-cloud/roomy-calls/rtc"
	"github.com/hasanmokdad-cloud/roomy-calls/signaling"
	"github.com/hasanmokdad-cloud/roomy-calls/store"
)

// Client owns every long-lived component of the call stack.
type Client struct {
	cfg       config.Config
	node      *p2p.Node
	db        *store.Store
	transport signaling.Transport
	notifier  *signaling.InviteNotifier
	capture   *media.Manager
	calls     *call.Manager
}

// New brings the whole stack up. The libp2p identity key decides the
// peer ID other clients call; it is created on first run.
func New(ctx context.Context, cfg config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	node, err := p2p.New(ctx, p2p.Options{
		ListenPort: cfg.P2P.ListenPort,
		KeyFile:    cfg.Identity.KeyFile,
		MdnsTag:    cfg.P2P.MdnsTag,
		RelayAddr:  cfg.P2P.RelayAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("start p2p node: %w", err)
	}

	db, err := store.Open(cfg.Paths.DataDir)
	if err != nil {
		_ = node.Close()
		return nil, err
	}

	capture, err := media.New()
	if err != nil {
		_ = db.Close()
		_ = node.Close()
		return nil, fmt.Errorf("prepare media capture: %w", err)
	}

	// Gossipsub signaling by default; a configured relay URL switches
	// the conversation channel to the websocket relay. Invites always
	// ride gossipsub, so the peer ID stays the one address a caller
	// needs either way.
	var transport signaling.Transport
	if cfg.P2P.SignalRelayURL != "" {
		transport = signaling.NewWSTransport(cfg.P2P.SignalRelayURL, node.ID())
		log.Info().Str("relay", cfg.P2P.SignalRelayURL).Msg("signaling via websocket relay")
	} else {
		transport = signaling.NewPubSubTransport(node.PubSub(), node.ID())
	}

	notifier, err := signaling.NewInviteNotifier(node.PubSub(), node.ID())
	if err != nil {
		_ = db.Close()
		_ = node.Close()
		return nil, fmt.Errorf("start invite notifier: %w", err)
	}

	c := &Client{
		cfg:       cfg,
		node:      node,
		db:        db,
		transport: transport,
		notifier:  notifier,
		capture:   capture,
	}
	c.calls = call.NewManager(call.Options{
		Self: call.Identity{
			ID:     node.ID(),
			Name:   cfg.Profile.Name,
			Avatar: cfg.Profile.Avatar,
		},
		Transport:   transport,
		Records:     db,
		Media:       captureSource{m: capture},
		NewEngine:   c.newEngine,
		Notifier:    notifier,
		RingTimeout: cfg.Call.RingTimeout(),
	})
	return c, nil
}

// Calls returns the call state machine.
func (c *Client) Calls() *call.Manager {
	return c.calls
}

// ID returns the local peer ID — the address remote peers dial.
func (c *Client) ID() string {
	return c.node.ID()
}

// Connect dials a peer multiaddr to seed the mesh when mDNS discovery
// does not apply.
func (c *Client) Connect(ctx context.Context, addr string) error {
	return c.node.Connect(ctx, addr)
}

// History returns the most recent calls this peer took part in.
func (c *Client) History(ctx context.Context, limit int) ([]*store.Record, error) {
	return c.db.History(ctx, c.node.ID(), limit)
}

// Close ends any active call and shuts the stack down.
func (c *Client) Close() error {
	c.calls.Close()
	_ = c.notifier.Close()
	_ = c.transport.Close()
	_ = c.db.Close()
	return c.node.Close()
}

// newEngine builds the per-call negotiation engine with the acquired
// local media attached.
func (c *Client) newEngine(stream call.MediaStream, cb call.EngineCallbacks) (call.Engine, error) {
	eng, err := rtc.New(rtc.Config{
		ICEServers: c.iceServers(),
		Selector:   c.capture.Selector(),
	}, rtc.Callbacks{
		OnLocalCandidate:   cb.OnLocalCandidate,
		OnRemoteStream:     cb.OnRemoteStream,
		OnConnectionChange: cb.OnConnectionChange,
	})
	if err != nil {
		return nil, err
	}

	var native mediadevices.MediaStream
	if ms, ok := stream.(*media.Stream); ok && ms != nil {
		native = ms.Native()
	}
	if err := eng.AddMediaStream(native); err != nil {
		_ = eng.Close()
		return nil, err
	}
	return eng, nil
}

func (c *Client) iceServers() []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: c.cfg.ICE.STUNURLs}}
	if len(c.cfg.ICE.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:           c.cfg.ICE.TURNURLs,
			Username:       c.cfg.ICE.TURNUsername,
			Credential:     c.cfg.ICE.TURNCredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

// captureSource adapts the concrete media manager to the call layer's
// acquisition interface.
type captureSource struct {
	m *media.Manager
}

func (s captureSource) Acquire(video bool) (call.MediaStream, error) {
	stream, err := s.m.Acquire(video)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (s captureSource) Release(ms call.MediaStream) {
	if stream, ok := ms.(*media.Stream); ok {
		s.m.Release(stream)
	}
}
