// Package p2p runs the libp2p host and gossipsub router that carry
// signaling traffic between call peers. Media never flows here — once
// ICE completes, audio and video move directly between the peers.
package p2p

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff
	// errors go to stderr by default and pollute application output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
}

const connectTimeout = 3 * time.Second

// Node owns the libp2p host and the pubsub router built on it.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service
}

// Options configure a Node.
type Options struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string
	RelayAddr  string // optional static circuit relay multiaddr
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk, or
// generates a new Ed25519 key and saves it on first run. The peer ID
// derived from this key is the stable signaling address of this client.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warn().Str("path", keyFile).Err(err).Msg("corrupt identity key, generating new one")
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

// New starts a host with a persistent identity, LAN discovery via
// mDNS, optional static circuit relay for NATed peers, and a gossipsub
// router for signaling.
func New(ctx context.Context, opts Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Info().Str("path", opts.KeyFile).Msg("generated new identity key")
	}

	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	}

	if opts.RelayAddr != "" {
		ri, err := relayAddrInfo(opts.RelayAddr)
		if err != nil {
			return nil, fmt.Errorf("relay addr: %w", err)
		}
		hostOpts = append(hostOpts,
			libp2p.EnableRelay(),
			libp2p.EnableHolePunching(),
			libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{*ri},
				autorelay.WithBootDelay(0),
				autorelay.WithBackoff(30*time.Second),
			),
		)
		log.Info().Stringer("relay", ri.ID).Msg("circuit relay enabled")
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, err
	}

	tag := opts.MdnsTag
	if tag == "" {
		tag = "roomy-calls"
	}
	md := mdns.NewMdnsService(h, tag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	log.Info().Stringer("peer", h.ID()).Int("port", opts.ListenPort).Msg("p2p node up")
	return &Node{Host: h, ps: ps, mdns: md}, nil
}

// PubSub returns the gossipsub router.
func (n *Node) PubSub() *pubsub.PubSub {
	return n.ps
}

// ID returns the local peer ID string used for signaling addressing.
func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Connect dials another peer by multiaddr, used to seed the mesh when
// mDNS discovery is not available.
func (n *Node) Connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse peer addr: %w", err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return fmt.Errorf("peer addr info: %w", err)
	}
	return n.Host.Connect(ctx, *pi)
}

// Close stops discovery and the host.
func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}

func relayAddrInfo(addr string) (*peer.AddrInfo, error) {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, err
	}
	return peer.AddrInfoFromP2pAddr(m)
}
