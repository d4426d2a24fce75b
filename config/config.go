// Package config loads the JSON configuration for the call client:
// peer identity, networking, ICE servers, and call timing.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Identity Identity `json:"identity"`
	Profile  Profile  `json:"profile"`
	P2P      P2P      `json:"p2p"`
	ICE      ICE      `json:"ice"`
	Call     Call     `json:"call"`
	Paths    Paths    `json:"paths"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

// Profile is presentation metadata announced with outgoing calls.
type Profile struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Optional static circuit relay, as a full multiaddr including
	// the relay's peer ID. Empty disables relay transport.
	RelayAddr string `json:"relay_addr"`

	// Optional websocket signaling relay URL. When set, signaling
	// runs over the relay instead of gossipsub.
	SignalRelayURL string `json:"signal_relay_url"`
}

// ICE lists the STUN/TURN servers handed to every peer connection.
// Static for the process lifetime; never negotiated at runtime.
type ICE struct {
	STUNURLs       []string `json:"stun_urls"`
	TURNURLs       []string `json:"turn_urls"`
	TURNUsername   string   `json:"turn_username"`
	TURNCredential string   `json:"turn_credential"`
}

type Call struct {
	// RingTimeoutSec is the caller-side no-answer window. 0 = default 30.
	RingTimeoutSec int `json:"ring_timeout_seconds"`
}

type Paths struct {
	DataDir string `json:"data_dir"`
}

// Default returns a configuration rooted at dir.
func Default(dir string) Config {
	return Config{
		Identity: Identity{KeyFile: filepath.Join(dir, "identity.key")},
		P2P:      P2P{ListenPort: 0, MdnsTag: "roomy-calls"},
		ICE:      ICE{STUNURLs: []string{"stun:stun.l.google.com:19302"}},
		Call:     Call{RingTimeoutSec: 30},
		Paths:    Paths{DataDir: dir},
	}
}

// Load reads path, filling unset fields from Default relative to the
// config file's directory. A missing file yields the defaults.
func Load(path string) (Config, error) {
	dir := filepath.Dir(path)
	cfg := Default(dir)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Identity.KeyFile == "" {
		cfg.Identity.KeyFile = filepath.Join(dir, "identity.key")
	}
	if cfg.Paths.DataDir == "" {
		cfg.Paths.DataDir = dir
	}
	if cfg.Call.RingTimeoutSec <= 0 {
		cfg.Call.RingTimeoutSec = 30
	}
	if len(cfg.ICE.STUNURLs) == 0 {
		cfg.ICE.STUNURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return cfg, cfg.Validate()
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// RingTimeout returns the no-answer window as a duration.
func (c Call) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

// Validate rejects obviously broken settings.
func (c Config) Validate() error {
	for _, u := range c.ICE.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("invalid STUN url %q", u)
		}
	}
	for _, u := range c.ICE.TURNURLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("invalid TURN url %q", u)
		}
	}
	if len(c.ICE.TURNURLs) > 0 && c.ICE.TURNUsername == "" {
		return errors.New("TURN servers require credentials")
	}
	if c.P2P.SignalRelayURL != "" {
		u, err := url.Parse(c.P2P.SignalRelayURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("signal relay url must be ws:// or wss://, got %q", c.P2P.SignalRelayURL)
		}
	}
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.P2P.ListenPort)
	}
	return nil
}
