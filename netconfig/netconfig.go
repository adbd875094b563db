// Package netconfig implements the persisted network/privacy configuration
// store (spec §6 config table), including the onionRouter mode-force
// invariant. Persistence (tmp-then-rename JSON) follows outbox.Store; the
// Subscribe broadcast of saved Configs is specific to this package.
package netconfig

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Mode is the global transport policy (spec §6 "mode").
type Mode string

const (
	ModeDirectP2P   Mode = "directP2P"
	ModeSelfOnion   Mode = "selfOnion"
	ModeOnionRouter Mode = "onionRouter"
	ModeAuto        Mode = "auto"
	ModePreferTor   Mode = "preferTor"
	ModePreferLoki  Mode = "preferLokinet"
	ModeManual      Mode = "manual"
)

// DefaultSelfOnionMinRelays is the spec §6 default (3-5; we default to 3,
// the floor of that range).
const DefaultSelfOnionMinRelays = 3

// Config is the full persisted network/privacy configuration (spec §6).
type Config struct {
	Mode                Mode   `json:"mode"`
	OnionProxyEnabled   bool   `json:"onionProxyEnabled"`
	OnionProxyURL       string `json:"onionProxyUrl"`
	AllowRemoteProxy    bool   `json:"allowRemoteProxy"`
	WebRTCRelayOnly     bool   `json:"webrtcRelayOnly"`
	DisableLinkPreview  bool   `json:"disableLinkPreview"`
	SelfOnionEnabled    bool   `json:"selfOnionEnabled"`
	SelfOnionMinRelays  int    `json:"selfOnionMinRelays"`
	OnionSelectedNetwork string `json:"onionSelectedNetwork"` // "tor" | "lokinet" | ""
	TorBridgesMode      string `json:"torBridgesMode"`        // "off" | "auto" | "force"
	TorCountryCode      string `json:"torCountryCode"`
}

func defaultConfig() Config {
	return Config{
		Mode:               ModeAuto,
		SelfOnionMinRelays: DefaultSelfOnionMinRelays,
		TorBridgesMode:     "auto",
	}
}

// forceOnionRouterInvariants applies spec §6's mode-force rule: switching
// to onionRouter mode auto-forces proxyEnabled/relayOnly/disableLinkPreview.
func (c *Config) forceOnionRouterInvariants() {
	if c.Mode == ModeOnionRouter {
		c.OnionProxyEnabled = true
		c.WebRTCRelayOnly = true
		c.DisableLinkPreview = true
	}
}

// Store is the durable, read-mostly config cache with change
// notification, mirroring outbox.Store's mutex-guarded persistence idiom.
type Store struct {
	mu         sync.RWMutex
	config     Config
	path       string
	listeners  []chan Config
}

// NewStore loads path if present, else seeds with defaults.
func NewStore(path string) (*Store, error) {
	s := &Store{config: defaultConfig(), path: path}
	if path == "" {
		return s, nil
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}
	cfg.forceOnionRouterInvariants()
	s.config = cfg
	return nil
}

// persist must be called with s.mu held (write lock).
func (s *Store) persist() {
	if s.path == "" {
		return
	}
	data, err := json.Marshal(s.config)
	if err != nil {
		logrus.WithFields(logrus.Fields{"function": "Store.persist", "error": err.Error()}).Error("failed to marshal netconfig")
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Store.persist", "error": err.Error()}).Error("failed to create netconfig directory")
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Store.persist", "error": err.Error()}).Error("failed to write netconfig tmp file")
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Store.persist", "error": err.Error()}).Error("failed to rename netconfig into place")
	}
}

// Get returns the current effective configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Update applies mutate to a copy of the current config, enforces the
// onionRouter mode-force invariant, persists, and broadcasts the result to
// subscribers.
func (s *Store) Update(mutate func(*Config)) Config {
	s.mu.Lock()
	cfg := s.config
	mutate(&cfg)
	cfg.forceOnionRouterInvariants()
	s.config = cfg
	s.persist()
	listeners := append([]chan Config(nil), s.listeners...)
	s.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- cfg:
		default:
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Store.Update",
		"mode":     cfg.Mode,
	}).Info("network config updated")

	return cfg
}

// Subscribe registers a channel that receives every subsequent Update's
// resulting config.
func (s *Store) Subscribe() <-chan Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Config, 4)
	s.listeners = append(s.listeners, ch)
	return ch
}
