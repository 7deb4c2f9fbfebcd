package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/huddle/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Call     Call     `json:"call"`
	Profile  Profile  `json:"profile"`
	Gateway  Gateway  `json:"gateway"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Presence struct {
	// Heartbeat republish interval while the client is active.
	HeartbeatSec int `json:"heartbeat_seconds"`

	// Interval between staleness sweeps over known online records.
	SweepSec int `json:"sweep_seconds"`

	// Age after which an online record is no longer trusted and gets
	// force-downgraded to offline. Must exceed the heartbeat interval by a
	// generous margin (4-5x) so one missed beat doesn't flap the status.
	StaleSec int `json:"stale_seconds"`
}

type Call struct {
	// STUN servers handed to the peer connection.
	STUNServers []string `json:"stun_servers"`

	// Media acquisition retry budget: "device busy" failures are usually
	// transient, so a couple of retries with a short pause recovers them.
	MediaRetries     int `json:"media_retries"`
	MediaRetryWaitMs int `json:"media_retry_wait_ms"`

	// ICE timeouts (seconds): disconnected, failed, keepalive.
	ICEDisconnectSec int `json:"ice_disconnect_sec"`
	ICEFailSec       int `json:"ice_fail_sec"`
	ICEKeepaliveSec  int `json:"ice_keepalive_sec"`
}

type Profile struct {
	Username string `json:"username"`
}

type Gateway struct {
	// Local HTTP address for the UI bridge, e.g. ":8750". Empty disables it.
	HTTPAddr string `json:"http_addr"`
}

// Default returns a config with workable defaults for a fresh peer directory.
func Default() Config {
	return Config{
		Identity: Identity{KeyFile: "identity.key"},
		P2P:      P2P{ListenPort: 0, MdnsTag: "huddle-mdns"},
		Presence: Presence{
			HeartbeatSec: 30,
			SweepSec:     60,
			StaleSec:     180,
		},
		Call: Call{
			STUNServers:      []string{"stun:stun.l.google.com:19302"},
			MediaRetries:     3,
			MediaRetryWaitMs: 500,
			ICEDisconnectSec: 30,
			ICEFailSec:       120,
			ICEKeepaliveSec:  2,
		},
		Gateway: Gateway{HTTPAddr: ":8750"},
	}
}

// Load reads and validates a config file.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Ensure loads the config at path, creating it with defaults when missing.
// Returns the config and whether a new file was written.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	}
	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("write default config: %w", err)
	}
	return cfg, true, nil
}

// Validate checks internal consistency of the presence timing and addresses.
func (c *Config) Validate() error {
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.SweepSec <= 0 {
		return errors.New("presence.sweep_seconds must be > 0")
	}
	if c.Presence.StaleSec < 2*c.Presence.HeartbeatSec {
		return fmt.Errorf("presence.stale_seconds (%d) must be at least twice heartbeat_seconds (%d) or every hiccup flaps the status",
			c.Presence.StaleSec, c.Presence.HeartbeatSec)
	}
	if c.Call.MediaRetries < 1 {
		c.Call.MediaRetries = 1
	}
	if c.Gateway.HTTPAddr != "" {
		if err := validateHostPort(c.Gateway.HTTPAddr); err != nil {
			return fmt.Errorf("gateway.http_addr: %w", err)
		}
	}
	return nil
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if _, err := strconv.Atoi(port); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	_ = host
	return nil
}
