package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/chimelab/chime/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	P2P       P2P       `json:"p2p"`
	Presence  Presence  `json:"presence"`
	Signaling Signaling `json:"signaling"`
	Call      Call      `json:"call"`
	Media     Media     `json:"media"`
	Storage   Storage   `json:"storage"`
}

type Identity struct {
	KeyFile     string `json:"key_file"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Presence struct {
	Topic        string `json:"topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
}

type Signaling struct {
	// Mode selects the signaling transport: "pubsub" (gossipsub over the
	// p2p mesh) or "relay" (websocket relay server).
	Mode string `json:"mode"`

	// Relay websocket URL, required when mode is "relay".
	// Example: wss://relay.example.org/signal
	RelayURL string `json:"relay_url"`
}

type Call struct {
	// Advertise calls-off in presence; peers will not ring this user.
	Disabled bool `json:"disabled"`

	STUNServers        []string `json:"stun_servers"`
	ReconnectAttempts  int      `json:"reconnect_attempts"`
	ReconnectBaseMs    int      `json:"reconnect_base_ms"`
	QualityIntervalSec int      `json:"quality_interval_seconds"`
	RingTimeoutSec     int      `json:"ring_timeout_seconds"`
}

type Media struct {
	PreferredCam string `json:"preferred_cam"`
	PreferredMic string `json:"preferred_mic"`
	MaxWidth     int    `json:"max_width"`
	MaxHeight    int    `json:"max_height"`
	VideoBitRate int    `json:"video_bitrate"`

	// Disable media capture entirely; calls are joined receive-only.
	CaptureOff bool `json:"capture_off"`
}

type Storage struct {
	// Call history database path, relative to the peer directory.
	DBDir string `json:"db_dir"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile:     "data/identity.key",
			DisplayName: "anonymous",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "chime-mdns",
		},
		Presence: Presence{
			Topic:        "chime.presence.v1",
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Signaling: Signaling{
			Mode: "pubsub",
		},
		Call: Call{
			STUNServers:        []string{"stun:stun.l.google.com:19302"},
			ReconnectAttempts:  3,
			ReconnectBaseMs:    2000,
			QualityIntervalSec: 3,
			RingTimeoutSec:     30,
		},
		Media: Media{
			MaxWidth:     1280,
			MaxHeight:    720,
			VideoBitRate: 1_000_000,
		},
		Storage: Storage{
			DBDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if _, err := util.ValidateDisplayName(c.Identity.DisplayName); err != nil {
		return fmt.Errorf("identity.display_name: %w", err)
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Presence
	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	// Signaling
	switch c.Signaling.Mode {
	case "pubsub":
	case "relay":
		if err := validateRelayURL(c.Signaling.RelayURL); err != nil {
			return fmt.Errorf("signaling.relay_url: %w", err)
		}
	default:
		return errors.New(`signaling.mode must be "pubsub" or "relay"`)
	}

	// Call
	if len(c.Call.STUNServers) == 0 {
		return errors.New("call.stun_servers must list at least one server")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers: %q must start with stun: or turn:", s)
		}
	}
	if c.Call.ReconnectAttempts < 0 || c.Call.ReconnectAttempts > 10 {
		return errors.New("call.reconnect_attempts must be 0..10")
	}
	if c.Call.ReconnectBaseMs <= 0 {
		return errors.New("call.reconnect_base_ms must be > 0")
	}
	if c.Call.QualityIntervalSec <= 0 {
		return errors.New("call.quality_interval_seconds must be > 0")
	}
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}

	// Media
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}
	if c.Media.VideoBitRate <= 0 {
		return errors.New("media.video_bitrate must be > 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBDir) == "" {
		return errors.New("storage.db_dir is required")
	}

	return nil
}

func validateRelayURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required when signaling.mode is relay")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
