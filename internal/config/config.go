package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/meshroom/internal/util"
)

type Config struct {
	Hub     Hub     `json:"hub"`
	ICE     ICE     `json:"ice"`
	Media   Media   `json:"media"`
	Profile Profile `json:"profile"`
	Log     Log     `json:"log"`
}

type Hub struct {
	// URL of the signaling hub websocket endpoint, e.g. "wss://example.org/rtc".
	URL string `json:"url"`

	// Static bearer token attached to the hub connection. Empty means the
	// hub accepts anonymous connections.
	Token string `json:"token"`

	// Maximum reconnect backoff in seconds. 0 = default (30).
	MaxBackoffSec int `json:"max_backoff_sec"`
}

type ICE struct {
	// STUN/TURN server URLs handed to every peer connection.
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

type Media struct {
	MicOn bool `json:"mic_on"`
	CamOn bool `json:"cam_on"`

	// Optional device label hints; empty picks the first available device.
	PreferredCam string `json:"preferred_cam"`
	PreferredMic string `json:"preferred_mic"`
}

type Profile struct {
	DisplayName string `json:"display_name"`
}

type Log struct {
	// Level for all meshroom subsystems: debug, info, warn, error.
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Hub: Hub{
			URL:           "ws://127.0.0.1:8787/rtc",
			MaxBackoffSec: 30,
		},
		ICE: ICE{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
		Media: Media{
			MicOn: true,
			CamOn: true,
		},
		Profile: Profile{
			DisplayName: "guest",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Hub
	u := strings.TrimSpace(c.Hub.URL)
	if u == "" {
		return errors.New("hub.url is required")
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("hub.url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return errors.New("hub.url scheme must be ws or wss")
	}
	if parsed.Host == "" {
		return errors.New("hub.url host is required")
	}
	if c.Hub.MaxBackoffSec < 0 {
		return errors.New("hub.max_backoff_sec must be >= 0")
	}

	// ICE
	if len(c.ICE.URLs) == 0 {
		return errors.New("ice.urls must list at least one STUN/TURN server")
	}
	for _, s := range c.ICE.URLs {
		scheme, _, ok := strings.Cut(s, ":")
		if !ok {
			return fmt.Errorf("ice.urls entry %q is not a valid server URL", s)
		}
		switch scheme {
		case "stun", "stuns", "turn", "turns":
		default:
			return fmt.Errorf("ice.urls entry %q: scheme must be stun(s) or turn(s)", s)
		}
	}
	if (c.ICE.Username == "") != (c.ICE.Credential == "") {
		return errors.New("ice.username and ice.credential must be set together")
	}

	// Profile
	if strings.TrimSpace(c.Profile.DisplayName) == "" {
		return errors.New("profile.display_name is required")
	}

	// Log
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}

	return nil
}

// Load reads the config file at path. A missing file is not an error: the
// defaults are written back so the user has something to edit.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if werr := util.WriteJSONFile(path, cfg); werr != nil {
				return cfg, fmt.Errorf("write default config: %w", werr)
			}
			return cfg, nil
		}
		return cfg, err
	}

	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config back to path.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}
