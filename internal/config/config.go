// Package config holds the node configuration and the persisted identity.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// fragmentOverhead is the room a frame needs beyond a fragment's bytes for
// the opcode, channel name and payload fields.
const fragmentOverhead = 4 << 10

// Config collects every tunable of a node.
type Config struct {
	ListenAddr        string
	DiscoveryPort     int
	BroadcastAddr     string
	AnnounceInterval  time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	LivenessTimeout   time.Duration
	MaxFragmentSize   int
	MaxFrameSize      int
	FilesDir          string
	GatewayAddr       string
	SettingsPath      string
}

// Default returns the configuration used when no flag overrides a field.
func Default() Config {
	return Config{
		ListenAddr:        "0.0.0.0:0",
		DiscoveryPort:     1234,
		BroadcastAddr:     "255.255.255.255",
		AnnounceInterval:  time.Second,
		HeartbeatInterval: time.Second,
		SweepInterval:     time.Second,
		LivenessTimeout:   2 * time.Second,
		MaxFragmentSize:   1 << 20,
		MaxFrameSize:      16 << 20,
		FilesDir:          "files",
		GatewayAddr:       "127.0.0.1:8080",
		SettingsPath:      "lanmesh.json",
	}
}

// BindFlags registers the configuration flags on fs, using the current
// values of c as defaults.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "Overlay TCP listen address")
	fs.IntVar(&c.DiscoveryPort, "discovery-port", c.DiscoveryPort, "UDP discovery port (0 disables discovery)")
	fs.StringVar(&c.BroadcastAddr, "broadcast", c.BroadcastAddr, "Discovery broadcast address")
	fs.DurationVar(&c.AnnounceInterval, "announce-interval", c.AnnounceInterval, "Discovery announce period")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "Presence heartbeat period")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "Presence liveness sweep period")
	fs.DurationVar(&c.LivenessTimeout, "liveness-timeout", c.LivenessTimeout, "Silence before a user is considered gone")
	fs.IntVar(&c.MaxFragmentSize, "max-fragment", c.MaxFragmentSize, "Maximum file fragment size in bytes")
	fs.IntVar(&c.MaxFrameSize, "max-frame", c.MaxFrameSize, "Maximum overlay frame size in bytes")
	fs.StringVar(&c.FilesDir, "files", c.FilesDir, "Directory receiving files")
	fs.StringVar(&c.GatewayAddr, "gateway", c.GatewayAddr, "WebSocket gateway address (empty disables)")
	fs.StringVar(&c.SettingsPath, "cfg", c.SettingsPath, "Settings file holding the persisted identity")
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.DiscoveryPort < 0 || c.DiscoveryPort > 65535:
		return fmt.Errorf("invalid discovery port %d", c.DiscoveryPort)
	case c.AnnounceInterval <= 0, c.HeartbeatInterval <= 0, c.SweepInterval <= 0:
		return errors.New("intervals must be positive")
	case c.LivenessTimeout <= 0:
		return errors.New("liveness timeout must be positive")
	case c.MaxFragmentSize <= 0:
		return fmt.Errorf("invalid max fragment size %d", c.MaxFragmentSize)
	case c.MaxFrameSize < c.MaxFragmentSize+fragmentOverhead:
		return fmt.Errorf("max frame size %d cannot carry fragments of %d bytes", c.MaxFrameSize, c.MaxFragmentSize)
	case c.FilesDir == "":
		return errors.New("files directory is required")
	}
	return nil
}

// Settings is the identity that survives restarts.
type Settings struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewID returns a fresh random user id.
func NewID() string {
	return uuid.NewString()
}

// LoadSettings reads the settings file at path. A missing file yields a new
// identity; the caller decides whether to save it.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Settings{ID: NewID(), Name: defaultName()}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if _, err := uuid.Parse(s.ID); err != nil {
		s.ID = NewID()
	}
	if s.Name == "" {
		s.Name = defaultName()
	}
	return s, nil
}

// SaveSettings writes s to path, replacing the previous file atomically.
func SaveSettings(path string, s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

func defaultName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "anonymous"
}
