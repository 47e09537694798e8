// Package config loads node settings from YAML with defaults, validation
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Operative-001/afetmesh/internal/radio"
)

const (
	FileName = "config.yaml"

	DefaultMarker         = radio.ServiceMarker
	DefaultReconnectDelay = 10 * time.Second
	DefaultMaxHops        = 5
	DefaultRetention      = 5 * time.Minute
	DefaultMaxEntries     = 1000
	DefaultReapInterval   = time.Minute
	DefaultRetryDelay     = 5 * time.Second
	DefaultEventBuffer    = 64
	DefaultAckTimeout     = 2 * time.Second
	DefaultQueueLimit     = 256
	DefaultListen         = ":47475"
	DefaultBeaconAddr     = "255.255.255.255:47474"
	DefaultBeaconPort     = 47474
	DefaultBeaconInterval = 2 * time.Second
)

// Environment overrides, read from the process environment and from an
// optional .env file. The process environment wins.
const (
	EnvDataDir    = "AFETMESH_DATA_DIR"
	EnvListen     = "AFETMESH_LISTEN"
	EnvAdvertise  = "AFETMESH_ADVERTISE"
	EnvBeaconAddr = "AFETMESH_BEACON_ADDR"
	EnvBeaconPort = "AFETMESH_BEACON_PORT"
	EnvMaxHops    = "AFETMESH_MAX_HOPS"
)

// Config holds every node setting.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Router    RouterConfig    `yaml:"router"`
	Transport TransportConfig `yaml:"transport"`
	LAN       LANConfig       `yaml:"lan"`
}

type NodeConfig struct {
	DataDir        string        `yaml:"data_dir"`
	Marker         string        `yaml:"marker"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type RouterConfig struct {
	MaxHops      int           `yaml:"max_hops"`
	Retention    time.Duration `yaml:"retention"`
	MaxEntries   int           `yaml:"max_entries"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

type TransportConfig struct {
	RetryDelay  time.Duration `yaml:"retry_delay"`
	EventBuffer int           `yaml:"event_buffer"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
	QueueLimit  int           `yaml:"queue_limit"`
}

// LANConfig configures the UDP/TCP radio used by the daemon.
type LANConfig struct {
	Listen         string        `yaml:"listen"`
	Advertise      string        `yaml:"advertise,omitempty"`
	BeaconAddr     string        `yaml:"beacon_addr"`
	BeaconPort     int           `yaml:"beacon_port"`
	BeaconInterval time.Duration `yaml:"beacon_interval"`
}

// DefaultDataDir is ~/.afetmesh.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".afetmesh")
}

// Default returns a Config with every default applied.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when path does not exist.
func LoadOrDefault(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate rejects settings the node cannot run with.
func Validate(cfg Config) error {
	if cfg.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if cfg.Node.Marker == "" {
		return fmt.Errorf("node.marker is required")
	}
	if cfg.Router.MaxHops < 1 {
		return fmt.Errorf("router.max_hops must be at least 1, got %d", cfg.Router.MaxHops)
	}
	if cfg.Router.Retention <= 0 {
		return fmt.Errorf("router.retention must be positive")
	}
	if cfg.Router.MaxEntries < 1 {
		return fmt.Errorf("router.max_entries must be at least 1, got %d", cfg.Router.MaxEntries)
	}
	if cfg.Transport.QueueLimit < 1 {
		return fmt.Errorf("transport.queue_limit must be at least 1, got %d", cfg.Transport.QueueLimit)
	}
	if cfg.Transport.EventBuffer < 1 {
		return fmt.Errorf("transport.event_buffer must be at least 1, got %d", cfg.Transport.EventBuffer)
	}
	if cfg.LAN.BeaconPort < 1 || cfg.LAN.BeaconPort > 65535 {
		return fmt.Errorf("lan.beacon_port out of range: %d", cfg.LAN.BeaconPort)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Node.DataDir == "" {
		cfg.Node.DataDir = DefaultDataDir()
	}
	if cfg.Node.Marker == "" {
		cfg.Node.Marker = DefaultMarker
	}
	if cfg.Node.ReconnectDelay == 0 {
		cfg.Node.ReconnectDelay = DefaultReconnectDelay
	}

	if cfg.Router.MaxHops == 0 {
		cfg.Router.MaxHops = DefaultMaxHops
	}
	if cfg.Router.Retention == 0 {
		cfg.Router.Retention = DefaultRetention
	}
	if cfg.Router.MaxEntries == 0 {
		cfg.Router.MaxEntries = DefaultMaxEntries
	}
	if cfg.Router.ReapInterval == 0 {
		cfg.Router.ReapInterval = DefaultReapInterval
	}

	if cfg.Transport.RetryDelay == 0 {
		cfg.Transport.RetryDelay = DefaultRetryDelay
	}
	if cfg.Transport.EventBuffer == 0 {
		cfg.Transport.EventBuffer = DefaultEventBuffer
	}
	if cfg.Transport.AckTimeout == 0 {
		cfg.Transport.AckTimeout = DefaultAckTimeout
	}
	if cfg.Transport.QueueLimit == 0 {
		cfg.Transport.QueueLimit = DefaultQueueLimit
	}

	if cfg.LAN.Listen == "" {
		cfg.LAN.Listen = DefaultListen
	}
	if cfg.LAN.BeaconAddr == "" {
		cfg.LAN.BeaconAddr = DefaultBeaconAddr
	}
	if cfg.LAN.BeaconPort == 0 {
		cfg.LAN.BeaconPort = DefaultBeaconPort
	}
	if cfg.LAN.BeaconInterval == 0 {
		cfg.LAN.BeaconInterval = DefaultBeaconInterval
	}
}

// ApplyEnv overlays AFETMESH_* settings. envFile, when non-empty and
// present, is read first; variables set in the process environment take
// precedence over it.
func ApplyEnv(cfg *Config, envFile string) error {
	vars := map[string]string{}
	if envFile != "" {
		fileVars, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config: read %s: %w", envFile, err)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}
	for _, k := range []string{EnvDataDir, EnvListen, EnvAdvertise, EnvBeaconAddr, EnvBeaconPort, EnvMaxHops} {
		if v, ok := os.LookupEnv(k); ok {
			vars[k] = v
		}
	}

	if v := vars[EnvDataDir]; v != "" {
		cfg.Node.DataDir = v
	}
	if v := vars[EnvListen]; v != "" {
		cfg.LAN.Listen = v
	}
	if v := vars[EnvAdvertise]; v != "" {
		cfg.LAN.Advertise = v
	}
	if v := vars[EnvBeaconAddr]; v != "" {
		cfg.LAN.BeaconAddr = v
	}
	if v := vars[EnvBeaconPort]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvBeaconPort, err)
		}
		cfg.LAN.BeaconPort = n
	}
	if v := vars[EnvMaxHops]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvMaxHops, err)
		}
		cfg.Router.MaxHops = n
	}
	return nil
}
