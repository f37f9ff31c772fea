// Package config loads the YAML configuration consumed by the CLI tools.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-midipe/internal/constants"
)

// Config is the full configuration for a PE client process.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

// DeviceConfig locates and paces the MIDI transport.
type DeviceConfig struct {
	// Path is the rawmidi node, e.g. /dev/snd/midiC0D0.
	Path string `yaml:"path"`
	// BytesPerSecond paces outbound writes. 0 = DIN wire rate,
	// negative = unpaced (virtual ports).
	BytesPerSecond int `yaml:"bytes_per_second"`
}

// ClientConfig tunes the transaction manager.
type ClientConfig struct {
	// SourceMUID is this client's 28-bit MUID on the transport.
	SourceMUID uint32 `yaml:"source_muid"`
	// DefaultTimeout applies to requests without a per-call override.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// WarningThreshold: active-transaction count that triggers a
	// leak-risk warning.
	WarningThreshold int `yaml:"warning_threshold"`
	// NearExhaustionThreshold: free-ID count that triggers a leak-risk
	// warning.
	NearExhaustionThreshold int `yaml:"near_exhaustion_threshold"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Console switches from JSON lines to human-readable output.
	Console bool `yaml:"console"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Device: DeviceConfig{
			Path: "/dev/snd/midiC0D0",
		},
		Client: ClientConfig{
			DefaultTimeout:          constants.DefaultTimeout,
			WarningThreshold:        constants.DefaultWarningThreshold,
			NearExhaustionThreshold: constants.DefaultNearExhaustionThreshold,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	if c.Device.Path == "" {
		return fmt.Errorf("device.path must not be empty")
	}
	if c.Client.SourceMUID > constants.MUIDMask {
		return fmt.Errorf("client.source_muid 0x%X exceeds 28 bits", c.Client.SourceMUID)
	}
	if c.Client.DefaultTimeout < 0 {
		return fmt.Errorf("client.default_timeout must not be negative")
	}
	if c.Client.WarningThreshold < 0 || c.Client.NearExhaustionThreshold < 0 {
		return fmt.Errorf("client thresholds must not be negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not a known level", c.Logging.Level)
	}
	return nil
}
