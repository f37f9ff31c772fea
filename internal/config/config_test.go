package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "midipe.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
device:
  path: /dev/snd/midiC1D0
client:
  source_muid: 0x0ABCDEF
  default_timeout: 2s
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Device.Path != "/dev/snd/midiC1D0" {
		t.Errorf("Device.Path = %q", cfg.Device.Path)
	}
	if cfg.Client.SourceMUID != 0x0ABCDEF {
		t.Errorf("SourceMUID = %07X", cfg.Client.SourceMUID)
	}
	if cfg.Client.DefaultTimeout != 2*time.Second {
		t.Errorf("DefaultTimeout = %s", cfg.Client.DefaultTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	// Untouched fields keep their defaults.
	if cfg.Client.WarningThreshold != Default().Client.WarningThreshold {
		t.Errorf("WarningThreshold = %d, want default", cfg.Client.WarningThreshold)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of missing file succeeded")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "device: [broken")
	if _, err := Load(path); err == nil {
		t.Error("Load of malformed YAML succeeded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"empty device path", func(c *Config) { c.Device.Path = "" }, true},
		{"muid too wide", func(c *Config) { c.Client.SourceMUID = 0x10000000 }, true},
		{"negative timeout", func(c *Config) { c.Client.DefaultTimeout = -time.Second }, true},
		{"negative threshold", func(c *Config) { c.Client.WarningThreshold = -1 }, true},
		{"bogus log level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"warning alias", func(c *Config) { c.Logging.Level = "warning" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
