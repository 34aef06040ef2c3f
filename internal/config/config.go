package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig `yaml:"device"`
	Bridge   BridgeConfig `yaml:"bridge"`
	LogLevel string       `yaml:"log_level"`
}

// DeviceConfig identifies the blind and how patiently to reach it.
type DeviceConfig struct {
	Address        string `yaml:"address"`
	ScanTimeout    int    `yaml:"scan_timeout"`    // seconds
	ConnectTimeout int    `yaml:"connect_timeout"` // seconds
	ReconnectMax   int    `yaml:"reconnect_max"`   // max reconnect backoff, seconds
}

// BridgeConfig holds the bridge daemon settings. NATS is optional: an empty
// nats_url disables it.
type BridgeConfig struct {
	Listen        string `yaml:"listen"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blindctl")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ScanTimeout:    10,
			ConnectTimeout: 30,
			ReconnectMax:   30,
		},
		Bridge: BridgeConfig{
			Listen:        ":8765",
			SubjectPrefix: "blinds",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults. A leading ~ in path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config file to the standard location if none
// exists. It returns the path of the written file, or "" if a config file was
// already present.
func WriteDefault() (string, error) {
	dir := DefaultConfigDir()
	if dir == "" {
		return "", fmt.Errorf("cannot determine config directory")
	}
	path := filepath.Join(dir, "config.yaml")

	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	header := []byte("# blindctl configuration\n# See https://github.com/edink84/blindctl for documentation.\n\n")
	if err := os.WriteFile(path, append(header, data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}

	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Address != "" {
		if _, err := net.ParseMAC(c.Device.Address); err != nil {
			return fmt.Errorf("device.address %q is not a Bluetooth address", c.Device.Address)
		}
	}

	if c.Device.ScanTimeout <= 0 {
		return fmt.Errorf("device.scan_timeout must be > 0")
	}
	if c.Device.ConnectTimeout <= 0 {
		return fmt.Errorf("device.connect_timeout must be > 0")
	}
	if c.Device.ReconnectMax <= 0 {
		return fmt.Errorf("device.reconnect_max must be > 0")
	}

	if c.Bridge.Listen == "" {
		return fmt.Errorf("bridge.listen must not be empty")
	}
	if c.Bridge.NATSURL != "" && c.Bridge.SubjectPrefix == "" {
		return fmt.Errorf("bridge.subject_prefix must not be empty when nats_url is set")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
