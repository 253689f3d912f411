package chronicle

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SensorSpec declares one sensor in the configuration file.
type SensorSpec struct {
	// Type selects the adapter factory.
	Type string `yaml:"type"`
	// ID defaults to the adapter's declared name.
	ID string `yaml:"id"`
	// Enabled controls whether the sensor starts with the daemon.
	// Defaults to true.
	Enabled *bool `yaml:"enabled"`
	// Config is passed to the adapter's Initialize.
	Config map[string]any `yaml:"config"`
}

// IsEnabled reports whether the sensor should start.
func (s SensorSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Config is the daemon configuration.
type Config struct {
	// Root is the chronicle directory holding partitions, blobs, and the
	// dead-letter journal. Default: ~/.chronicle.
	Root string `yaml:"root"`

	// DeviceID overrides the hardware-derived device identity.
	DeviceID string `yaml:"device_id"`

	// LogLevel is debug, info, warn, or error. Default: info.
	LogLevel string `yaml:"log_level"`

	Gate    GateConfig    `yaml:"gate"`
	Manager ManagerConfig `yaml:"manager"`
	HTTP    HTTPConfig    `yaml:"http"`
	Hub     HubConfig     `yaml:"hub"`
	Archive ArchiveConfig `yaml:"archive"`

	Sensors []SensorSpec `yaml:"sensors"`
}

// DefaultConfig returns the default daemon configuration. The window focus
// sensor is enabled out of the box.
func DefaultConfig() Config {
	root := defaultRoot()
	return Config{
		Root:     root,
		LogLevel: "info",
		Gate:     DefaultGateConfig(root),
		Manager:  DefaultManagerConfig(),
		HTTP:     DefaultHTTPConfig(),
		Archive:  ArchiveConfig{},
		Sensors: []SensorSpec{
			{Type: SourceWindowFocus},
		},
	}
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chronicle"
	}
	return filepath.Join(home, ".chronicle")
}

// Normalize fills zero values with defaults and threads the root into the
// gate when it was not set explicitly.
func (c *Config) Normalize() error {
	if c.Root == "" {
		c.Root = defaultRoot()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Gate.Root == "" {
		c.Gate.Root = c.Root
	}
	if err := c.Gate.normalize(); err != nil {
		return err
	}
	c.Manager.normalize()
	c.HTTP.normalize()
	c.Archive.normalize()
	return nil
}

// LoadConfig reads a YAML config file and normalizes it. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Normalize()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
