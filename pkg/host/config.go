package host

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/video-system/go-input-host/pkg/broker"
	"github.com/video-system/go-input-host/pkg/input"
	"github.com/video-system/go-input-host/pkg/ringbuffer"
)

// Config holds all host configuration
type Config struct {
	Log     LogConfig         `yaml:"log"`
	Broker  broker.Config     `yaml:"broker"`
	Ring    ringbuffer.Config `yaml:"ring"`
	API     APIConfig         `yaml:"api"`
	Sources []SourceConfig    `yaml:"sources"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// APIConfig configures the control API
type APIConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// Addr returns the listen address
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SourceConfig configures one input source instance
type SourceConfig struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"` // testpattern, imagefile, ffmpeg
	AutoStart bool           `yaml:"auto_start"`
	Settings  input.Settings `yaml:"settings"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, expanding environment variables and
// filling in defaults
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Broker.Slots == 0 {
		cfg.Broker.Slots = broker.DefaultSlots
	}
	if cfg.Broker.MaxBufferSize == 0 {
		cfg.Broker.MaxBufferSize = broker.DefaultMaxBufferSize
	}
	if cfg.Ring.Depth == 0 {
		cfg.Ring.Depth = ringbuffer.DefaultDepth
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}

	seen := make(map[string]bool, len(cfg.Sources))
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Name == "" {
			return nil, fmt.Errorf("source %d: name is required", i)
		}
		if src.Type == "" {
			return nil, fmt.Errorf("source %s: type is required", src.Name)
		}
		if seen[src.Name] {
			return nil, fmt.Errorf("source %s: %w", src.Name, ErrDuplicateName)
		}
		seen[src.Name] = true
		if src.Settings == nil {
			src.Settings = input.Settings{}
		}
	}

	return &cfg, nil
}

// Source returns the source configured under name
func (c *Config) Source(name string) (SourceConfig, bool) {
	if c == nil {
		return SourceConfig{}, false
	}
	for _, src := range c.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return SourceConfig{}, false
}
