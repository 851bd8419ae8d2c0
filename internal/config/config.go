// Package config loads the YAML boot file: what the process needs before
// the runtime settings store is opened.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Source string

const (
	SourceNone    Source = "none"
	SourceReplay  Source = "replay"
	SourceSerial  Source = "serial"
	SourceNATS    Source = "nats"
	SourceAdapter Source = "adapter"
)

type Log struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type Replay struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
	Loop     bool          `yaml:"loop"`
}

type Serial struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

type NATSSource struct {
	Subject string        `yaml:"subject"`
	Durable string        `yaml:"durable"`
	Batch   int           `yaml:"batch"`
	Wait    time.Duration `yaml:"wait"`
}

type SourceConfig struct {
	Kind   Source     `yaml:"kind"`
	Replay Replay     `yaml:"replay"`
	Serial Serial     `yaml:"serial"`
	NATS   NATSSource `yaml:"nats"`
}

type Config struct {
	Log     Log          `yaml:"log"`
	DataDir string       `yaml:"data_dir"`
	Source  SourceConfig `yaml:"source"`
	// Autostart begins a scan session at boot.
	Autostart bool `yaml:"autostart"`
}

func Default() *Config {
	return &Config{
		Log:     Log{Level: "info", Encoding: "json"},
		DataDir: "data",
		Source: SourceConfig{
			Kind:   SourceNone,
			Replay: Replay{Interval: 100 * time.Millisecond},
			Serial: Serial{Port: "/dev/ttyACM0", Baud: 115200},
			NATS:   NATSSource{Subject: "sensor.sighting", Durable: "bluescan-core", Batch: 256, Wait: 2 * time.Second},
		},
	}
}

// Load reads path over the defaults. Environment variables in the file are
// expanded. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Source.Kind {
	case SourceNone, SourceNATS, SourceAdapter:
	case SourceReplay:
		if c.Source.Replay.Path == "" {
			return errors.New("source.replay.path is required")
		}
	case SourceSerial:
		if c.Source.Serial.Port == "" || c.Source.Serial.Baud <= 0 {
			return errors.New("source.serial needs a port and a positive baud rate")
		}
	default:
		return fmt.Errorf("unknown source kind %q", c.Source.Kind)
	}
	return nil
}
