package settings

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrInvalid = errors.New("settings: invalid")

type Scan struct {
	TimeoutSeconds   int     `json:"timeout_seconds"`
	HistorySize      int     `json:"history_size"`
	PathLossExponent float64 `json:"path_loss_exponent"`
	MaxDevices       int     `json:"max_devices"`
	// Services restricts scans to devices advertising one of these UUIDs.
	Services []string `json:"services,omitempty"`
}

type EmbeddedNATS struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	HTTPPort int    `json:"http_port"`
	StoreDir string `json:"store_dir"`
}

type MQTT struct {
	Enabled  bool   `json:"enabled"`
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Prefix   string `json:"prefix"`
	Username string `json:"username,omitempty"`
	// Encrypted with data/secret.key.
	PasswordEnc string `json:"password_enc,omitempty"`
}

type Settings struct {
	Version int `json:"version"`

	HTTPAddr string `json:"http_addr"`

	NATSEnabled bool   `json:"nats_enabled"`
	NATSURL     string `json:"nats_url"`
	NATSPrefix  string `json:"nats_prefix"`

	EmbeddedNATS EmbeddedNATS `json:"embedded_nats"`

	Scan Scan `json:"scan"`
	MQTT MQTT `json:"mqtt"`
}

func Defaults() Settings {
	return Settings{
		Version:  1,
		HTTPAddr: ":8080",

		NATSEnabled: true,
		NATSURL:     "nats://127.0.0.1:14222",
		NATSPrefix:  "bluescan",

		EmbeddedNATS: EmbeddedNATS{
			Enabled:  true,
			Host:     "127.0.0.1",
			Port:     14222,
			HTTPPort: 18222,
			StoreDir: "data/nats",
		},

		Scan: Scan{
			TimeoutSeconds:   600,
			HistorySize:      10,
			PathLossExponent: 2,
			MaxDevices:       512,
		},

		MQTT: MQTT{
			Broker:   "mqtt://127.0.0.1:1883",
			ClientID: "bluescan",
			Prefix:   "bluescan",
		},
	}
}

func (s Scan) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (s Scan) ServiceUUIDs() ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(s.Services))
	for _, raw := range s.Services {
		u, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: service %q: %v", ErrInvalid, raw, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func (s Settings) Validate() error {
	if s.HTTPAddr == "" {
		return fmt.Errorf("%w: http_addr is empty", ErrInvalid)
	}
	if s.Scan.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: scan.timeout_seconds must be positive", ErrInvalid)
	}
	if s.Scan.HistorySize <= 0 {
		return fmt.Errorf("%w: scan.history_size must be positive", ErrInvalid)
	}
	if s.Scan.PathLossExponent <= 0 {
		return fmt.Errorf("%w: scan.path_loss_exponent must be positive", ErrInvalid)
	}
	if s.Scan.MaxDevices <= 0 {
		return fmt.Errorf("%w: scan.max_devices must be positive", ErrInvalid)
	}
	if _, err := s.Scan.ServiceUUIDs(); err != nil {
		return err
	}
	if s.MQTT.Enabled && s.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt.broker is empty", ErrInvalid)
	}
	return nil
}
