// Package config loads process configuration from the environment and the
// versioned threshold document that tunes the engine.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"

	"github.com/ambientloop/keel/internal/authority"
)

// Config holds process-level configuration loaded from environment variables.
// Behavioral thresholds live in the separate threshold document (see
// Document), not here.
type Config struct {
	Environment string `envconfig:"KEEL_ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"KEEL_LOG_LEVEL" default:"info"`
	HTTPAddr    string `envconfig:"KEEL_HTTP_ADDR" default:":8086"`

	// DBPath is the SQLite database location. Empty runs in-memory only.
	DBPath string `envconfig:"KEEL_DB_PATH" default:"keel.db"`

	// DeviceClass identifies which device class this process runs as.
	DeviceClass string `envconfig:"KEEL_DEVICE_CLASS" default:"controller"`

	// ThresholdsPath points at the versioned threshold document. Empty uses
	// the shipped defaults.
	ThresholdsPath string `envconfig:"KEEL_THRESHOLDS_PATH"`

	// APIKey protects the HTTP surface when set. Empty disables auth, which
	// is only acceptable for local development.
	APIKey string `envconfig:"KEEL_API_KEY"`

	// SyncPeerURL is the cloud reconciliation endpoint. Empty disables the
	// sync pusher.
	SyncPeerURL string `envconfig:"KEEL_SYNC_PEER_URL"`

	EventWindowCap int `envconfig:"KEEL_EVENT_WINDOW_CAP" default:"500"`
	ReceiptCap     int `envconfig:"KEEL_RECEIPT_CAP" default:"200"`
}

// Device returns the configured device class, validated.
func (c *Config) Device() (authority.DeviceClass, error) {
	dc := authority.DeviceClass(c.DeviceClass)
	if !dc.Valid() {
		return "", fmt.Errorf("invalid device class %q", c.DeviceClass)
	}
	return dc, nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
