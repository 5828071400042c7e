// Package config loads the process-wide instance configuration. Values
// come from a JSON file; FEDSTORE_* environment variables and tag
// defaults fill anything the file leaves unset. The private key is
// loaded once at startup and never leaves the process boundary.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"

	"fedstore/pkg/types"
)

// InstanceConfig is this deployment's federation identity.
type InstanceConfig struct {
	Domain       string   `json:"domain" env:"FEDSTORE_DOMAIN"`
	Name         string   `json:"name" env:"FEDSTORE_NAME"`
	Version      string   `json:"version" env:"FEDSTORE_VERSION, default=dev"`
	Algorithm    string   `json:"algorithm" env:"FEDSTORE_ALGORITHM, default=Ed25519"`
	KeyFile      string   `json:"key_file" env:"FEDSTORE_KEY_FILE"`
	Capabilities []string `json:"capabilities" env:"FEDSTORE_CAPABILITIES"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address string `json:"address" env:"FEDSTORE_LISTEN_ADDR, default=:8040"`
}

// DatabaseConfig selects and locates the repository backend.
type DatabaseConfig struct {
	Type    string `json:"type" env:"FEDSTORE_DB_TYPE, default=sqlite"`
	DataDir string `json:"data_dir" env:"FEDSTORE_DATA_DIR, default=./data"`
}

// MaintenanceConfig tunes the periodic sweeps.
type MaintenanceConfig struct {
	HealthIntervalSeconds  int `json:"health_interval_seconds" env:"FEDSTORE_HEALTH_INTERVAL, default=300"`
	CleanupIntervalSeconds int `json:"cleanup_interval_seconds" env:"FEDSTORE_CLEANUP_INTERVAL, default=3600"`
	RetentionDays          int `json:"retention_days" env:"FEDSTORE_RETENTION_DAYS, default=30"`
	ProbeWorkers           int `json:"probe_workers" env:"FEDSTORE_PROBE_WORKERS, default=8"`
}

// Config is the full runtime configuration.
type Config struct {
	Instance    InstanceConfig    `json:"instance"`
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

// Load reads the optional JSON config file, then applies environment
// overrides. An empty path skips the file entirely.
func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	// A comma-separated default cannot live in the struct tag, so the
	// capability fallback is applied here.
	if len(cfg.Instance.Capabilities) == 0 {
		cfg.Instance.Capabilities = []string{
			string(types.CapabilitySendShares),
			string(types.CapabilityReceiveShares),
			string(types.CapabilityFederatedIdentity),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields no deployment can run without.
func (c *Config) Validate() error {
	if c.Instance.Domain == "" {
		return fmt.Errorf("instance domain is required")
	}
	if strings.Contains(c.Instance.Domain, ":") {
		return fmt.Errorf("instance domain must not contain ':'")
	}
	switch c.Instance.Algorithm {
	case "Ed25519", "SHA256withRSA":
	default:
		return fmt.Errorf("unsupported algorithm %q", c.Instance.Algorithm)
	}
	return nil
}

// TypedCapabilities converts the configured tags to their typed form.
func (c *InstanceConfig) TypedCapabilities() []types.Capability {
	out := make([]types.Capability, 0, len(c.Capabilities))
	for _, capability := range c.Capabilities {
		out = append(out, types.Capability(capability))
	}
	return out
}

// LoadPrivateKey reads the base64 key material from KeyFile. An empty
// KeyFile yields "", which produces a verify-only crypto engine.
func (c *InstanceConfig) LoadPrivateKey() (string, error) {
	if c.KeyFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.KeyFile)
	if err != nil {
		return "", fmt.Errorf("failed to read key file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
