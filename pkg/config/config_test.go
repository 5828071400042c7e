package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedstore/pkg/types"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"instance": {
			"domain": "storage.example",
			"name": "Example Storage",
			"algorithm": "SHA256withRSA"
		},
		"server": {"address": ":9000"},
		"database": {"type": "memory"}
	}`)

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "storage.example", cfg.Instance.Domain)
	assert.Equal(t, "SHA256withRSA", cfg.Instance.Algorithm)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Database.Type)

	// Defaults fill what the file leaves unset.
	assert.Equal(t, "dev", cfg.Instance.Version)
	assert.Equal(t, "./data", cfg.Database.DataDir)
	assert.Equal(t, 300, cfg.Maintenance.HealthIntervalSeconds)
	assert.Equal(t, 30, cfg.Maintenance.RetentionDays)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FEDSTORE_DOMAIN", "env.example")
	t.Setenv("FEDSTORE_LISTEN_ADDR", ":7000")
	t.Setenv("FEDSTORE_RETENTION_DAYS", "14")

	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "env.example", cfg.Instance.Domain)
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, 14, cfg.Maintenance.RetentionDays)
	assert.Equal(t, "Ed25519", cfg.Instance.Algorithm)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Len(t, cfg.Instance.Capabilities, 3)
}

func TestLoadFileValuesWin(t *testing.T) {
	t.Setenv("FEDSTORE_DOMAIN", "env.example")

	path := writeConfigFile(t, `{"instance": {"domain": "file.example"}}`)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "file.example", cfg.Instance.Domain)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), "/nonexistent/config.json")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing domain",
			mutate:  func(c *Config) { c.Instance.Domain = "" },
			wantErr: "domain is required",
		},
		{
			name:    "domain with colon",
			mutate:  func(c *Config) { c.Instance.Domain = "peer.example:8080" },
			wantErr: "must not contain",
		},
		{
			name:    "unsupported algorithm",
			mutate:  func(c *Config) { c.Instance.Algorithm = "DSA" },
			wantErr: "unsupported algorithm",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				Instance: InstanceConfig{
					Domain:    "storage.example",
					Algorithm: "Ed25519",
				},
			}
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestTypedCapabilities(t *testing.T) {
	cfg := InstanceConfig{Capabilities: []string{"SEND_SHARES", "RECEIVE_SHARES"}}
	assert.Equal(t, []types.Capability{
		types.CapabilitySendShares,
		types.CapabilityReceiveShares,
	}, cfg.TypedCapabilities())
}

func TestLoadPrivateKey(t *testing.T) {
	cfg := InstanceConfig{}
	key, err := cfg.LoadPrivateKey()
	require.NoError(t, err)
	assert.Empty(t, key)

	path := filepath.Join(t.TempDir(), "federation.key")
	require.NoError(t, os.WriteFile(path, []byte("c2VjcmV0\n"), 0o600))
	cfg.KeyFile = path

	key, err = cfg.LoadPrivateKey()
	require.NoError(t, err)
	assert.Equal(t, "c2VjcmV0", key)

	cfg.KeyFile = filepath.Join(t.TempDir(), "missing.key")
	_, err = cfg.LoadPrivateKey()
	assert.Error(t, err)
}
