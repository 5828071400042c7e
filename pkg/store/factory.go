// Package store provides Repository implementations for the federation
// subsystem: a SQLite store for durable deployments and a map-backed
// store for tests and ephemeral use.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"fedstore/pkg/config"
	"fedstore/pkg/federation"
)

// NewFromConfig creates a Repository based on the database config type.
func NewFromConfig(cfg config.DatabaseConfig) (federation.Repository, func() error, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		s, err := NewSQLiteStore(filepath.Join(cfg.DataDir, "federation.db"))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "memory":
		s := NewMemoryStore()
		return s, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
