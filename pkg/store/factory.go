package store

import (
	"fmt"
	"os"
	"path/filepath"

	"marginalia/pkg/config"
)

// NewKVFromConfig creates the KV backend selected by cfg.Type.
func NewKVFromConfig(cfg config.StoreConfig) (KV, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("path required for sqlite store")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		return NewSQLiteKV(cfg.Path)
	case "memory", "":
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
