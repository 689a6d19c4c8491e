// Package storage provides the durable backends for pending plans, in-flight task records
// and improve loop state.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ent0n29/foreman/internal/improve"
	"github.com/ent0n29/foreman/internal/tasks"
)

// Store is implemented by every backend.
type Store interface {
	tasks.Store
	improve.StateStore
	Close() error
}

type Config struct {
	Driver      string
	Dir         string
	SQLitePath  string
	DatabaseURL string
}

// Open picks a backend by driver name. An empty driver selects postgres when a database
// URL is configured and the file backend otherwise.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if strings.TrimSpace(cfg.DatabaseURL) != "" {
			driver = "postgres"
		} else {
			driver = "file"
		}
	}

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "file":
		return NewFileStore(cfg.Dir)
	case "sqlite":
		path := cfg.SQLitePath
		if strings.TrimSpace(path) == "" {
			path = filepath.Join(cfg.Dir, "foreman.db")
		}
		return NewSQLiteStore(ctx, path)
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("database url is required for postgres store")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}
