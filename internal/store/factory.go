package store

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and configures a backend.
type Options struct {
	// Backend is one of "memory", "sqlite", "postgres", "redis".
	// Empty picks sqlite when Path is set, otherwise memory.
	Backend   string
	Path      string // sqlite database file
	URL       string // postgres or redis connection URL
	Retention RetentionPolicy
}

// New creates the configured backend.
func New(ctx context.Context, opts Options) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend == "" {
		if strings.TrimSpace(opts.Path) != "" {
			backend = "sqlite"
		} else {
			backend = "memory"
		}
	}

	if err := opts.Retention.Validate(); err != nil {
		return nil, err
	}

	switch backend {
	case "memory":
		return NewInMemoryStore(opts.Retention), nil
	case "sqlite":
		if strings.TrimSpace(opts.Path) == "" {
			return nil, fmt.Errorf("sqlite backend requires a database path")
		}
		return NewSQLiteStore(opts.Path, opts.Retention)
	case "postgres":
		if strings.TrimSpace(opts.URL) == "" {
			return nil, fmt.Errorf("postgres backend requires a database URL")
		}
		return NewPostgresStore(ctx, opts.URL, opts.Retention)
	case "redis":
		if strings.TrimSpace(opts.URL) == "" {
			return nil, fmt.Errorf("redis backend requires a redis URL")
		}
		return NewRedisStore(ctx, opts.URL, opts.Retention)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
