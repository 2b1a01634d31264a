// Package store keeps settings, the reasoning-service credential among them,
// and an archive of finished tasks. Backends are in-memory and PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/config"
)

// ErrNotFound is returned for missing settings and tasks.
var ErrNotFound = errors.New("not found")

// Backend is a settings store with a task archive.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	SaveTask(ctx context.Context, task schemas.Task) error
	GetTask(ctx context.Context, id string) (schemas.Task, error)
	Close()
}

// Open builds the backend selected by cfg. The postgres backend owns its pool
// and creates its tables.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		s, err := New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// Overlay answers Get from fixed values before falling through to the
// backend, so a credential from the environment is never written to storage.
type Overlay struct {
	Backend
	values map[string]string
}

// WithOverrides wraps b. Empty values are ignored.
func WithOverrides(b Backend, values map[string]string) *Overlay {
	o := &Overlay{Backend: b, values: make(map[string]string)}
	for k, v := range values {
		if v != "" {
			o.values[k] = v
		}
	}
	return o
}

// Get returns the override for key, or the stored value.
func (o *Overlay) Get(ctx context.Context, key string) (string, error) {
	if v, ok := o.values[key]; ok {
		return v, nil
	}
	return o.Backend.Get(ctx, key)
}
