// Package store persists entity state by key. Entities reach it through the
// runtime; the silo picks the backend from configuration.
package store

import (
	"context"

	sierrors "github.com/devrev/silohost/internal/errors"
)

// ErrNotFound is returned when no state is stored under a key
var ErrNotFound = sierrors.ErrNotFound

// StateStore loads and saves entity state by key
type StateStore interface {
	// Load decodes the state stored under key into state. Returns ErrNotFound
	// when nothing is stored.
	Load(ctx context.Context, key string, state interface{}) error
	Save(ctx context.Context, key string, state interface{}) error
	Clear(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
