package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore implements StateStore on a shared PostgreSQL table. Several
// named stores share the table, told apart by store_name.
type PostgresStore struct {
	pool   *pgxpool.Pool
	name   string
	codec  Codec
	logger *zap.Logger
}

// NewPostgresStore creates a state store named name on pool. The pool is
// owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool, name string, codec Codec, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		name:   name,
		codec:  codec,
		logger: logger,
	}
}

// EnsureSchema creates the state table if it does not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS entity_state (
			store_name  TEXT        NOT NULL,
			state_key   TEXT        NOT NULL,
			payload     BYTEA       NOT NULL,
			format      TEXT        NOT NULL,
			version     BIGINT      NOT NULL DEFAULT 1,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (store_name, state_key)
		)
	`

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create entity_state table: %w", err)
	}
	return nil
}

// Load decodes the state stored under key
func (s *PostgresStore) Load(ctx context.Context, key string, state interface{}) error {
	query := `
		SELECT payload, format
		FROM entity_state
		WHERE store_name = $1 AND state_key = $2
	`

	var payload []byte
	var format string
	err := s.pool.QueryRow(ctx, query, s.name, key).Scan(&payload, &format)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	if format != s.codec.Format() {
		return fmt.Errorf("state for '%s' is stored as %s, store reads %s", key, format, s.codec.Format())
	}
	if err := s.codec.Unmarshal(payload, state); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}
	return nil
}

// Save upserts the state stored under key
func (s *PostgresStore) Save(ctx context.Context, key string, state interface{}) error {
	payload, err := s.codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	query := `
		INSERT INTO entity_state (store_name, state_key, payload, format)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (store_name, state_key) DO UPDATE
		SET payload = EXCLUDED.payload,
		    format = EXCLUDED.format,
		    version = entity_state.version + 1,
		    updated_at = now()
	`

	if _, err := s.pool.Exec(ctx, query, s.name, key, payload, s.codec.Format()); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Clear deletes the state stored under key
func (s *PostgresStore) Clear(ctx context.Context, key string) error {
	query := `DELETE FROM entity_state WHERE store_name = $1 AND state_key = $2`

	if _, err := s.pool.Exec(ctx, query, s.name, key); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op; the pool belongs to the caller
func (s *PostgresStore) Close() error {
	return nil
}
