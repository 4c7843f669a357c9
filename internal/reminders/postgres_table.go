package reminders

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devrev/silohost/internal/cluster"
)

// PostgresTable implements Table on PostgreSQL
type PostgresTable struct {
	pool      *pgxpool.Pool
	serviceID string
}

// NewPostgresTable creates a reminder table for serviceID. The pool is owned
// by the caller.
func NewPostgresTable(pool *pgxpool.Pool, serviceID string) *PostgresTable {
	return &PostgresTable{
		pool:      pool,
		serviceID: serviceID,
	}
}

// EnsureSchema creates the reminders table if it does not exist
func (t *PostgresTable) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS entity_reminders (
			service_id  TEXT        NOT NULL,
			entity_kind TEXT        NOT NULL,
			entity_key  TEXT        NOT NULL,
			name        TEXT        NOT NULL,
			start_at    TIMESTAMPTZ NOT NULL,
			period_ms   BIGINT      NOT NULL,
			PRIMARY KEY (service_id, entity_kind, entity_key, name)
		)
	`

	if _, err := t.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create entity_reminders table: %w", err)
	}
	return nil
}

// Upsert adds or replaces a reminder
func (t *PostgresTable) Upsert(ctx context.Context, entry Entry) error {
	query := `
		INSERT INTO entity_reminders (
			service_id, entity_kind, entity_key, name, start_at, period_ms
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (service_id, entity_kind, entity_key, name) DO UPDATE
		SET start_at = EXCLUDED.start_at,
		    period_ms = EXCLUDED.period_ms
	`

	_, err := t.pool.Exec(ctx, query,
		t.serviceID,
		entry.Entity.Kind,
		entry.Entity.Key,
		entry.Name,
		entry.StartAt,
		entry.Period.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to store reminder: %w", err)
	}
	return nil
}

// Delete removes a reminder
func (t *PostgresTable) Delete(ctx context.Context, entity cluster.EntityID, name string) error {
	query := `
		DELETE FROM entity_reminders
		WHERE service_id = $1 AND entity_kind = $2 AND entity_key = $3 AND name = $4
	`

	if _, err := t.pool.Exec(ctx, query, t.serviceID, entity.Kind, entity.Key, name); err != nil {
		return fmt.Errorf("failed to delete reminder: %w", err)
	}
	return nil
}

// List returns every reminder of the service
func (t *PostgresTable) List(ctx context.Context) ([]Entry, error) {
	query := `
		SELECT entity_kind, entity_key, name, start_at, period_ms
		FROM entity_reminders
		WHERE service_id = $1
		ORDER BY entity_kind, entity_key, name
	`

	rows, err := t.pool.Query(ctx, query, t.serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var periodMs int64
		if err := rows.Scan(
			&e.Entity.Kind,
			&e.Entity.Key,
			&e.Name,
			&e.StartAt,
			&periodMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		e.Period = time.Duration(periodMs) * time.Millisecond
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Close is a no-op; the pool belongs to the caller
func (t *PostgresTable) Close() error {
	return nil
}
