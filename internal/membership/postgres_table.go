package membership

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	sierrors "github.com/devrev/silohost/internal/errors"
)

// PostgresTable implements Table on PostgreSQL
type PostgresTable struct {
	pool      *pgxpool.Pool
	clusterID string
	logger    *zap.Logger
}

// NewPostgresTable creates a membership table for clusterID. The pool is
// owned by the caller.
func NewPostgresTable(pool *pgxpool.Pool, clusterID string, logger *zap.Logger) *PostgresTable {
	return &PostgresTable{
		pool:      pool,
		clusterID: clusterID,
		logger:    logger,
	}
}

// EnsureSchema creates the membership table if it does not exist
func (t *PostgresTable) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS silo_membership (
			cluster_id      TEXT        NOT NULL,
			silo_id         TEXT        NOT NULL,
			service_id      TEXT        NOT NULL,
			address         TEXT        NOT NULL,
			gateway_address TEXT        NOT NULL DEFAULT '',
			status          TEXT        NOT NULL,
			started_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (cluster_id, silo_id)
		)
	`

	if _, err := t.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create silo_membership table: %w", err)
	}
	return nil
}

// Register upserts an entry
func (t *PostgresTable) Register(ctx context.Context, entry SiloEntry) error {
	query := `
		INSERT INTO silo_membership (
			cluster_id, silo_id, service_id, address, gateway_address, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cluster_id, silo_id) DO UPDATE
		SET service_id = EXCLUDED.service_id,
		    address = EXCLUDED.address,
		    gateway_address = EXCLUDED.gateway_address,
		    status = EXCLUDED.status,
		    started_at = EXCLUDED.started_at,
		    updated_at = now()
	`

	_, err := t.pool.Exec(ctx, query,
		t.clusterID,
		entry.SiloID,
		entry.ServiceID,
		entry.Address,
		entry.GatewayAddress,
		string(entry.Status),
		entry.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to register silo: %w", err)
	}
	return nil
}

// UpdateStatus changes the status of a registered silo
func (t *PostgresTable) UpdateStatus(ctx context.Context, siloID string, status SiloStatus) error {
	query := `
		UPDATE silo_membership
		SET status = $3, updated_at = now()
		WHERE cluster_id = $1 AND silo_id = $2
	`

	result, err := t.pool.Exec(ctx, query, t.clusterID, siloID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update silo status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return sierrors.NewSiloError(sierrors.ErrCodeNotFound, "silo not registered", nil).WithDetail("silo_id", siloID)
	}
	return nil
}

// Unregister deletes a silo
func (t *PostgresTable) Unregister(ctx context.Context, siloID string) error {
	query := `DELETE FROM silo_membership WHERE cluster_id = $1 AND silo_id = $2`

	if _, err := t.pool.Exec(ctx, query, t.clusterID, siloID); err != nil {
		return fmt.Errorf("failed to unregister silo: %w", err)
	}
	return nil
}

// Members lists the silos of the cluster
func (t *PostgresTable) Members(ctx context.Context) ([]SiloEntry, error) {
	query := `
		SELECT silo_id, cluster_id, service_id, address, gateway_address,
		       status, started_at, updated_at
		FROM silo_membership
		WHERE cluster_id = $1
		ORDER BY silo_id
	`

	rows, err := t.pool.Query(ctx, query, t.clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list silos: %w", err)
	}
	defer rows.Close()

	members := make([]SiloEntry, 0)
	for rows.Next() {
		var e SiloEntry
		var status string
		if err := rows.Scan(
			&e.SiloID,
			&e.ClusterID,
			&e.ServiceID,
			&e.Address,
			&e.GatewayAddress,
			&status,
			&e.StartedAt,
			&e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan silo: %w", err)
		}
		e.Status = SiloStatus(status)
		members = append(members, e)
	}

	return members, rows.Err()
}

// Close is a no-op; the pool belongs to the caller
func (t *PostgresTable) Close() error {
	return nil
}
