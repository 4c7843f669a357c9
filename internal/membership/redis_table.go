package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	sierrors "github.com/devrev/silohost/internal/errors"
)

// RedisTable implements Table as one Redis hash per cluster, keyed by silo id
type RedisTable struct {
	client    *redis.Client
	key       string
	clusterID string
	logger    *zap.Logger
}

// NewRedisTable creates a membership table for clusterID. The client is owned
// by the caller.
func NewRedisTable(client *redis.Client, prefix, clusterID string, logger *zap.Logger) *RedisTable {
	return &RedisTable{
		client:    client,
		key:       fmt.Sprintf("%smembership:%s", prefix, clusterID),
		clusterID: clusterID,
		logger:    logger,
	}
}

// Register writes an entry
func (t *RedisTable) Register(ctx context.Context, entry SiloEntry) error {
	entry.ClusterID = t.clusterID
	entry.UpdatedAt = time.Now()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal silo entry: %w", err)
	}
	return t.client.HSet(ctx, t.key, entry.SiloID, data).Err()
}

// UpdateStatus changes the status of a registered silo
func (t *RedisTable) UpdateStatus(ctx context.Context, siloID string, status SiloStatus) error {
	data, err := t.client.HGet(ctx, t.key, siloID).Bytes()
	if errors.Is(err, redis.Nil) {
		return sierrors.NewSiloError(sierrors.ErrCodeNotFound, "silo not registered", nil).WithDetail("silo_id", siloID)
	}
	if err != nil {
		return err
	}

	var entry SiloEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return fmt.Errorf("failed to unmarshal silo entry: %w", err)
	}
	entry.Status = status
	return t.Register(ctx, entry)
}

// Unregister removes a silo
func (t *RedisTable) Unregister(ctx context.Context, siloID string) error {
	return t.client.HDel(ctx, t.key, siloID).Err()
}

// Members lists the silos of the cluster
func (t *RedisTable) Members(ctx context.Context) ([]SiloEntry, error) {
	raw, err := t.client.HGetAll(ctx, t.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list silos: %w", err)
	}

	members := make([]SiloEntry, 0, len(raw))
	for siloID, data := range raw {
		var e SiloEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			t.logger.Warn("Skipping malformed membership entry",
				zap.String("silo_id", siloID),
				zap.Error(err))
			continue
		}
		members = append(members, e)
	}

	sortMembers(members)
	return members, nil
}

// Close is a no-op; the client belongs to the caller
func (t *RedisTable) Close() error {
	return nil
}
