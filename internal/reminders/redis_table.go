package reminders

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/silohost/internal/cluster"
)

// RedisTable implements Table as one Redis hash per service
type RedisTable struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewRedisTable creates a reminder table for serviceID. The client is owned
// by the caller.
func NewRedisTable(client *redis.Client, prefix, serviceID string, logger *zap.Logger) *RedisTable {
	return &RedisTable{
		client: client,
		key:    fmt.Sprintf("%sreminders:%s", prefix, serviceID),
		logger: logger,
	}
}

func field(entity cluster.EntityID, name string) string {
	return entity.String() + "#" + name
}

// Upsert adds or replaces a reminder
func (t *RedisTable) Upsert(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal reminder: %w", err)
	}
	return t.client.HSet(ctx, t.key, field(entry.Entity, entry.Name), data).Err()
}

// Delete removes a reminder
func (t *RedisTable) Delete(ctx context.Context, entity cluster.EntityID, name string) error {
	return t.client.HDel(ctx, t.key, field(entity, name)).Err()
}

// List returns every reminder of the service
func (t *RedisTable) List(ctx context.Context) ([]Entry, error) {
	raw, err := t.client.HGetAll(ctx, t.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for f, data := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			t.logger.Warn("Skipping malformed reminder", zap.String("field", f), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}

	sortEntries(entries)
	return entries, nil
}

// Close is a no-op; the client belongs to the caller
func (t *RedisTable) Close() error {
	return nil
}
