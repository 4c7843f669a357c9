package membership

import (
	"context"
	"sync"
	"time"

	sierrors "github.com/devrev/silohost/internal/errors"
)

// LocalTable is an in-process membership table for single-silo development
// clusters.
type LocalTable struct {
	mu        sync.RWMutex
	clusterID string
	entries   map[string]SiloEntry
}

// NewLocalTable creates an empty table for clusterID
func NewLocalTable(clusterID string) *LocalTable {
	return &LocalTable{
		clusterID: clusterID,
		entries:   make(map[string]SiloEntry),
	}
}

// Register adds or replaces an entry
func (t *LocalTable) Register(ctx context.Context, entry SiloEntry) error {
	entry.ClusterID = t.clusterID
	entry.UpdatedAt = time.Now()

	t.mu.Lock()
	t.entries[entry.SiloID] = entry
	t.mu.Unlock()
	return nil
}

// UpdateStatus changes the status of a registered silo
func (t *LocalTable) UpdateStatus(ctx context.Context, siloID string, status SiloStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[siloID]
	if !ok {
		return sierrors.NewSiloError(sierrors.ErrCodeNotFound, "silo not registered", nil).WithDetail("silo_id", siloID)
	}
	entry.Status = status
	entry.UpdatedAt = time.Now()
	t.entries[siloID] = entry
	return nil
}

// Unregister removes a silo
func (t *LocalTable) Unregister(ctx context.Context, siloID string) error {
	t.mu.Lock()
	delete(t.entries, siloID)
	t.mu.Unlock()
	return nil
}

// Members lists registered silos
func (t *LocalTable) Members(ctx context.Context) ([]SiloEntry, error) {
	t.mu.RLock()
	members := make([]SiloEntry, 0, len(t.entries))
	for _, e := range t.entries {
		members = append(members, e)
	}
	t.mu.RUnlock()

	sortMembers(members)
	return members, nil
}

// Close is a no-op
func (t *LocalTable) Close() error {
	return nil
}
