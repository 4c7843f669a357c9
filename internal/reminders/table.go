// Package reminders persists periodic reminders and fires them at entities.
package reminders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/silohost/internal/cluster"
)

// Entry is one registered reminder. It fires at StartAt and then every
// Period.
type Entry struct {
	Entity  cluster.EntityID `json:"entity"`
	Name    string           `json:"name"`
	StartAt time.Time        `json:"start_at"`
	Period  time.Duration    `json:"period"`
}

// NextAfter returns the first firing time strictly after t
func (e Entry) NextAfter(t time.Time) time.Time {
	if t.Before(e.StartAt) {
		return e.StartAt
	}
	elapsed := t.Sub(e.StartAt)
	n := elapsed/e.Period + 1
	return e.StartAt.Add(n * e.Period)
}

type entryKey struct {
	entity cluster.EntityID
	name   string
}

func keyOf(e Entry) entryKey {
	return entryKey{entity: e.Entity, name: e.Name}
}

// Table stores reminders for one service
type Table interface {
	Upsert(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, entity cluster.EntityID, name string) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// MemoryTable keeps reminders in process memory
type MemoryTable struct {
	mu      sync.RWMutex
	entries map[entryKey]Entry
}

// NewMemoryTable creates an empty in-memory table
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{entries: make(map[entryKey]Entry)}
}

// Upsert adds or replaces a reminder
func (t *MemoryTable) Upsert(ctx context.Context, entry Entry) error {
	t.mu.Lock()
	t.entries[keyOf(entry)] = entry
	t.mu.Unlock()
	return nil
}

// Delete removes a reminder
func (t *MemoryTable) Delete(ctx context.Context, entity cluster.EntityID, name string) error {
	t.mu.Lock()
	delete(t.entries, entryKey{entity: entity, name: name})
	t.mu.Unlock()
	return nil
}

// List returns every reminder
func (t *MemoryTable) List(ctx context.Context) ([]Entry, error) {
	t.mu.RLock()
	entries := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	sortEntries(entries)
	return entries, nil
}

// Close is a no-op
func (t *MemoryTable) Close() error {
	return nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Entity != b.Entity {
			return a.Entity.String() < b.Entity.String()
		}
		return a.Name < b.Name
	})
}
