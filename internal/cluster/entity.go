// Package cluster is the silo runtime: it activates entities on demand, runs
// one call at a time per activation, and serves client gateways.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/store"
)

// Methods the runtime invokes on entities itself
const (
	MethodReminder = "$reminder"
	MethodStream   = "$stream"
)

// EntityID addresses one entity
type EntityID struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

func (id EntityID) String() string {
	return id.Kind + "/" + id.Key
}

// Entity is an addressable unit of state and behaviour. The runtime never
// calls Invoke concurrently on one activation.
type Entity interface {
	Invoke(ctx context.Context, method string, args json.RawMessage) (interface{}, error)
}

// Activator is implemented by entities that load state on activation
type Activator interface {
	OnActivate(ctx context.Context) error
}

// Deactivator is implemented by entities that flush state on deactivation
type Deactivator interface {
	OnDeactivate(ctx context.Context) error
}

// Factory creates an entity for an activation
type Factory func(host *Host) Entity

// Registry maps entity kinds to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a kind. Registering a kind twice replaces the factory.
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Lookup returns the factory for kind
func (r *Registry) Lookup(kind string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[kind]
	if !ok {
		return nil, sierrors.EntityNotFound(kind)
	}
	return f, nil
}

// Kinds returns the registered kinds in order
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Host is what an activation can reach of the silo it lives on
type Host struct {
	ID     EntityID
	Logger *zap.Logger

	silo *Silo
}

// Storage returns the default state store, or nil when none is configured
func (h *Host) Storage() store.StateStore {
	return h.silo.opts.Storage
}

// LoadState loads the activation's persisted state. It reports false when
// nothing is stored or no storage is configured.
func (h *Host) LoadState(ctx context.Context, state interface{}) (bool, error) {
	s := h.Storage()
	if s == nil {
		return false, nil
	}
	if err := s.Load(ctx, h.ID.String(), state); err != nil {
		if sierrors.GetCode(err) == sierrors.ErrCodeNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SaveState persists the activation's state; without storage it is a no-op
func (h *Host) SaveState(ctx context.Context, state interface{}) error {
	s := h.Storage()
	if s == nil {
		return nil
	}
	return s.Save(ctx, h.ID.String(), state)
}

// ClearState removes the activation's persisted state
func (h *Host) ClearState(ctx context.Context) error {
	s := h.Storage()
	if s == nil {
		return nil
	}
	return s.Clear(ctx, h.ID.String())
}

// RegisterReminder asks for MethodReminder calls every period, the first
// after due.
func (h *Host) RegisterReminder(ctx context.Context, name string, due, period time.Duration) error {
	r := h.silo.opts.Reminders
	if r == nil {
		return sierrors.InvalidState("register reminder", "no reminder service configured")
	}
	return r.Register(ctx, h.ID, name, due, period)
}

// UnregisterReminder cancels a reminder
func (h *Host) UnregisterReminder(ctx context.Context, name string) error {
	r := h.silo.opts.Reminders
	if r == nil {
		return sierrors.InvalidState("unregister reminder", "no reminder service configured")
	}
	return r.Unregister(ctx, h.ID, name)
}

// Publish sends payload to every subscriber of stream
func (h *Host) Publish(ctx context.Context, stream StreamID, payload interface{}) error {
	s := h.silo.opts.Streams
	if s == nil {
		return sierrors.InvalidState("publish", "no stream provider configured")
	}
	return s.Publish(ctx, stream, payload)
}

// Subscribe delivers stream events to this activation as MethodStream calls
func (h *Host) Subscribe(ctx context.Context, stream StreamID) error {
	s := h.silo.opts.Streams
	if s == nil {
		return sierrors.InvalidState("subscribe", "no stream provider configured")
	}
	return s.Subscribe(ctx, stream, h.ID)
}

// Unsubscribe stops stream deliveries to this activation
func (h *Host) Unsubscribe(ctx context.Context, stream StreamID) error {
	s := h.silo.opts.Streams
	if s == nil {
		return sierrors.InvalidState("unsubscribe", "no stream provider configured")
	}
	return s.Unsubscribe(ctx, stream, h.ID)
}

// Entity returns a reference for calling another entity from this one
func (h *Host) Entity(kind, key string) *EntityRef {
	return h.silo.localClient.Entity(kind, key)
}

// DecodeArgs unmarshals call arguments, treating empty args as no arguments
func DecodeArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return sierrors.InvalidArgument(fmt.Sprintf("cannot decode arguments: %v", err), err)
	}
	return nil
}
