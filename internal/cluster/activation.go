package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	sierrors "github.com/devrev/silohost/internal/errors"
)

// activation is one in-memory instance of an entity. turn admits one call
// at a time.
type activation struct {
	id     EntityID
	entity Entity
	turn   chan struct{}

	// guarded by turn
	ready       bool
	deactivated bool

	lastUsed atomic.Int64
}

func (a *activation) acquire(ctx context.Context) error {
	select {
	case a.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *activation) tryAcquire() bool {
	select {
	case a.turn <- struct{}{}:
		return true
	default:
		return false
	}
}

func (a *activation) release() {
	<-a.turn
}

// activation returns the live activation for id, creating it if needed
func (s *Silo) activation(id EntityID, factory Factory) *activation {
	s.actMu.Lock()
	defer s.actMu.Unlock()

	if a, ok := s.activations[id]; ok {
		return a
	}
	host := &Host{
		ID:     id,
		Logger: s.logger.With(zap.String("entity", id.String())),
		silo:   s,
	}
	a := &activation{
		id:     id,
		entity: factory(host),
		turn:   make(chan struct{}, 1),
	}
	a.lastUsed.Store(time.Now().UnixNano())
	s.activations[id] = a
	return a
}

func (s *Silo) discard(a *activation) {
	s.actMu.Lock()
	if s.activations[a.id] == a {
		delete(s.activations, a.id)
	}
	s.actMu.Unlock()
}

// invokeLocal runs a call on this silo's activation of id
func (s *Silo) invokeLocal(ctx context.Context, id EntityID, method string, args json.RawMessage) (json.RawMessage, error) {
	if !s.IsRunning() {
		return nil, sierrors.HandleDisposed("silo " + s.id)
	}
	factory, err := s.opts.Registry.Lookup(id.Kind)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	for {
		a := s.activation(id, factory)
		if err := a.acquire(ctx); err != nil {
			return nil, err
		}
		if a.deactivated {
			// lost a race with deactivation; the map now holds a fresh one
			a.release()
			continue
		}

		result, err := s.runTurn(ctx, a, method, args)
		a.lastUsed.Store(time.Now().UnixNano())
		a.release()

		s.opts.Metrics.RecordInvocation(id.Kind, method, err, time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		return encodeResult(result)
	}
}

// runTurn activates a if needed and invokes method. Callers hold the turn.
func (s *Silo) runTurn(ctx context.Context, a *activation, method string, args json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Entity call panicked",
				zap.String("entity", a.id.String()),
				zap.String("method", method),
				zap.Any("panic", r))
			err = sierrors.InternalError(fmt.Sprintf("entity %s panicked in %s", a.id, method), nil)
		}
	}()

	if !a.ready {
		if act, ok := a.entity.(Activator); ok {
			if err := act.OnActivate(ctx); err != nil {
				a.deactivated = true
				s.discard(a)
				return nil, fmt.Errorf("failed to activate %s: %w", a.id, err)
			}
		}
		a.ready = true
		s.opts.Metrics.RecordActivation(a.id.Kind)
		s.logger.Debug("Entity activated", zap.String("entity", a.id.String()))
	}

	return a.entity.Invoke(ctx, method, args)
}

func encodeResult(result interface{}) (json.RawMessage, error) {
	switch r := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return r, nil
	default:
		data, err := json.Marshal(r)
		if err != nil {
			return nil, sierrors.InternalError("failed to encode result", err)
		}
		return data, nil
	}
}

// deactivate runs OnDeactivate and drops the activation. Callers hold the turn.
func (s *Silo) deactivate(ctx context.Context, a *activation) error {
	a.deactivated = true
	s.discard(a)
	if !a.ready {
		return nil
	}

	s.opts.Metrics.RecordDeactivation(a.id.Kind)
	if d, ok := a.entity.(Deactivator); ok {
		if err := d.OnDeactivate(ctx); err != nil {
			return fmt.Errorf("failed to deactivate %s: %w", a.id, err)
		}
	}
	return nil
}

func (s *Silo) snapshotActivations() []*activation {
	s.actMu.Lock()
	defer s.actMu.Unlock()

	all := make([]*activation, 0, len(s.activations))
	for _, a := range s.activations {
		all = append(all, a)
	}
	return all
}

// deactivateAll waits for each activation's current call, then deactivates it
func (s *Silo) deactivateAll(ctx context.Context) error {
	var err error
	for _, a := range s.snapshotActivations() {
		if acqErr := a.acquire(ctx); acqErr != nil {
			err = multierr.Append(err, fmt.Errorf("deactivate %s: %w", a.id, acqErr))
			s.discard(a)
			continue
		}
		err = multierr.Append(err, s.deactivate(ctx, a))
		a.release()
	}
	return err
}

// collectIdle deactivates activations unused for longer than idle; busy
// ones are skipped until the next sweep
func (s *Silo) collectIdle(ctx context.Context, idle time.Duration) {
	cutoff := time.Now().Add(-idle).UnixNano()
	for _, a := range s.snapshotActivations() {
		if a.lastUsed.Load() > cutoff || !a.tryAcquire() {
			continue
		}
		if err := s.deactivate(ctx, a); err != nil {
			s.logger.Warn("Idle deactivation failed", zap.String("entity", a.id.String()), zap.Error(err))
		} else {
			s.logger.Debug("Idle entity deactivated", zap.String("entity", a.id.String()))
		}
		a.release()
	}
}

// ActivationCounts returns the number of live activations per kind
func (s *Silo) ActivationCounts() map[string]int {
	s.actMu.Lock()
	defer s.actMu.Unlock()

	counts := make(map[string]int)
	for id := range s.activations {
		counts[id.Kind]++
	}
	return counts
}
