// Package streams delivers published events to subscribed entities.
package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/silohost/internal/cluster"
	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/metrics"
	"github.com/devrev/silohost/internal/store"
	"github.com/devrev/silohost/internal/util/workerpool"
)

// subscription is the persisted subscriber list of one stream
type subscription struct {
	Subscribers []cluster.EntityID `json:"subscribers"`
}

// SimpleMessageProvider delivers each event directly to every subscriber
// through the runtime. Publish returns once all deliveries finished.
// Subscriptions live in the pub/sub store so every silo sees them.
type SimpleMessageProvider struct {
	pubsub  store.StateStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	workers int

	// serialises subscription read-modify-write on this silo
	subMu sync.Mutex

	mu      sync.RWMutex
	invoker cluster.Invoker
	pool    *workerpool.Pool
}

// NewSimpleMessageProvider creates a provider. A nil pubsub store keeps
// subscriptions in memory on this silo only.
func NewSimpleMessageProvider(pubsub store.StateStore, workers int, m *metrics.Metrics, logger *zap.Logger) *SimpleMessageProvider {
	if pubsub == nil {
		logger.Warn("No pub/sub storage configured, stream subscriptions are kept in memory")
		pubsub = store.NewMemoryStore()
	}
	return &SimpleMessageProvider{
		pubsub:  pubsub,
		logger:  logger,
		metrics: m,
		workers: workers,
	}
}

func subscriptionKey(stream cluster.StreamID) string {
	return "pubsub/" + stream.String()
}

// Start begins accepting publishes
func (p *SimpleMessageProvider) Start(ctx context.Context, invoker cluster.Invoker) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool != nil {
		return nil
	}
	p.invoker = invoker
	p.pool = workerpool.New(workerpool.Config{Name: "streams", Workers: p.workers}, p.logger)
	return nil
}

// Stop waits for in-flight deliveries until ctx is done
func (p *SimpleMessageProvider) Stop(ctx context.Context) error {
	p.mu.Lock()
	pool := p.pool
	p.pool = nil
	p.mu.Unlock()

	if pool == nil {
		return nil
	}
	return pool.Stop(ctx)
}

// Publish delivers payload to every subscriber of stream
func (p *SimpleMessageProvider) Publish(ctx context.Context, stream cluster.StreamID, payload interface{}) error {
	p.mu.RLock()
	pool, invoker := p.pool, p.invoker
	p.mu.RUnlock()
	if pool == nil {
		return sierrors.InvalidState("publish", "stream provider stopped")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return sierrors.InvalidArgument("cannot encode stream payload", err)
	}
	args, err := json.Marshal(cluster.StreamEvent{Stream: stream, Payload: data, Time: time.Now().UTC()})
	if err != nil {
		return err
	}

	sub, err := p.load(ctx, stream)
	if err != nil {
		return err
	}
	p.record("published")

	results := make(chan error, len(sub.Subscribers))
	submitted := 0
	var errs error
	for _, subscriber := range sub.Subscribers {
		subscriber := subscriber
		err := pool.SubmitWait(ctx, workerpool.Job{
			ID:     uuid.NewString(),
			Target: subscriber.String(),
			Run: func(jobCtx context.Context) (err error) {
				defer func() { results <- err }()
				if _, err = invoker.InvokeEntity(jobCtx, subscriber, cluster.MethodStream, args); err != nil {
					return fmt.Errorf("deliver %s to %s: %w", stream, subscriber, err)
				}
				p.record("delivered")
				return nil
			},
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		submitted++
	}

	for i := 0; i < submitted; i++ {
		select {
		case err := <-results:
			errs = multierr.Append(errs, err)
		case <-ctx.Done():
			return multierr.Append(errs, ctx.Err())
		}
	}
	return errs
}

// Subscribe adds subscriber to stream; subscribing twice is a no-op
func (p *SimpleMessageProvider) Subscribe(ctx context.Context, stream cluster.StreamID, subscriber cluster.EntityID) error {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	sub, err := p.load(ctx, stream)
	if err != nil {
		return err
	}
	for _, s := range sub.Subscribers {
		if s == subscriber {
			return nil
		}
	}
	sub.Subscribers = append(sub.Subscribers, subscriber)
	return p.pubsub.Save(ctx, subscriptionKey(stream), sub)
}

// Unsubscribe removes subscriber from stream
func (p *SimpleMessageProvider) Unsubscribe(ctx context.Context, stream cluster.StreamID, subscriber cluster.EntityID) error {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	sub, err := p.load(ctx, stream)
	if err != nil {
		return err
	}
	kept := sub.Subscribers[:0]
	for _, s := range sub.Subscribers {
		if s != subscriber {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return p.pubsub.Clear(ctx, subscriptionKey(stream))
	}
	sub.Subscribers = kept
	return p.pubsub.Save(ctx, subscriptionKey(stream), sub)
}

// Subscribers lists the subscribers of stream
func (p *SimpleMessageProvider) Subscribers(ctx context.Context, stream cluster.StreamID) ([]cluster.EntityID, error) {
	sub, err := p.load(ctx, stream)
	if err != nil {
		return nil, err
	}
	return sub.Subscribers, nil
}

func (p *SimpleMessageProvider) load(ctx context.Context, stream cluster.StreamID) (*subscription, error) {
	var sub subscription
	err := p.pubsub.Load(ctx, subscriptionKey(stream), &sub)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load subscriptions of %s: %w", stream, err)
	}
	return &sub, nil
}

func (p *SimpleMessageProvider) record(direction string) {
	if p.metrics != nil {
		p.metrics.RecordStreamEvent(direction)
	}
}
