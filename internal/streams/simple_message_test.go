package streams

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/silohost/internal/cluster"
	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/metrics"
	"github.com/devrev/silohost/internal/store"
)

type fakeInvoker struct {
	mu     sync.Mutex
	events map[cluster.EntityID][]cluster.StreamEvent
	fail   map[cluster.EntityID]error
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		events: make(map[cluster.EntityID][]cluster.StreamEvent),
		fail:   make(map[cluster.EntityID]error),
	}
}

func (f *fakeInvoker) InvokeEntity(ctx context.Context, id cluster.EntityID, method string, args json.RawMessage) (json.RawMessage, error) {
	if method != cluster.MethodStream {
		return nil, sierrors.MethodNotFound(id.Kind, method)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return nil, err
	}
	var ev cluster.StreamEvent
	if err := json.Unmarshal(args, &ev); err != nil {
		return nil, err
	}
	f.events[id] = append(f.events[id], ev)
	return nil, nil
}

func (f *fakeInvoker) received(id cluster.EntityID) []cluster.StreamEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[id]
}

func startProvider(t *testing.T, pubsub store.StateStore) (*SimpleMessageProvider, *fakeInvoker) {
	t.Helper()
	p := NewSimpleMessageProvider(pubsub, 2, metrics.New(), zap.NewNop())
	invoker := newFakeInvoker()
	require.NoError(t, p.Start(context.Background(), invoker))
	t.Cleanup(func() { p.Stop(context.Background()) })
	return p, invoker
}

func TestSimpleMessage_DeliversToSubscribers(t *testing.T) {
	ctx := context.Background()
	p, invoker := startProvider(t, store.NewMemoryStore())
	stream := cluster.StreamID{Namespace: "chat", Key: "room-1"}
	alice := cluster.EntityID{Kind: "user", Key: "alice"}
	bob := cluster.EntityID{Kind: "user", Key: "bob"}

	require.NoError(t, p.Subscribe(ctx, stream, alice))
	require.NoError(t, p.Subscribe(ctx, stream, bob))
	require.NoError(t, p.Publish(ctx, stream, map[string]string{"text": "hi"}))

	for _, id := range []cluster.EntityID{alice, bob} {
		events := invoker.received(id)
		require.Len(t, events, 1)
		assert.Equal(t, stream, events[0].Stream)
		assert.JSONEq(t, `{"text":"hi"}`, string(events[0].Payload))
	}
}

func TestSimpleMessage_SubscribeTwiceDeliversOnce(t *testing.T) {
	ctx := context.Background()
	p, invoker := startProvider(t, nil)
	stream := cluster.StreamID{Namespace: "chat", Key: "room-1"}
	alice := cluster.EntityID{Kind: "user", Key: "alice"}

	require.NoError(t, p.Subscribe(ctx, stream, alice))
	require.NoError(t, p.Subscribe(ctx, stream, alice))
	require.NoError(t, p.Publish(ctx, stream, "x"))

	assert.Len(t, invoker.received(alice), 1)
}

func TestSimpleMessage_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	pubsub := store.NewMemoryStore()
	p, invoker := startProvider(t, pubsub)
	stream := cluster.StreamID{Namespace: "chat", Key: "room-1"}
	alice := cluster.EntityID{Kind: "user", Key: "alice"}

	require.NoError(t, p.Subscribe(ctx, stream, alice))
	require.NoError(t, p.Unsubscribe(ctx, stream, alice))
	require.NoError(t, p.Publish(ctx, stream, "x"))

	assert.Empty(t, invoker.received(alice))
	assert.Empty(t, pubsub.Keys())
}

func TestSimpleMessage_SubscriptionsSharedThroughStore(t *testing.T) {
	ctx := context.Background()
	pubsub := store.NewMemoryStore()
	first, _ := startProvider(t, pubsub)
	second, invoker := startProvider(t, pubsub)
	stream := cluster.StreamID{Namespace: "chat", Key: "room-1"}
	alice := cluster.EntityID{Kind: "user", Key: "alice"}

	require.NoError(t, first.Subscribe(ctx, stream, alice))
	require.NoError(t, second.Publish(ctx, stream, "x"))

	assert.Len(t, invoker.received(alice), 1)
}

func TestSimpleMessage_ReportsDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	p, invoker := startProvider(t, nil)
	stream := cluster.StreamID{Namespace: "chat", Key: "room-1"}
	alice := cluster.EntityID{Kind: "user", Key: "alice"}
	bob := cluster.EntityID{Kind: "user", Key: "bob"}
	invoker.fail[bob] = errors.New("boom")

	require.NoError(t, p.Subscribe(ctx, stream, alice))
	require.NoError(t, p.Subscribe(ctx, stream, bob))
	err := p.Publish(ctx, stream, "x")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, invoker.received(alice), 1)
}

func TestSimpleMessage_PublishAfterStop(t *testing.T) {
	p := NewSimpleMessageProvider(nil, 1, nil, zap.NewNop())
	require.NoError(t, p.Start(context.Background(), newFakeInvoker()))
	require.NoError(t, p.Stop(context.Background()))

	err := p.Publish(context.Background(), cluster.StreamID{Namespace: "a", Key: "b"}, "x")
	assert.True(t, errors.Is(err, sierrors.ErrInvalidState))
}

func TestSimpleMessage_NoSubscribers(t *testing.T) {
	p, _ := startProvider(t, nil)

	assert.NoError(t, p.Publish(context.Background(), cluster.StreamID{Namespace: "a", Key: "b"}, "x"))
}
