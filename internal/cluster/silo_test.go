package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/membership"
	"github.com/devrev/silohost/internal/store"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// keyEntity answers GetKey with its key
type keyEntity struct {
	host *Host
}

func (e *keyEntity) Invoke(ctx context.Context, method string, args json.RawMessage) (interface{}, error) {
	switch method {
	case "GetKey":
		return e.host.ID.Key, nil
	case "Panic":
		panic("boom")
	default:
		return nil, sierrors.MethodNotFound(e.host.ID.Kind, method)
	}
}

// counterEntity keeps a persisted count and increments it slowly so
// overlapping calls would lose updates
type counterEntity struct {
	host  *Host
	count int
}

func (e *counterEntity) OnActivate(ctx context.Context) error {
	_, err := e.host.LoadState(ctx, &e.count)
	return err
}

func (e *counterEntity) OnDeactivate(ctx context.Context) error {
	return e.host.SaveState(ctx, e.count)
}

func (e *counterEntity) Invoke(ctx context.Context, method string, args json.RawMessage) (interface{}, error) {
	switch method {
	case "Increment":
		n := e.count
		time.Sleep(time.Millisecond)
		e.count = n + 1
		return e.count, nil
	case "Get":
		return e.count, nil
	default:
		return nil, sierrors.MethodNotFound(e.host.ID.Kind, method)
	}
}

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register("key", func(h *Host) Entity { return &keyEntity{host: h} })
	r.Register("counter", func(h *Host) Entity { return &counterEntity{host: h} })
	return r
}

func startSilo(t *testing.T, opts Options) *Silo {
	t.Helper()
	if opts.ClusterID == "" {
		opts.ClusterID = "dev"
	}
	if opts.Registry == nil {
		opts.Registry = testRegistry()
	}
	s, err := NewSilo(opts, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestNewSilo_RequiresLoggerAndRegistry(t *testing.T) {
	_, err := NewSilo(Options{Registry: NewRegistry()}, nil)
	require.Error(t, err)
	param, _ := sierrors.GetDetail(err, "param")
	assert.Equal(t, "logger", param)

	_, err = NewSilo(Options{}, zap.NewNop())
	param, _ = sierrors.GetDetail(err, "param")
	assert.Equal(t, "registry", param)
}

func TestSilo_LocalClientRoundTrip(t *testing.T) {
	s := startSilo(t, Options{})

	var key string
	err := s.Client().Entity("key", "abc").Call(context.Background(), "GetKey", nil, &key)

	require.NoError(t, err)
	assert.Equal(t, "abc", key)
	assert.Equal(t, map[string]int{"key": 1}, s.ActivationCounts())
}

func TestSilo_UnknownKindAndMethod(t *testing.T) {
	s := startSilo(t, Options{})
	ctx := context.Background()

	err := s.Client().Entity("nope", "1").Call(ctx, "GetKey", nil, nil)
	assert.True(t, errors.Is(err, sierrors.ErrEntityNotFound))

	err = s.Client().Entity("key", "1").Call(ctx, "Nope", nil, nil)
	assert.True(t, errors.Is(err, sierrors.ErrMethodNotFound))
}

func TestSilo_PanicBecomesError(t *testing.T) {
	s := startSilo(t, Options{})

	err := s.Client().Entity("key", "1").Call(context.Background(), "Panic", nil, nil)

	assert.Equal(t, sierrors.ErrCodeInternal, sierrors.GetCode(err))
	// the activation is still usable
	var key string
	require.NoError(t, s.Client().Entity("key", "1").Call(context.Background(), "GetKey", nil, &key))
}

func TestSilo_OneCallAtATimePerActivation(t *testing.T) {
	s := startSilo(t, Options{})
	ref := s.Client().Entity("counter", "c")
	const calls = 50

	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ref.Call(context.Background(), "Increment", nil, nil))
		}()
	}
	wg.Wait()

	var count int
	require.NoError(t, ref.Call(context.Background(), "Get", nil, &count))
	assert.Equal(t, calls, count)
}

func TestSilo_StateSurvivesIdleDeactivation(t *testing.T) {
	s := startSilo(t, Options{
		Storage:           store.NewMemoryStore(),
		IdleTimeout:       20 * time.Millisecond,
		MembershipRefresh: 10 * time.Millisecond,
	})
	ref := s.Client().Entity("counter", "c")
	require.NoError(t, ref.Call(context.Background(), "Increment", nil, nil))

	assert.Eventually(t, func() bool {
		return len(s.ActivationCounts()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	var count int
	require.NoError(t, ref.Call(context.Background(), "Get", nil, &count))
	assert.Equal(t, 1, count)
}

func TestSilo_StopDisposesHandles(t *testing.T) {
	s := startSilo(t, Options{})
	ref := s.Client().Entity("key", "1")
	require.NoError(t, ref.Call(context.Background(), "GetKey", nil, nil))

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	err := ref.Call(context.Background(), "GetKey", nil, nil)
	assert.True(t, errors.Is(err, sierrors.ErrHandleDisposed))
	assert.False(t, s.Client().IsConnected())

	err = s.Start(context.Background())
	assert.True(t, errors.Is(err, sierrors.ErrInvalidState))
}

func TestSilo_StartIsIdempotent(t *testing.T) {
	s := startSilo(t, Options{GatewayPort: freePort(t)})

	assert.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
}

func TestSilo_PortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	s, err := NewSilo(Options{
		ClusterID:   "dev",
		ListenHost:  "127.0.0.1",
		GatewayPort: l.Addr().(*net.TCPAddr).Port,
		Registry:    testRegistry(),
	}, zap.NewNop())
	require.NoError(t, err)

	err = s.Start(context.Background())
	assert.True(t, errors.Is(err, sierrors.ErrStartupFailed))
}

func TestSilo_RegistersInMembership(t *testing.T) {
	table := membership.NewLocalTable("dev")
	siloPort, gatewayPort := freePort(t), freePort(t)
	s := startSilo(t, Options{SiloPort: siloPort, GatewayPort: gatewayPort, Membership: table})

	members, err := table.Members(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, s.ID(), members[0].SiloID)
	assert.Equal(t, membership.StatusActive, members[0].Status)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", siloPort), members[0].Address)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", gatewayPort), members[0].GatewayAddress)

	require.NoError(t, s.Stop(context.Background()))
	members, err = table.Members(context.Background())
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestSilo_ValidatesInitialConnectivity(t *testing.T) {
	table := membership.NewLocalTable("dev")
	require.NoError(t, table.Register(context.Background(), membership.SiloEntry{
		SiloID:  "ghost",
		Address: fmt.Sprintf("127.0.0.1:%d", freePort(t)),
		Status:  membership.StatusActive,
	}))

	s, err := NewSilo(Options{
		ClusterID:                   "dev",
		SiloPort:                    freePort(t),
		Membership:                  table,
		Registry:                    testRegistry(),
		ValidateInitialConnectivity: true,
	}, zap.NewNop())
	require.NoError(t, err)

	err = s.Start(context.Background())
	assert.True(t, errors.Is(err, sierrors.ErrStartupFailed))
	detail, _ := sierrors.GetDetail(err, "silo_id")
	assert.Equal(t, "ghost", detail)
	assert.False(t, s.IsRunning())
}

func TestSilo_RelaxedValidationIgnoresDeadSilos(t *testing.T) {
	table := membership.NewLocalTable("dev")
	require.NoError(t, table.Register(context.Background(), membership.SiloEntry{
		SiloID:  "ghost",
		Address: fmt.Sprintf("127.0.0.1:%d", freePort(t)),
		Status:  membership.StatusJoining,
	}))

	s := startSilo(t, Options{SiloPort: freePort(t), Membership: table})

	assert.True(t, s.IsRunning())
}

func TestSilo_TwoSilosShareOneActivation(t *testing.T) {
	table := membership.NewLocalTable("dev")
	a := startSilo(t, Options{SiloID: "a", SiloPort: freePort(t), Membership: table, MembershipRefresh: 20 * time.Millisecond})
	b := startSilo(t, Options{SiloID: "b", SiloPort: freePort(t), Membership: table, MembershipRefresh: 20 * time.Millisecond, ValidateInitialConnectivity: true})

	// wait until both silos see each other
	assert.Eventually(t, func() bool {
		return a.placement.Size() == 2 && b.placement.Size() == 2
	}, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, a.Client().Entity("counter", "shared").Call(ctx, "Increment", nil, nil))
		require.NoError(t, b.Client().Entity("counter", "shared").Call(ctx, "Increment", nil, nil))
	}

	total := a.ActivationCounts()["counter"] + b.ActivationCounts()["counter"]
	assert.Equal(t, 1, total)

	var count int
	require.NoError(t, a.Client().Entity("counter", "shared").Call(ctx, "Get", nil, &count))
	assert.Equal(t, 8, count)
}

func TestSilo_UnreachableOwnerRunsLocallyOnlyAfterLeaving(t *testing.T) {
	table := membership.NewLocalTable("dev")
	require.NoError(t, table.Register(context.Background(), membership.SiloEntry{
		SiloID:  "ghost",
		Address: fmt.Sprintf("127.0.0.1:%d", freePort(t)),
		Status:  membership.StatusActive,
	}))
	s := startSilo(t, Options{SiloID: "a", SiloPort: freePort(t), Membership: table, MembershipRefresh: time.Hour})
	require.Equal(t, 2, s.placement.Size())

	var id EntityID
	for i := 0; ; i++ {
		id = EntityID{Kind: "key", Key: fmt.Sprintf("k-%d", i)}
		if owner, _ := s.placement.Owner(id); owner.SiloID == "ghost" {
			break
		}
	}
	ctx := context.Background()

	// the owner is still a member, so the call may have run there
	err := s.Client().Entity(id.Kind, id.Key).Call(ctx, "GetKey", nil, nil)
	assert.True(t, errors.Is(err, sierrors.ErrConnectionRejected))
	assert.Empty(t, s.ActivationCounts())

	require.NoError(t, table.Unregister(ctx, "ghost"))

	var key string
	require.NoError(t, s.Client().Entity(id.Kind, id.Key).Call(ctx, "GetKey", nil, &key))
	assert.Equal(t, id.Key, key)
	assert.Equal(t, map[string]int{"key": 1}, s.ActivationCounts())
}
