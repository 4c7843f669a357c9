package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/silohost/internal/config"
	"github.com/devrev/silohost/internal/entities"
	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/ports"
)

// mockFinder is a PortFinder driven by testify expectations
type mockFinder struct {
	mock.Mock
}

func (m *mockFinder) FindAvailablePort(r ports.PortRange) (int, error) {
	args := m.Called(r)
	return args.Int(0), args.Error(1)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func loadConfig(t *testing.T, values map[string]string) *config.Config {
	t.Helper()
	base := map[string]string{
		"Orleans:ClusterId":                     "SomeClusterId",
		"Orleans:ServiceId":                     "SomeServiceId",
		"Orleans:Providers:Clustering:Provider": "Localhost",
	}
	for k, v := range values {
		base[k] = v
	}
	cfg, err := config.FromMap(base)
	require.NoError(t, err)
	return cfg
}

func singlePort(role string, port int) map[string]string {
	p := strconv.Itoa(port)
	return map[string]string{
		"Orleans:Ports:" + role + ":Start": p,
		"Orleans:Ports:" + role + ":End":   p,
	}
}

func merge(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func TestNewNode_RequiredArguments(t *testing.T) {
	cfg := loadConfig(t, nil)
	finder := ports.StaticPortFinder{}
	env := config.NewEnvironment(config.EnvironmentDevelopment)

	tests := []struct {
		name  string
		build func() (*Node, error)
	}{
		{"configuration", func() (*Node, error) { return NewNode(nil, zap.NewNop(), finder, env) }},
		{"logger", func() (*Node, error) { return NewNode(cfg, nil, finder, env) }},
		{"portFinder", func() (*Node, error) { return NewNode(cfg, zap.NewNop(), nil, env) }},
		{"environment", func() (*Node, error) { return NewNode(cfg, zap.NewNop(), finder, nil) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			require.True(t, errors.Is(err, sierrors.ErrArgumentNull))
			param, _ := sierrors.GetDetail(err, "param")
			assert.Equal(t, tt.name, param)
		})
	}
}

func TestNewNode_ResolvesConfiguredRolesOnly(t *testing.T) {
	cfg := loadConfig(t, merge(singlePort("Silo", 11111), singlePort("Gateway", 22222)))
	finder := new(mockFinder)
	finder.On("FindAvailablePort", ports.PortRange{Start: 11111, End: 11111}).Return(11111, nil)
	finder.On("FindAvailablePort", ports.PortRange{Start: 22222, End: 22222}).Return(22222, nil)

	n, err := NewNode(cfg, zap.NewNop(), finder, config.NewEnvironment(config.EnvironmentDevelopment))
	require.NoError(t, err)
	defer n.Stop(context.Background())

	assert.Equal(t, 11111, n.SiloPort())
	assert.Equal(t, 22222, n.GatewayPort())
	assert.Equal(t, 0, n.DashboardPort())
	assert.Nil(t, n.dashboard)
	assert.NotNil(t, n.ClusterClient())
	finder.AssertExpectations(t)
	finder.AssertNumberOfCalls(t, "FindAvailablePort", 2)
}

func TestNewNode_NoAvailablePortIsFatal(t *testing.T) {
	cfg := loadConfig(t, singlePort("Silo", 11111))
	finder := new(mockFinder)
	finder.On("FindAvailablePort", mock.Anything).Return(0, sierrors.NoAvailablePort(11111, 11111))

	_, err := NewNode(cfg, zap.NewNop(), finder, config.NewEnvironment(config.EnvironmentDevelopment))

	assert.True(t, errors.Is(err, sierrors.ErrNoAvailablePort))
}

func rangeOf(role string, start, end int) map[string]string {
	return map[string]string{
		"Orleans:Ports:" + role + ":Start": strconv.Itoa(start),
		"Orleans:Ports:" + role + ":End":   strconv.Itoa(end),
	}
}

func TestNewNode_OverlappingRangesGetDistinctPorts(t *testing.T) {
	cfg := loadConfig(t, merge(rangeOf("Silo", 40100, 40101), rangeOf("Gateway", 40100, 40101)))
	finder := new(mockFinder)
	// the finder itself does not know what earlier roles took
	finder.On("FindAvailablePort", ports.PortRange{Start: 40100, End: 40101}).Return(40100, nil)
	finder.On("FindAvailablePort", ports.PortRange{Start: 40101, End: 40101}).Return(40101, nil)

	n, err := NewNode(cfg, zap.NewNop(), finder, config.NewEnvironment(config.EnvironmentDevelopment))
	require.NoError(t, err)
	defer n.Stop(context.Background())

	assert.Equal(t, 40100, n.SiloPort())
	assert.Equal(t, 40101, n.GatewayPort())
	finder.AssertExpectations(t)
}

func TestNewNode_OverlappingRangeExhausted(t *testing.T) {
	cfg := loadConfig(t, merge(singlePort("Silo", 40100), singlePort("Gateway", 40100)))
	finder := new(mockFinder)
	finder.On("FindAvailablePort", ports.PortRange{Start: 40100, End: 40100}).Return(40100, nil)

	_, err := NewNode(cfg, zap.NewNop(), finder, config.NewEnvironment(config.EnvironmentDevelopment))

	require.True(t, errors.Is(err, sierrors.ErrNoAvailablePort))
	start, _ := sierrors.GetDetail(err, "start")
	assert.Equal(t, 40100, start)
}

func TestNode_OverlappingRangesStartWithNetworkFinder(t *testing.T) {
	p := freePort(t)
	if p+5 > ports.MaxPort {
		p = ports.MaxPort - 5
	}
	cfg := loadConfig(t, merge(rangeOf("Silo", p, p+5), rangeOf("Gateway", p, p+5)))

	n, err := NewNode(cfg, zap.NewNop(), ports.NewNetworkPortFinder(), config.NewEnvironment(config.EnvironmentDevelopment))
	require.NoError(t, err)
	defer n.Stop(context.Background())

	assert.NotEqual(t, n.SiloPort(), n.GatewayPort())
	require.NoError(t, n.Start(context.Background()))
}

func TestNewNode_EnvironmentSelectsValidation(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{config.EnvironmentDevelopment, false},
		{config.EnvironmentStaging, false},
		{config.EnvironmentProduction, true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.env), func(t *testing.T) {
			n, err := NewNode(loadConfig(t, nil), zap.NewNop(), ports.StaticPortFinder{}, config.NewEnvironment(tt.env))
			require.NoError(t, err)
			defer n.Stop(context.Background())

			assert.Equal(t, tt.want, n.Silo().ValidatesInitialConnectivity())
		})
	}
}

func TestNode_StartServesClusterClient(t *testing.T) {
	silo, gateway := freePort(t), freePort(t)
	cfg := loadConfig(t, merge(singlePort("Silo", silo), singlePort("Gateway", gateway)))

	n, err := NewNode(cfg, zap.NewNop(), ports.NewNetworkPortFinder(), config.NewEnvironment(config.EnvironmentDevelopment))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop(context.Background())

	var key string
	require.NoError(t, n.ClusterClient().Entity(entities.KindTest, "k-1").Call(context.Background(), "GetKey", nil, &key))
	assert.Equal(t, "k-1", key)

	// no dashboard range, no dashboard listener
	assert.Equal(t, 0, n.DashboardPort())
}

func TestNode_DashboardWhenConfigured(t *testing.T) {
	dash := freePort(t)
	cfg := loadConfig(t, singlePort("Dashboard", dash))

	n, err := NewNode(cfg, zap.NewNop(), ports.NewNetworkPortFinder(), config.NewEnvironment(config.EnvironmentDevelopment),
		WithListenHost("127.0.0.1"))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop(context.Background())

	assert.Equal(t, dash, n.DashboardPort())
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/ready", dash))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNode_StartFailureIsReturned(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	taken := l.Addr().(*net.TCPAddr).Port
	cfg := loadConfig(t, singlePort("Gateway", taken))
	// a finder that hands out a port someone else holds
	finder := ports.StaticPortFinder{{Start: taken, End: taken}: taken}

	n, err := NewNode(cfg, zap.NewNop(), finder, config.NewEnvironment(config.EnvironmentDevelopment),
		WithListenHost("127.0.0.1"))
	require.NoError(t, err)
	defer n.Stop(context.Background())

	err = n.Start(context.Background())
	assert.True(t, errors.Is(err, sierrors.ErrStartupFailed))
}

func TestNode_StopIsIdempotent(t *testing.T) {
	n, err := NewNode(loadConfig(t, nil), zap.NewNop(), ports.StaticPortFinder{}, config.NewEnvironment(config.EnvironmentDevelopment))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	require.NoError(t, n.Stop(context.Background()))
	require.NoError(t, n.Stop(context.Background()))

	assert.True(t, errors.Is(n.Start(context.Background()), sierrors.ErrInvalidState))
	err = n.ClusterClient().Entity(entities.KindTest, "k").Call(context.Background(), "GetKey", nil, nil)
	assert.True(t, errors.Is(err, sierrors.ErrHandleDisposed))
}

func TestNode_InMemoryProviders(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		"Orleans:Providers:Reminders:Provider":       "InMemory",
		"Orleans:Providers:Storage:Default:Provider": "InMemory",
		"Orleans:Providers:Storage:PubSub:Provider":  "InMemory",
	})
	n, err := NewNode(cfg, zap.NewNop(), ports.StaticPortFinder{}, config.NewEnvironment(config.EnvironmentDevelopment))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop(context.Background())
	ctx := context.Background()

	user := entities.UserOf(n.ClusterClient(), "alice")
	require.NoError(t, user.JoinRoom(ctx, "lobby"))
	msg := entities.NewMessage(entities.UserInfo{ID: "bob"}, entities.UserInfo{ID: "lobby"}, "hi")
	require.NoError(t, entities.RoomOf(n.ClusterClient(), "lobby").Post(ctx, msg))

	got, err := user.GetLatestMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, []entities.Message{msg}, got)

	checks, healthy := n.health.Check(ctx)
	assert.True(t, healthy)
	assert.Contains(t, checks, "storage")
	assert.Contains(t, checks, "pubsub")
}
