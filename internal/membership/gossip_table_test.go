package membership

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func freeGossipPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func gossipConfig(port int, seeds ...string) GossipConfig {
	return GossipConfig{
		BindAddr:       "127.0.0.1",
		BindPort:       port,
		Seeds:          seeds,
		GossipInterval: 50 * time.Millisecond,
		ProbeInterval:  200 * time.Millisecond,
		ProbeTimeout:   100 * time.Millisecond,
	}
}

func TestGossipTable_TwoSilosSeeEachOther(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping gossip test in short mode")
	}
	ctx := context.Background()
	portA, portB := freeGossipPort(t), freeGossipPort(t)
	seed := fmt.Sprintf("127.0.0.1:%d", portA)

	a := NewGossipTable(gossipConfig(portA), "dev", zap.NewNop())
	require.NoError(t, a.Register(ctx, entry("silo-a", "127.0.0.1:30000", time.Now())))
	defer a.Close()

	b := NewGossipTable(gossipConfig(portB, seed), "dev", zap.NewNop())
	require.NoError(t, b.Register(ctx, entry("silo-b", "127.0.0.1:30001", time.Now())))
	defer b.Close()
	require.NoError(t, b.SeedJoinError())

	assert.Eventually(t, func() bool {
		members, err := a.Members(ctx)
		return err == nil && len(members) == 2
	}, 5*time.Second, 50*time.Millisecond)

	gateways, err := GossipGateways{Config: gossipConfig(0, seed), ClusterID: "dev"}.Gateways(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"127.0.0.1:30000", "127.0.0.1:30001"}, gateways)

	// the client member never shows up as a silo
	members, err := a.Members(ctx)
	require.NoError(t, err)
	for _, m := range members {
		assert.Contains(t, []string{"silo-a", "silo-b"}, m.SiloID)
	}
}

func TestGossipTable_StatusPropagates(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping gossip test in short mode")
	}
	ctx := context.Background()
	portA, portB := freeGossipPort(t), freeGossipPort(t)

	a := NewGossipTable(gossipConfig(portA), "dev", zap.NewNop())
	require.NoError(t, a.Register(ctx, entry("silo-a", "127.0.0.1:30000", time.Now())))
	defer a.Close()
	b := NewGossipTable(gossipConfig(portB, fmt.Sprintf("127.0.0.1:%d", portA)), "dev", zap.NewNop())
	require.NoError(t, b.Register(ctx, entry("silo-b", "127.0.0.1:30001", time.Now())))
	defer b.Close()

	require.NoError(t, b.UpdateStatus(ctx, "silo-b", StatusShuttingDown))

	assert.Eventually(t, func() bool {
		members, err := a.Members(ctx)
		return err == nil && len(ActiveGateways(members)) == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestGossipTable_UnreachableSeed(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping gossip test in short mode")
	}
	dead := freeGossipPort(t)
	table := NewGossipTable(gossipConfig(freeGossipPort(t), fmt.Sprintf("127.0.0.1:%d", dead)), "dev", zap.NewNop())
	require.NoError(t, table.Register(context.Background(), entry("silo-a", "", time.Now())))
	defer table.Close()

	assert.Error(t, table.SeedJoinError())
}

func TestGossipGateways_NoSeeds(t *testing.T) {
	_, err := GossipGateways{ClusterID: "dev"}.Gateways(context.Background())
	assert.Error(t, err)
}
