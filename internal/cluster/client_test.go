package cluster

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/membership"
)

func gatewayFor(port int) membership.StaticGateways {
	return membership.StaticGateways{fmt.Sprintf("127.0.0.1:%d", port)}
}

func TestJoin_RoundTripThroughGateway(t *testing.T) {
	port := freePort(t)
	startSilo(t, Options{ServiceID: "dev", GatewayPort: port})

	client, err := Join(context.Background(), JoinOptions{
		ClusterID: "dev",
		ServiceID: "dev",
		Gateways:  gatewayFor(port),
		Timeout:   5 * time.Second,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	defer client.Close()

	var key string
	require.NoError(t, client.Entity("key", "k-1").Call(context.Background(), "GetKey", nil, &key))
	assert.Equal(t, "k-1", key)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", port), client.Gateway())
}

func TestJoin_ErrorsCrossTheWire(t *testing.T) {
	port := freePort(t)
	startSilo(t, Options{GatewayPort: port})

	client, err := Join(context.Background(), JoinOptions{ClusterID: "dev", Gateways: gatewayFor(port)})
	require.NoError(t, err)
	defer client.Close()

	err = client.Entity("unknown", "1").Call(context.Background(), "GetKey", nil, nil)
	assert.True(t, errors.Is(err, sierrors.ErrEntityNotFound))
}

func TestJoin_UnreachableGateway(t *testing.T) {
	_, err := Join(context.Background(), JoinOptions{
		ClusterID: "dev",
		Gateways:  gatewayFor(freePort(t)),
		Timeout:   5 * time.Second,
	})

	assert.True(t, errors.Is(err, sierrors.ErrConnectionRejected))
}

func TestJoin_WrongCluster(t *testing.T) {
	port := freePort(t)
	startSilo(t, Options{GatewayPort: port})

	_, err := Join(context.Background(), JoinOptions{ClusterID: "prod", Gateways: gatewayFor(port)})

	assert.True(t, errors.Is(err, sierrors.ErrConnectionRejected))
}

func TestJoin_FallsThroughToLiveGateway(t *testing.T) {
	port := freePort(t)
	startSilo(t, Options{GatewayPort: port})

	gateways := membership.StaticGateways{
		fmt.Sprintf("127.0.0.1:%d", freePort(t)),
		fmt.Sprintf("127.0.0.1:%d", port),
	}
	client, err := Join(context.Background(), JoinOptions{ClusterID: "dev", Gateways: gateways})
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, gateways[1], client.Gateway())
}

func TestJoin_NoGateways(t *testing.T) {
	_, err := Join(context.Background(), JoinOptions{ClusterID: "dev", Gateways: membership.StaticGateways{}})
	assert.True(t, errors.Is(err, sierrors.ErrConnectionRejected))

	_, err = Join(context.Background(), JoinOptions{ClusterID: "dev"})
	assert.True(t, errors.Is(err, sierrors.ErrArgumentNull))
}

func TestClient_CloseDisposesHandles(t *testing.T) {
	port := freePort(t)
	startSilo(t, Options{GatewayPort: port})

	client, err := Join(context.Background(), JoinOptions{ClusterID: "dev", Gateways: gatewayFor(port)})
	require.NoError(t, err)
	ref := client.Entity("key", "1")
	require.NoError(t, ref.Call(context.Background(), "GetKey", nil, nil))

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	err = ref.Call(context.Background(), "GetKey", nil, nil)
	assert.True(t, errors.Is(err, sierrors.ErrHandleDisposed))
	assert.False(t, client.IsConnected())
}
