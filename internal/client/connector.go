// Package client manages the lifecycle of one connection from a process to
// a running cluster.
package client

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/silohost/internal/cluster"
	"github.com/devrev/silohost/internal/config"
	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/membership"
	"github.com/devrev/silohost/internal/metrics"
	"github.com/devrev/silohost/internal/providers"
)

// ConnectionState is the lifecycle state of a Connector
type ConnectionState int

const (
	StateUnstarted ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFaulted
)

var stateNames = []string{"unstarted", "connecting", "connected", "disconnected", "faulted"}

func (s ConnectionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Option customises a Connector
type Option func(*Connector)

// WithGateways joins through lister instead of the gateway list the
// clustering configuration selects
func WithGateways(lister membership.GatewayLister) Option {
	return func(c *Connector) {
		c.gateways = lister
	}
}

// WithMetrics records connection attempts and state on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connector) {
		c.metrics = m
	}
}

// Connector connects to a cluster once. A connector that failed or was
// stopped cannot be restarted; callers that want to retry create a new one.
type Connector struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	gateways membership.GatewayLister

	mu            sync.Mutex
	state         ConnectionState
	client        *cluster.Client
	cancelJoin    context.CancelFunc
	closeGateways func() error
}

// NewConnector creates a connector in the unstarted state
func NewConnector(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Connector, error) {
	if cfg == nil {
		return nil, sierrors.ArgumentNull("configuration")
	}
	if logger == nil {
		return nil, sierrors.ArgumentNull("logger")
	}

	c := &Connector{
		cfg:    cfg,
		logger: logger,
		state:  StateUnstarted,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.publishState()
	return c, nil
}

// State returns the current connection state
func (c *Connector) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start makes exactly one attempt to join the cluster. It is only valid on
// an unstarted connector. A failed join leaves the connector faulted and
// returns the join error unchanged.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUnstarted {
		state := c.state
		c.mu.Unlock()
		return sierrors.InvalidState("start cluster client", state.String())
	}
	joinCtx, cancel := context.WithCancel(ctx)
	c.cancelJoin = cancel
	c.setState(StateConnecting)
	c.mu.Unlock()
	defer cancel()

	c.logger.Info("Connecting to cluster",
		zap.String("cluster_id", c.cfg.Orleans.ClusterID),
		zap.String("service_id", c.cfg.Orleans.ServiceID),
		zap.Stringer("clustering", c.cfg.Orleans.Providers.Clustering.Kind()))

	client, err := c.join(joinCtx)
	if c.metrics != nil {
		c.metrics.RecordClientConnect(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelJoin = nil

	if c.state == StateDisconnected {
		// stopped while joining
		if client != nil {
			client.Close()
		}
		if c.closeGateways != nil {
			c.closeGateways()
			c.closeGateways = nil
		}
		return sierrors.InvalidState("start cluster client", StateDisconnected.String())
	}
	if err != nil {
		c.setState(StateFaulted)
		c.logger.Error("Failed to connect to cluster", zap.Error(err))
		return err
	}

	c.client = client
	c.setState(StateConnected)
	c.logger.Info("Cluster client connected", zap.String("gateway", client.Gateway()))
	return nil
}

func (c *Connector) join(ctx context.Context) (*cluster.Client, error) {
	lister := c.gateways
	if lister == nil {
		l, closeFn, err := providers.Gateways(ctx, c.cfg, c.logger)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.closeGateways = closeFn
		c.mu.Unlock()
		lister = l
	}

	return cluster.Join(ctx, cluster.JoinOptions{
		ClusterID: c.cfg.Orleans.ClusterID,
		ServiceID: c.cfg.Orleans.ServiceID,
		Gateways:  lister,
		Timeout:   c.cfg.Client.ConnectTimeout,
		Logger:    c.logger,
	})
}

// Handle returns the cluster client while connected
func (c *Connector) Handle() (*cluster.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return nil, sierrors.NotConnected(c.state.String())
	}
	return c.client, nil
}

// Stop disconnects and releases the client. Entity references obtained
// before Stop fail afterwards. Stopping twice is a no-op.
func (c *Connector) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisconnected {
		return nil
	}
	c.setState(StateDisconnected)
	if c.cancelJoin != nil {
		c.cancelJoin()
	}

	var err error
	if c.client != nil {
		err = multierr.Append(err, c.client.Close())
		c.client = nil
	}
	if c.closeGateways != nil {
		err = multierr.Append(err, c.closeGateways())
		c.closeGateways = nil
	}

	c.logger.Info("Cluster client disconnected")
	return err
}

// setState requires c.mu
func (c *Connector) setState(state ConnectionState) {
	c.state = state
	c.publishState()
}

func (c *Connector) publishState() {
	if c.metrics != nil {
		c.metrics.SetConnectorState(stateNames, c.state.String())
	}
}
