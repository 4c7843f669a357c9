// Package bootstrap assembles a silo from configuration: it resolves the
// ports of each network role, selects the providers, and owns the runtime
// it starts.
package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/silohost/internal/cluster"
	"github.com/devrev/silohost/internal/config"
	"github.com/devrev/silohost/internal/dashboard"
	"github.com/devrev/silohost/internal/entities"
	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/health"
	"github.com/devrev/silohost/internal/metrics"
	"github.com/devrev/silohost/internal/ports"
	"github.com/devrev/silohost/internal/providers"
	"github.com/devrev/silohost/internal/store"
)

// defaultIdleTimeout is how long an unused activation stays in memory
const defaultIdleTimeout = 2 * time.Hour

// Network roles
const (
	RoleSilo      = "silo"
	RoleGateway   = "gateway"
	RoleDashboard = "dashboard"
)

// Option customises a Node
type Option func(*nodeOptions)

type nodeOptions struct {
	registry      *cluster.Registry
	metrics       *metrics.Metrics
	listenHost    string
	advertiseHost string
	idleTimeout   time.Duration
}

// WithRegistry hosts the kinds of registry instead of the built-in ones
func WithRegistry(registry *cluster.Registry) Option {
	return func(o *nodeOptions) { o.registry = registry }
}

// WithMetrics records on m instead of a fresh registry
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *nodeOptions) { o.metrics = m }
}

// WithListenHost binds every listener to host
func WithListenHost(host string) Option {
	return func(o *nodeOptions) { o.listenHost = host }
}

// WithAdvertiseHost is the host other silos and clients dial
func WithAdvertiseHost(host string) Option {
	return func(o *nodeOptions) { o.advertiseHost = host }
}

// WithIdleTimeout sets how long unused activations are kept
func WithIdleTimeout(d time.Duration) Option {
	return func(o *nodeOptions) { o.idleTimeout = d }
}

// Node is one silo process: its resolved ports, its providers, the runtime
// and the optional dashboard.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger
	env    *config.Environment

	siloPort      int
	gatewayPort   int
	dashboardPort int
	// assigned maps resolved ports to their role
	assigned map[int]string

	metrics   *metrics.Metrics
	providers *providers.Set
	silo      *cluster.Silo
	health    *health.Checker
	dashboard *dashboard.Server

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewNode resolves ports, selects providers and builds the runtime. Nothing
// listens until Start. Connections to shared backends are opened here.
func NewNode(cfg *config.Config, logger *zap.Logger, finder ports.PortFinder, env *config.Environment, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, sierrors.ArgumentNull("configuration")
	}
	if logger == nil {
		return nil, sierrors.ArgumentNull("logger")
	}
	if finder == nil {
		return nil, sierrors.ArgumentNull("portFinder")
	}
	if env == nil {
		return nil, sierrors.ArgumentNull("environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := nodeOptions{idleTimeout: defaultIdleTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = entities.NewRegistry()
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	n := &Node{
		cfg:      cfg,
		logger:   logger,
		env:      env,
		metrics:  o.metrics,
		assigned: make(map[int]string),
	}

	var err error
	p := cfg.Orleans.Ports
	if n.siloPort, err = n.resolve(finder, RoleSilo, p.Silo); err != nil {
		return nil, err
	}
	if n.gatewayPort, err = n.resolve(finder, RoleGateway, p.Gateway); err != nil {
		return nil, err
	}
	if n.dashboardPort, err = n.resolve(finder, RoleDashboard, p.Dashboard); err != nil {
		return nil, err
	}

	n.providers, err = providers.Build(context.Background(), cfg, providers.Options{
		ListenHost: o.listenHost,
		SiloPort:   n.siloPort,
	}, n.metrics, logger)
	if err != nil {
		return nil, err
	}

	n.silo, err = cluster.NewSilo(cluster.Options{
		ClusterID:                   cfg.Orleans.ClusterID,
		ServiceID:                   cfg.Orleans.ServiceID,
		ListenHost:                  o.listenHost,
		AdvertiseHost:               o.advertiseHost,
		SiloPort:                    n.siloPort,
		GatewayPort:                 n.gatewayPort,
		ControlOnGateway:            n.providers.ControlOnGateway,
		Membership:                  n.providers.Membership,
		Storage:                     n.providers.Storage,
		Reminders:                   n.providers.Reminders,
		Streams:                     n.providers.Streams,
		Registry:                    o.registry,
		Metrics:                     n.metrics,
		ValidateInitialConnectivity: env.IsProduction(),
		IdleTimeout:                 o.idleTimeout,
	}, logger)
	if err != nil {
		n.providers.Close()
		return nil, err
	}

	n.health = health.NewChecker(logger)
	n.health.Register("silo", func(ctx context.Context) error {
		if !n.silo.IsRunning() {
			return fmt.Errorf("silo %s is not running", n.silo.ID())
		}
		return nil
	})
	for name, st := range map[string]store.StateStore{"storage": n.providers.Storage, "pubsub": n.providers.PubSub} {
		if st != nil {
			n.health.Register(name, st.Ping)
		}
	}

	if n.dashboardPort > 0 {
		n.dashboard = dashboard.NewServer(dashboard.Config{
			Host:              o.listenHost,
			Port:              n.dashboardPort,
			RequestsPerSecond: cfg.Dashboard.RequestsPerSecond,
			BurstSize:         cfg.Dashboard.BurstSize,
		}, n.silo, dashboard.Ports{
			Silo:      n.siloPort,
			Gateway:   n.gatewayPort,
			Dashboard: n.dashboardPort,
		}, n.health, logger)
	}

	logger.Info("Silo configured",
		zap.String("environment", env.String()),
		zap.Bool("validate_initial_connectivity", env.IsProduction()),
		zap.Int("silo_port", n.siloPort),
		zap.Int("gateway_port", n.gatewayPort),
		zap.Int("dashboard_port", n.dashboardPort))
	return n, nil
}

// resolve returns 0 for a role without a configured range. Ports handed to
// earlier roles are skipped, so overlapping ranges never yield one port twice.
func (n *Node) resolve(finder ports.PortFinder, role string, r ports.PortRange) (int, error) {
	if r.IsZero() {
		return 0, nil
	}

	port, err := n.findUnassigned(finder, r)
	n.metrics.RecordPortResolution(role, err)
	if err != nil {
		n.logger.Error("No port available",
			zap.String("role", role),
			zap.Stringer("range", r),
			zap.Error(err))
		return 0, err
	}
	n.assigned[port] = role
	return port, nil
}

func (n *Node) findUnassigned(finder ports.PortFinder, r ports.PortRange) (int, error) {
	search := r
	for {
		port, err := finder.FindAvailablePort(search)
		if err != nil {
			if search != r && sierrors.GetCode(err) == sierrors.ErrCodeNoAvailablePort {
				return 0, sierrors.NoAvailablePort(r.Start, r.End)
			}
			return 0, err
		}
		if _, taken := n.assigned[port]; !taken {
			return port, nil
		}

		next := port + 1
		if next <= search.Start {
			next = search.Start + 1
		}
		if next > r.End {
			return 0, sierrors.NoAvailablePort(r.Start, r.End)
		}
		search = ports.PortRange{Start: next, End: r.End}
	}
}

// SiloPort is the resolved silo-to-silo port, 0 when disabled
func (n *Node) SiloPort() int {
	return n.siloPort
}

// GatewayPort is the resolved client gateway port, 0 when disabled
func (n *Node) GatewayPort() int {
	return n.gatewayPort
}

// DashboardPort is the resolved dashboard port, 0 when disabled
func (n *Node) DashboardPort() int {
	return n.dashboardPort
}

// ClusterClient calls entities through this node's silo. Calls succeed only
// while the node is started.
func (n *Node) ClusterClient() *cluster.Client {
	return n.silo.Client()
}

// Silo returns the runtime the node owns
func (n *Node) Silo() *cluster.Silo {
	return n.silo
}

// Metrics returns the node's metrics
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Start starts the runtime and then the dashboard. A runtime start failure
// is returned as is.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return sierrors.InvalidState("start node", "stopped")
	}
	if n.started {
		return nil
	}

	if err := n.silo.Start(ctx); err != nil {
		return err
	}
	if n.dashboard != nil {
		if err := n.dashboard.Start(); err != nil {
			n.silo.Stop(ctx)
			return err
		}
	}
	n.started = true
	return nil
}

// Stop stops the dashboard and the runtime and releases the providers.
// Stopping twice is a no-op.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return nil
	}
	n.stopped = true

	var err error
	if n.dashboard != nil {
		err = multierr.Append(err, n.dashboard.Shutdown(ctx))
	}
	err = multierr.Append(err, n.silo.Stop(ctx))
	err = multierr.Append(err, n.providers.Close())
	return err
}
