// Package providers turns the provider sections of the configuration into
// the membership table, state stores, reminder service and stream provider
// a silo runs with.
package providers

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/silohost/internal/cluster"
	"github.com/devrev/silohost/internal/config"
	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/membership"
	"github.com/devrev/silohost/internal/metrics"
	"github.com/devrev/silohost/internal/ports"
	"github.com/devrev/silohost/internal/reminders"
	"github.com/devrev/silohost/internal/store"
	"github.com/devrev/silohost/internal/streams"
)

const (
	defaultKeyPrefix = "silo:"
	// DefaultGatewayPort is dialled by Localhost clients without a gateway range
	DefaultGatewayPort = 30000
	// maxLocalGateways bounds the Localhost gateway list built from a range
	maxLocalGateways = 16
)

// Options carries what provider construction needs beyond the configuration
type Options struct {
	// ListenHost is the interface gossip binds; empty binds all
	ListenHost string
	// SiloPort is the resolved silo port; gossip binds it
	SiloPort int
}

// Set is the provider selection of one silo. Unconfigured concerns stay nil
// except Membership, which falls back to a process-local table.
type Set struct {
	Clustering config.ProviderKind
	Membership membership.Table
	// ControlOnGateway is set when the membership backend owns the silo port
	ControlOnGateway bool

	Storage   store.StateStore
	PubSub    store.StateStore
	Reminders cluster.ReminderService
	Streams   cluster.StreamProvider

	conns *connections
}

// Build selects and constructs every provider. On error, whatever was opened
// is closed again.
func Build(ctx context.Context, cfg *config.Config, opts Options, m *metrics.Metrics, logger *zap.Logger) (*Set, error) {
	if cfg == nil {
		return nil, sierrors.ArgumentNull("configuration")
	}
	if logger == nil {
		return nil, sierrors.ArgumentNull("logger")
	}

	s := &Set{conns: newConnections(cfg)}
	if err := s.build(ctx, cfg, opts, m, logger); err != nil {
		s.Close()
		return nil, err
	}

	logger.Info("Providers selected",
		zap.Stringer("clustering", s.Clustering),
		zap.Stringer("reminders", cfg.Orleans.Providers.Reminders.Kind()),
		zap.Stringer("storage", cfg.Orleans.Providers.Storage.Default.Kind()),
		zap.Stringer("pubsub", cfg.Orleans.Providers.Storage.PubSub.Kind()),
		zap.Stringer("streams", cfg.Orleans.Providers.Streams.Kind()))
	return s, nil
}

func (s *Set) build(ctx context.Context, cfg *config.Config, opts Options, m *metrics.Metrics, logger *zap.Logger) error {
	var err error
	p := cfg.Orleans.Providers

	if err = s.buildMembership(ctx, cfg, opts, logger); err != nil {
		return err
	}
	if s.Storage, err = s.buildStore(ctx, "Default", p.Storage.Default, logger); err != nil {
		return err
	}
	if s.PubSub, err = s.buildStore(ctx, "PubSub", p.Storage.PubSub, logger); err != nil {
		return err
	}
	if err = s.buildReminders(ctx, cfg, m, logger); err != nil {
		return err
	}

	switch p.Streams.Kind() {
	case config.ProviderSimpleMessage:
		s.Streams = streams.NewSimpleMessageProvider(s.PubSub, 0, m, logger)
	case config.ProviderNone:
	default:
		return unsupported("Orleans:Providers:Streams", p.Streams.Kind())
	}
	return nil
}

func (s *Set) buildMembership(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) error {
	clustering := cfg.Orleans.Providers.Clustering
	clusterID := cfg.Orleans.ClusterID
	s.Clustering = clustering.Kind()

	switch s.Clustering {
	case config.ProviderNone, config.ProviderLocalhost:
		s.Membership = membership.NewLocalTable(clusterID)
	case config.ProviderAdoNet:
		pool, err := s.conns.postgres(ctx, clustering.AdoNet.ConnectionStringName)
		if err != nil {
			return err
		}
		table := membership.NewPostgresTable(pool, clusterID, logger)
		if err := table.EnsureSchema(ctx); err != nil {
			return err
		}
		s.Membership = table
	case config.ProviderRedis:
		client, err := s.conns.redis(ctx, clustering.Redis.ConnectionStringName)
		if err != nil {
			return err
		}
		s.Membership = membership.NewRedisTable(client, keyPrefix(clustering.Redis), clusterID, logger)
	case config.ProviderGossip:
		if opts.SiloPort <= 0 {
			return sierrors.Configuration("gossip clustering needs Orleans:Ports:Silo", nil)
		}
		s.Membership = membership.NewGossipTable(gossipConfig(clustering.Gossip, opts.ListenHost, opts.SiloPort), clusterID, logger)
		s.ControlOnGateway = true
	default:
		return unsupported("Orleans:Providers:Clustering", s.Clustering)
	}
	return nil
}

func (s *Set) buildStore(ctx context.Context, name string, b config.BackendConfig, logger *zap.Logger) (store.StateStore, error) {
	switch b.Kind() {
	case config.ProviderNone:
		return nil, nil
	case config.ProviderInMemory:
		return store.NewMemoryStore(), nil
	case config.ProviderAdoNet:
		handling, err := config.ParseTypeNameHandling(b.AdoNet.TypeNameHandling)
		if err != nil {
			return nil, err
		}
		pool, err := s.conns.postgres(ctx, b.AdoNet.ConnectionStringName)
		if err != nil {
			return nil, err
		}
		st := store.NewPostgresStore(pool, name, store.NewCodec(b.AdoNet.UseJSONFormat, handling), logger)
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return st, nil
	case config.ProviderRedis:
		client, err := s.conns.redis(ctx, b.Redis.ConnectionStringName)
		if err != nil {
			return nil, err
		}
		prefix := keyPrefix(b.Redis) + "state:" + name + ":"
		return store.NewRedisStore(client, prefix, store.NewCodec(true, config.TypeNameHandlingNone), logger), nil
	default:
		return nil, unsupported("Orleans:Providers:Storage:"+name, b.Kind())
	}
}

func (s *Set) buildReminders(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) error {
	b := cfg.Orleans.Providers.Reminders
	serviceID := cfg.Orleans.ServiceID

	var table reminders.Table
	switch b.Kind() {
	case config.ProviderNone:
		return nil
	case config.ProviderInMemory:
		table = reminders.NewMemoryTable()
	case config.ProviderAdoNet:
		pool, err := s.conns.postgres(ctx, b.AdoNet.ConnectionStringName)
		if err != nil {
			return err
		}
		pt := reminders.NewPostgresTable(pool, serviceID)
		if err := pt.EnsureSchema(ctx); err != nil {
			return err
		}
		table = pt
	case config.ProviderRedis:
		client, err := s.conns.redis(ctx, b.Redis.ConnectionStringName)
		if err != nil {
			return err
		}
		table = reminders.NewRedisTable(client, keyPrefix(b.Redis), serviceID, logger)
	default:
		return unsupported("Orleans:Providers:Reminders", b.Kind())
	}

	s.Reminders = reminders.NewService(table, reminders.Config{}, m, logger)
	return nil
}

// Close releases the membership backend and the shared connections. The
// silo must be stopped first.
func (s *Set) Close() error {
	var err error
	if s.Membership != nil {
		err = multierr.Append(err, s.Membership.Close())
	}
	for _, st := range []store.StateStore{s.Storage, s.PubSub} {
		if st != nil {
			err = multierr.Append(err, st.Close())
		}
	}
	if s.conns != nil {
		err = multierr.Append(err, s.conns.close())
	}
	return err
}

// Gateways returns the gateway list a cluster client joins through, chosen
// by the clustering section. The returned close function releases any
// connection the lister holds.
func Gateways(ctx context.Context, cfg *config.Config, logger *zap.Logger) (membership.GatewayLister, func() error, error) {
	if cfg == nil {
		return nil, nil, sierrors.ArgumentNull("configuration")
	}
	if logger == nil {
		return nil, nil, sierrors.ArgumentNull("logger")
	}

	clustering := cfg.Orleans.Providers.Clustering
	noop := func() error { return nil }

	switch clustering.Kind() {
	case config.ProviderNone, config.ProviderLocalhost:
		return localGateways(cfg.Orleans.Ports.Gateway), noop, nil
	case config.ProviderAdoNet:
		conns := newConnections(cfg)
		pool, err := conns.postgres(ctx, clustering.AdoNet.ConnectionStringName)
		if err != nil {
			return nil, nil, err
		}
		table := membership.NewPostgresTable(pool, cfg.Orleans.ClusterID, logger)
		return membership.TableGateways{Table: table}, conns.close, nil
	case config.ProviderRedis:
		conns := newConnections(cfg)
		client, err := conns.redis(ctx, clustering.Redis.ConnectionStringName)
		if err != nil {
			return nil, nil, err
		}
		table := membership.NewRedisTable(client, keyPrefix(clustering.Redis), cfg.Orleans.ClusterID, logger)
		return membership.TableGateways{Table: table}, conns.close, nil
	case config.ProviderGossip:
		return membership.GossipGateways{
			Config:    gossipConfig(clustering.Gossip, "", 0),
			ClusterID: cfg.Orleans.ClusterID,
			Logger:    logger,
		}, noop, nil
	default:
		return nil, nil, unsupported("Orleans:Providers:Clustering", clustering.Kind())
	}
}

// localGateways lists the loopback gateway candidates of a port range, in
// the order the port finder scans it
func localGateways(r ports.PortRange) membership.StaticGateways {
	if r.IsZero() {
		return membership.StaticGateways{net.JoinHostPort("127.0.0.1", strconv.Itoa(DefaultGatewayPort))}
	}
	var gateways membership.StaticGateways
	for port := r.Start; port <= r.End && len(gateways) < maxLocalGateways; port++ {
		if port == 0 {
			continue
		}
		gateways = append(gateways, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	}
	return gateways
}

func gossipConfig(g config.GossipConfig, bindAddr string, bindPort int) membership.GossipConfig {
	return membership.GossipConfig{
		BindAddr:       bindAddr,
		BindPort:       bindPort,
		Seeds:          g.Seeds,
		GossipInterval: g.GossipInterval,
		ProbeInterval:  g.ProbeInterval,
		ProbeTimeout:   g.ProbeTimeout,
	}
}

func keyPrefix(r config.RedisConfig) string {
	if r.KeyPrefix == "" {
		return defaultKeyPrefix
	}
	return r.KeyPrefix
}

func unsupported(section string, kind config.ProviderKind) error {
	return sierrors.Configuration(fmt.Sprintf("%s does not support provider %s", section, kind), nil)
}

// connections opens each distinct connection string once and closes them
// together
type connections struct {
	cfg     *config.Config
	pools   map[string]*pgxpool.Pool
	clients map[string]*redis.Client
}

func newConnections(cfg *config.Config) *connections {
	return &connections{
		cfg:     cfg,
		pools:   make(map[string]*pgxpool.Pool),
		clients: make(map[string]*redis.Client),
	}
}

func (c *connections) lookup(name string) (string, error) {
	conn, ok := c.cfg.ConnectionString(name)
	if !ok {
		return "", sierrors.Configuration(fmt.Sprintf("connection string '%s' is not defined", name), nil)
	}
	return conn, nil
}

func (c *connections) postgres(ctx context.Context, name string) (*pgxpool.Pool, error) {
	conn, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	if pool, ok := c.pools[conn]; ok {
		return pool, nil
	}
	pool, err := store.OpenPostgres(ctx, conn)
	if err != nil {
		return nil, sierrors.Configuration(fmt.Sprintf("cannot open connection '%s'", name), err)
	}
	c.pools[conn] = pool
	return pool, nil
}

func (c *connections) redis(ctx context.Context, name string) (*redis.Client, error) {
	conn, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	if client, ok := c.clients[conn]; ok {
		return client, nil
	}
	client, err := store.OpenRedis(ctx, conn)
	if err != nil {
		return nil, sierrors.Configuration(fmt.Sprintf("cannot open connection '%s'", name), err)
	}
	c.clients[conn] = client
	return client, nil
}

func (c *connections) close() error {
	var err error
	for conn, pool := range c.pools {
		pool.Close()
		delete(c.pools, conn)
	}
	for conn, client := range c.clients {
		err = multierr.Append(err, client.Close())
		delete(c.clients, conn)
	}
	return err
}
