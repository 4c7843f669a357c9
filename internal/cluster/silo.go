package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/membership"
	"github.com/devrev/silohost/internal/metrics"
	"github.com/devrev/silohost/internal/store"
)

const (
	defaultMembershipRefresh = time.Second
	defaultPingTimeout       = 5 * time.Second
	maxMessageSize           = 10 * 1024 * 1024 // 10MB
)

// Options configures a silo
type Options struct {
	ClusterID string
	ServiceID string
	// SiloID defaults to a random UUID
	SiloID string

	// ListenHost is the interface listeners bind; empty binds all
	ListenHost string
	// AdvertiseHost is the host other silos and clients dial
	AdvertiseHost string
	// SiloPort serves silo-to-silo traffic; 0 disables it
	SiloPort int
	// GatewayPort serves clients; 0 disables it
	GatewayPort int
	// ControlOnGateway moves silo-to-silo traffic onto the gateway port,
	// for membership backends that own the silo port themselves
	ControlOnGateway bool

	Membership membership.Table
	Storage    store.StateStore
	Reminders  ReminderService
	Streams    StreamProvider
	Registry   *Registry
	Metrics    *metrics.Metrics

	// ValidateInitialConnectivity makes Start fail unless every active silo
	// in the membership table answers a ping
	ValidateInitialConnectivity bool
	MembershipRefresh           time.Duration
	// IdleTimeout deactivates activations unused for this long; 0 keeps them
	IdleTimeout time.Duration
}

type siloState int

const (
	siloCreated siloState = iota
	siloRunning
	siloStopped
)

func (s siloState) String() string {
	switch s {
	case siloRunning:
		return "running"
	case siloStopped:
		return "stopped"
	default:
		return "created"
	}
}

// Silo hosts entity activations and serves the silo and gateway endpoints
type Silo struct {
	opts   Options
	id     string
	logger *zap.Logger

	mu        sync.Mutex
	state     siloState
	running   atomic.Bool
	startedAt time.Time
	entry     membership.SiloEntry

	actMu       sync.Mutex
	activations map[EntityID]*activation

	placement *placementRing

	controlServer *grpc.Server
	gatewayServer *grpc.Server
	group         *errgroup.Group
	cancel        context.CancelFunc

	peersMu sync.Mutex
	peers   map[string]*grpc.ClientConn

	localClient *Client
}

// NewSilo creates a silo; nothing listens until Start
func NewSilo(opts Options, logger *zap.Logger) (*Silo, error) {
	if logger == nil {
		return nil, sierrors.ArgumentNull("logger")
	}
	if opts.Registry == nil {
		return nil, sierrors.ArgumentNull("registry")
	}
	if opts.SiloID == "" {
		opts.SiloID = uuid.NewString()
	}
	if opts.AdvertiseHost == "" {
		opts.AdvertiseHost = "127.0.0.1"
	}
	if opts.Membership == nil {
		opts.Membership = membership.NewLocalTable(opts.ClusterID)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.MembershipRefresh <= 0 {
		opts.MembershipRefresh = defaultMembershipRefresh
	}

	s := &Silo{
		opts:        opts,
		id:          opts.SiloID,
		logger:      logger.With(zap.String("silo_id", opts.SiloID)),
		activations: make(map[EntityID]*activation),
		placement:   newPlacementRing(),
		peers:       make(map[string]*grpc.ClientConn),
	}
	s.localClient = newClient("local-"+s.id, &localTransport{silo: s}, s.logger)
	return s, nil
}

// ID returns the silo id
func (s *Silo) ID() string {
	return s.id
}

// Client returns the in-process client of this silo. It is disposed when the
// silo stops.
func (s *Silo) Client() *Client {
	return s.localClient
}

// Metrics returns the silo's instruments
func (s *Silo) Metrics() *metrics.Metrics {
	return s.opts.Metrics
}

// Membership returns the silo's membership table
func (s *Silo) Membership() membership.Table {
	return s.opts.Membership
}

// Registry returns the entity kinds the silo can activate
func (s *Silo) Registry() *Registry {
	return s.opts.Registry
}

// Start binds the configured ports, joins the membership table and starts
// reminders and streams. Starting a running silo is a no-op.
func (s *Silo) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case siloRunning:
		return nil
	case siloStopped:
		return sierrors.InvalidState("start silo", siloStopped.String())
	}

	if err := s.start(ctx); err != nil {
		s.running.Store(false)
		s.teardown(context.Background())
		s.state = siloStopped
		return err
	}

	s.state = siloRunning
	s.logger.Info("Silo started",
		zap.String("cluster_id", s.opts.ClusterID),
		zap.String("service_id", s.opts.ServiceID),
		zap.String("address", s.entry.Address),
		zap.String("gateway_address", s.entry.GatewayAddress))
	return nil
}

func (s *Silo) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, runCtx = errgroup.WithContext(runCtx)

	var controlLis, gatewayLis net.Listener
	var err error
	if s.opts.SiloPort > 0 && !s.opts.ControlOnGateway {
		controlLis, err = net.Listen("tcp", net.JoinHostPort(s.opts.ListenHost, strconv.Itoa(s.opts.SiloPort)))
		if err != nil {
			return sierrors.StartupFailed("failed to bind silo port", err)
		}
	}
	if s.opts.GatewayPort > 0 {
		gatewayLis, err = net.Listen("tcp", net.JoinHostPort(s.opts.ListenHost, strconv.Itoa(s.opts.GatewayPort)))
		if err != nil {
			if controlLis != nil {
				controlLis.Close()
			}
			return sierrors.StartupFailed("failed to bind gateway port", err)
		}
	}

	serverOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
		// clients ping every 30s
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			recoveryInterceptor(s.logger),
			loggingInterceptor(s.logger, s.opts.Metrics),
		),
	}

	address := ""
	if controlLis != nil {
		s.controlServer = grpc.NewServer(serverOpts...)
		s.controlServer.RegisterService(&controlServiceDesc, &controlService{silo: s})
		address = net.JoinHostPort(s.opts.AdvertiseHost, strconv.Itoa(s.opts.SiloPort))
		s.serve("silo", s.controlServer, controlLis)
	}
	gatewayAddress := ""
	if gatewayLis != nil {
		s.gatewayServer = grpc.NewServer(serverOpts...)
		s.gatewayServer.RegisterService(&gatewayServiceDesc, &gatewayService{silo: s})
		gatewayAddress = net.JoinHostPort(s.opts.AdvertiseHost, strconv.Itoa(s.opts.GatewayPort))
		if s.opts.ControlOnGateway {
			s.gatewayServer.RegisterService(&controlServiceDesc, &controlService{silo: s})
			address = gatewayAddress
		}
		s.serve("gateway", s.gatewayServer, gatewayLis)
	}

	s.startedAt = time.Now().UTC()
	s.entry = membership.SiloEntry{
		SiloID:         s.id,
		ClusterID:      s.opts.ClusterID,
		ServiceID:      s.opts.ServiceID,
		Address:        address,
		GatewayAddress: gatewayAddress,
		Status:         membership.StatusJoining,
		StartedAt:      s.startedAt,
	}
	if err := s.opts.Membership.Register(ctx, s.entry); err != nil {
		return sierrors.StartupFailed("failed to register in membership table", err)
	}

	if s.opts.ValidateInitialConnectivity {
		if err := s.validateConnectivity(ctx); err != nil {
			return err
		}
	}

	s.entry.Status = membership.StatusActive
	if err := s.opts.Membership.UpdateStatus(ctx, s.id, membership.StatusActive); err != nil {
		return sierrors.StartupFailed("failed to mark silo active", err)
	}
	if err := s.refreshMembership(ctx); err != nil {
		return sierrors.StartupFailed("failed to read membership table", err)
	}

	// entities are callable from here on
	s.running.Store(true)

	if s.opts.Reminders != nil {
		if err := s.opts.Reminders.Start(ctx, s, s.owns); err != nil {
			return sierrors.StartupFailed("failed to start reminder service", err)
		}
	}
	if s.opts.Streams != nil {
		if err := s.opts.Streams.Start(ctx, s); err != nil {
			return sierrors.StartupFailed("failed to start stream provider", err)
		}
	}

	s.group.Go(func() error {
		s.maintain(runCtx)
		return nil
	})
	return nil
}

func (s *Silo) serve(role string, server *grpc.Server, lis net.Listener) {
	s.group.Go(func() error {
		s.logger.Debug("Serving", zap.String("role", role), zap.String("addr", lis.Addr().String()))
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("Listener failed", zap.String("role", role), zap.Error(err))
			return err
		}
		return nil
	})
}

// validateConnectivity pings every other active silo
func (s *Silo) validateConnectivity(ctx context.Context) error {
	if seeded, ok := s.opts.Membership.(interface{ SeedJoinError() error }); ok {
		if err := seeded.SeedJoinError(); err != nil {
			return sierrors.StartupFailed("initial connectivity validation failed", err)
		}
	}

	members, err := s.opts.Membership.Members(ctx)
	if err != nil {
		return sierrors.StartupFailed("failed to read membership table", err)
	}
	for _, m := range members {
		if m.SiloID == s.id || m.Status != membership.StatusActive || m.Address == "" {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
		_, err := s.ping(pingCtx, m.Address)
		cancel()
		if err != nil {
			return sierrors.StartupFailed(fmt.Sprintf("initial connectivity validation failed: silo %s at %s", m.SiloID, m.Address), err).
				WithDetail("silo_id", m.SiloID)
		}
	}
	return nil
}

// maintain refreshes placement and collects idle activations until ctx ends
func (s *Silo) maintain(ctx context.Context) {
	ticker := time.NewTicker(s.opts.MembershipRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refreshMembership(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Failed to refresh membership", zap.Error(err))
			}
			if s.opts.IdleTimeout > 0 {
				s.collectIdle(ctx, s.opts.IdleTimeout)
			}
		}
	}
}

func (s *Silo) refreshMembership(ctx context.Context) error {
	members, err := s.opts.Membership.Members(ctx)
	if err != nil {
		return err
	}
	s.placement.Set(members)
	s.opts.Metrics.UpdateSilosActive(s.placement.Size())
	return nil
}

// owns reports whether id is placed on this silo
func (s *Silo) owns(id EntityID) bool {
	owner, ok := s.placement.Owner(id)
	return !ok || owner.SiloID == s.id
}

// Stop deactivates every activation, leaves the membership table and closes
// the listeners. Stopping twice is a no-op.
func (s *Silo) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != siloRunning {
		s.state = siloStopped
		s.localClient.Close()
		return nil
	}
	s.state = siloStopped
	s.running.Store(false)

	s.logger.Info("Stopping silo")
	err := s.teardown(ctx)
	if err != nil {
		s.logger.Warn("Silo stopped with errors", zap.Error(err))
	} else {
		s.logger.Info("Silo stopped")
	}
	return err
}

// teardown releases whatever start acquired
func (s *Silo) teardown(ctx context.Context) error {
	var err error

	if s.entry.SiloID != "" {
		err = multierr.Append(err, ignoreNotFound(s.opts.Membership.UpdateStatus(ctx, s.id, membership.StatusShuttingDown)))
	}
	if s.opts.Streams != nil {
		err = multierr.Append(err, s.opts.Streams.Stop(ctx))
	}
	if s.opts.Reminders != nil {
		err = multierr.Append(err, s.opts.Reminders.Stop(ctx))
	}

	err = multierr.Append(err, s.deactivateAll(ctx))
	s.localClient.Close()

	if s.entry.SiloID != "" {
		err = multierr.Append(err, s.opts.Membership.Unregister(ctx, s.id))
	}

	for _, server := range []*grpc.Server{s.gatewayServer, s.controlServer} {
		if server != nil {
			stopServer(ctx, server)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		err = multierr.Append(err, s.group.Wait())
	}

	s.peersMu.Lock()
	for addr, conn := range s.peers {
		conn.Close()
		delete(s.peers, addr)
	}
	s.peersMu.Unlock()

	return err
}

// stopServer drains in-flight calls until ctx is done
func stopServer(ctx context.Context, server *grpc.Server) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		server.Stop()
		<-done
	}
}

func ignoreNotFound(err error) error {
	if sierrors.GetCode(err) == sierrors.ErrCodeNotFound {
		return nil
	}
	return err
}

// IsRunning reports whether the silo has started and not stopped
func (s *Silo) IsRunning() bool {
	return s.running.Load()
}

// InvokeEntity places the call and runs it locally or on the owning silo.
// When the owner cannot be reached the call runs locally only if the owner
// has left the membership table; otherwise the error is returned, since the
// owner may already have run the call.
func (s *Silo) InvokeEntity(ctx context.Context, id EntityID, method string, args json.RawMessage) (json.RawMessage, error) {
	owner, ok := s.placement.Owner(id)
	if !ok || owner.SiloID == s.id {
		return s.invokeLocal(ctx, id, method, args)
	}

	result, err := s.forward(ctx, owner.Address, &InvokeRequest{Entity: id, Method: method, Args: args, Forwarded: true})
	if err != nil && sierrors.GetCode(err) == sierrors.ErrCodeConnectionRejected && !s.isActiveMember(ctx, owner.SiloID) {
		s.logger.Warn("Owner silo left the cluster, running call locally",
			zap.String("entity", id.String()),
			zap.String("owner", owner.SiloID),
			zap.Error(err))
		return s.invokeLocal(ctx, id, method, args)
	}
	return result, err
}

// isActiveMember reads the membership table; a failed read counts as active
func (s *Silo) isActiveMember(ctx context.Context, siloID string) bool {
	members, err := s.opts.Membership.Members(ctx)
	if err != nil {
		return true
	}
	for _, m := range members {
		if m.SiloID == siloID && m.Status == membership.StatusActive {
			return true
		}
	}
	return false
}

// ValidatesInitialConnectivity reports whether Start requires every active
// silo to answer a ping
func (s *Silo) ValidatesInitialConnectivity() bool {
	return s.opts.ValidateInitialConnectivity
}

// SiloStatus is a snapshot for dashboards
type SiloStatus struct {
	SiloID         string         `json:"silo_id"`
	ClusterID      string         `json:"cluster_id"`
	ServiceID      string         `json:"service_id"`
	Address        string         `json:"address,omitempty"`
	GatewayAddress string         `json:"gateway_address,omitempty"`
	State          string         `json:"state"`
	StartedAt      time.Time      `json:"started_at"`
	Activations    map[string]int `json:"activations"`
	Reminders      int            `json:"reminders"`
}

// Status returns a snapshot of the silo
func (s *Silo) Status() SiloStatus {
	s.mu.Lock()
	st := SiloStatus{
		SiloID:         s.id,
		ClusterID:      s.opts.ClusterID,
		ServiceID:      s.opts.ServiceID,
		Address:        s.entry.Address,
		GatewayAddress: s.entry.GatewayAddress,
		State:          s.state.String(),
		StartedAt:      s.startedAt,
	}
	s.mu.Unlock()

	st.Activations = s.ActivationCounts()
	if s.opts.Reminders != nil {
		st.Reminders = s.opts.Reminders.Count()
	}
	return st
}
