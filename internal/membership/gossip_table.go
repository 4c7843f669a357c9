package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	sierrors "github.com/devrev/silohost/internal/errors"
)

const (
	roleSilo   = "silo"
	roleClient = "client"

	leaveTimeout = time.Second
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindAddr       string
	BindPort       int
	Seeds          []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// gossipMeta is carried as memberlist node metadata
type gossipMeta struct {
	Role  string     `json:"role"`
	Entry *SiloEntry `json:"entry,omitempty"`
}

// GossipTable implements Table on a memberlist gossip ring. The ring is
// created by Register and left by Unregister; the table has no shared store,
// Members is this node's current view.
type GossipTable struct {
	config    GossipConfig
	clusterID string
	logger    *zap.Logger

	mu         sync.RWMutex
	memberlist *memberlist.Memberlist
	meta       gossipMeta
	joined     int
	joinErr    error
}

// NewGossipTable creates a gossip membership table for clusterID
func NewGossipTable(cfg GossipConfig, clusterID string, logger *zap.Logger) *GossipTable {
	return &GossipTable{
		config:    cfg,
		clusterID: clusterID,
		logger:    logger,
		meta:      gossipMeta{Role: roleSilo},
	}
}

func newMemberlist(cfg GossipConfig, name string, delegate memberlist.Delegate, events memberlist.EventDelegate, logger *zap.Logger) (*memberlist.Memberlist, error) {
	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = name
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = delegate
	mlConfig.Events = events
	mlConfig.Logger = zap.NewStdLog(logger.Named("memberlist"))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	return ml, nil
}

// Register starts gossiping entry and joins the seed silos. A failed seed
// join is not an error here; see SeedJoinError.
func (t *GossipTable) Register(ctx context.Context, entry SiloEntry) error {
	entry.ClusterID = t.clusterID
	entry.UpdatedAt = time.Now()

	t.mu.Lock()
	t.meta.Entry = &entry
	existing := t.memberlist
	t.mu.Unlock()

	if existing != nil {
		return existing.UpdateNode(leaveTimeout)
	}

	ml, err := newMemberlist(t.config, entry.SiloID, t, &gossipEvents{table: t}, t.logger)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.memberlist = ml
	t.mu.Unlock()

	if len(t.config.Seeds) == 0 {
		return nil
	}

	joined, err := ml.Join(t.config.Seeds)
	t.mu.Lock()
	t.joined = joined
	t.joinErr = err
	t.mu.Unlock()
	if err != nil {
		t.logger.Warn("Failed to join some seed silos",
			zap.Strings("seeds", t.config.Seeds),
			zap.Int("joined", joined),
			zap.Error(err))
	}
	return nil
}

// SeedJoinError returns an error when seeds were configured but none could
// be contacted.
func (t *GossipTable) SeedJoinError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.config.Seeds) == 0 || t.joined > 0 {
		return nil
	}
	if t.joinErr != nil {
		return t.joinErr
	}
	return fmt.Errorf("no seed silo reachable")
}

// UpdateStatus changes the gossiped status of the local silo
func (t *GossipTable) UpdateStatus(ctx context.Context, siloID string, status SiloStatus) error {
	t.mu.Lock()
	if t.memberlist == nil || t.meta.Entry == nil || t.meta.Entry.SiloID != siloID {
		t.mu.Unlock()
		return sierrors.NewSiloError(sierrors.ErrCodeNotFound, "silo not registered", nil).WithDetail("silo_id", siloID)
	}
	entry := *t.meta.Entry
	entry.Status = status
	entry.UpdatedAt = time.Now()
	t.meta.Entry = &entry
	ml := t.memberlist
	t.mu.Unlock()

	return ml.UpdateNode(leaveTimeout)
}

// Unregister leaves the ring
func (t *GossipTable) Unregister(ctx context.Context, siloID string) error {
	t.mu.Lock()
	ml := t.memberlist
	t.memberlist = nil
	t.mu.Unlock()

	if ml == nil {
		return nil
	}
	if err := ml.Leave(leaveTimeout); err != nil {
		t.logger.Warn("Failed to leave gossip ring cleanly", zap.Error(err))
	}
	return ml.Shutdown()
}

// Members returns the live silos in this node's view of the ring
func (t *GossipTable) Members(ctx context.Context) ([]SiloEntry, error) {
	t.mu.RLock()
	ml := t.memberlist
	t.mu.RUnlock()

	if ml == nil {
		return []SiloEntry{}, nil
	}
	members := siloEntries(ml.Members(), t.clusterID, t.logger)
	sortMembers(members)
	return members, nil
}

// Close leaves the ring if still a member
func (t *GossipTable) Close() error {
	return t.Unregister(context.Background(), "")
}

// NodeMeta implements memberlist.Delegate
func (t *GossipTable) NodeMeta(limit int) []byte {
	t.mu.RLock()
	data, err := json.Marshal(t.meta)
	t.mu.RUnlock()

	if err != nil || len(data) > limit {
		t.logger.Error("Silo entry does not fit in gossip metadata",
			zap.Int("limit", limit),
			zap.Int("size", len(data)),
			zap.Error(err))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (t *GossipTable) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (t *GossipTable) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (t *GossipTable) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (t *GossipTable) MergeRemoteState(buf []byte, join bool) {}

func siloEntries(nodes []*memberlist.Node, clusterID string, logger *zap.Logger) []SiloEntry {
	members := make([]SiloEntry, 0, len(nodes))
	for _, node := range nodes {
		var meta gossipMeta
		if len(node.Meta) == 0 {
			continue
		}
		if err := json.Unmarshal(node.Meta, &meta); err != nil {
			logger.Warn("Ignoring gossip member with malformed metadata",
				zap.String("node", node.Name),
				zap.Error(err))
			continue
		}
		if meta.Role != roleSilo || meta.Entry == nil || meta.Entry.ClusterID != clusterID {
			continue
		}
		members = append(members, *meta.Entry)
	}
	return members
}

// gossipEvents handles memberlist events
type gossipEvents struct {
	table *GossipTable
}

// NotifyJoin is called when a node joins
func (d *gossipEvents) NotifyJoin(node *memberlist.Node) {
	d.table.logger.Info("Silo joined",
		zap.String("silo_id", node.Name),
		zap.String("addr", node.Address()))
}

// NotifyLeave is called when a node leaves
func (d *gossipEvents) NotifyLeave(node *memberlist.Node) {
	d.table.logger.Info("Silo left",
		zap.String("silo_id", node.Name))
}

// NotifyUpdate is called when a node is updated
func (d *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	d.table.logger.Debug("Silo updated",
		zap.String("silo_id", node.Name))
}

// GossipGateways finds gateways by briefly joining the gossip ring as a
// client member.
type GossipGateways struct {
	Config    GossipConfig
	ClusterID string
	Logger    *zap.Logger
}

// Gateways joins the seeds, reads the silo entries, and leaves
func (g GossipGateways) Gateways(ctx context.Context) ([]string, error) {
	logger := g.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(g.Config.Seeds) == 0 {
		return nil, sierrors.Configuration("gossip clustering needs at least one seed", nil)
	}

	cfg := g.Config
	cfg.BindPort = 0
	delegate := &clientDelegate{}
	ml, err := newMemberlist(cfg, "client-"+uuid.NewString(), delegate, nil, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		ml.Leave(leaveTimeout)
		ml.Shutdown()
	}()

	if _, err := ml.Join(cfg.Seeds); err != nil {
		return nil, sierrors.ConnectionRejected("no seed silo reachable", err)
	}
	return ActiveGateways(siloEntries(ml.Members(), g.ClusterID, logger)), nil
}

// clientDelegate advertises a client member that silos ignore
type clientDelegate struct{}

func (clientDelegate) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(gossipMeta{Role: roleClient})
	return data
}
func (clientDelegate) NotifyMsg([]byte)                {}
func (clientDelegate) GetBroadcasts(int, int) [][]byte { return nil }
func (clientDelegate) LocalState(bool) []byte          { return nil }
func (clientDelegate) MergeRemoteState([]byte, bool)   {}
