// Package membership tracks which silos belong to a cluster and where their
// gateways listen.
package membership

import (
	"context"
	"sort"
	"time"
)

// SiloStatus is the lifecycle status of a silo in the membership table
type SiloStatus string

const (
	StatusJoining      SiloStatus = "joining"
	StatusActive       SiloStatus = "active"
	StatusShuttingDown SiloStatus = "shutting_down"
	StatusDead         SiloStatus = "dead"
)

// SiloEntry describes one silo
type SiloEntry struct {
	SiloID         string     `json:"silo_id"`
	ClusterID      string     `json:"cluster_id"`
	ServiceID      string     `json:"service_id"`
	Address        string     `json:"address"`
	GatewayAddress string     `json:"gateway_address,omitempty"`
	Status         SiloStatus `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsGateway reports whether clients can connect through this silo
func (e SiloEntry) IsGateway() bool {
	return e.GatewayAddress != "" && e.Status == StatusActive
}

// Table is a cluster membership backend
type Table interface {
	// Register adds or replaces the entry for entry.SiloID
	Register(ctx context.Context, entry SiloEntry) error
	UpdateStatus(ctx context.Context, siloID string, status SiloStatus) error
	Unregister(ctx context.Context, siloID string) error
	// Members lists the silos of the table's cluster
	Members(ctx context.Context) ([]SiloEntry, error)
	Close() error
}

// GatewayLister yields the gateway addresses a client may connect to
type GatewayLister interface {
	Gateways(ctx context.Context) ([]string, error)
}

// StaticGateways is a fixed gateway list
type StaticGateways []string

// Gateways returns the list
func (g StaticGateways) Gateways(ctx context.Context) ([]string, error) {
	return g, nil
}

// TableGateways lists the active gateways found in a membership table
type TableGateways struct {
	Table Table
}

// Gateways returns active gateway addresses, most recently started first
func (g TableGateways) Gateways(ctx context.Context) ([]string, error) {
	members, err := g.Table.Members(ctx)
	if err != nil {
		return nil, err
	}
	return ActiveGateways(members), nil
}

// ActiveGateways returns the gateway addresses of active silos, most recently
// started first
func ActiveGateways(members []SiloEntry) []string {
	active := make([]SiloEntry, 0, len(members))
	for _, m := range members {
		if m.IsGateway() {
			active = append(active, m)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].StartedAt.After(active[j].StartedAt)
	})

	gateways := make([]string, 0, len(active))
	for _, m := range active {
		gateways = append(gateways, m.GatewayAddress)
	}
	return gateways
}

// sortMembers orders entries by silo id for stable listings
func sortMembers(members []SiloEntry) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].SiloID < members[j].SiloID
	})
}
