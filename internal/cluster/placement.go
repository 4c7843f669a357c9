package cluster

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/devrev/silohost/internal/membership"
)

// vnodesPerSilo spreads each silo over the ring
const vnodesPerSilo = 64

// placementRing places entities on silos by consistent hashing over the
// silos that can take forwarded calls
type placementRing struct {
	mu      sync.RWMutex
	ring    []uint64
	owners  map[uint64]string
	members map[string]membership.SiloEntry
}

func newPlacementRing() *placementRing {
	return &placementRing{
		owners:  make(map[uint64]string),
		members: make(map[string]membership.SiloEntry),
	}
}

// Set replaces the ring with the active, reachable entries of members
func (p *placementRing) Set(members []membership.SiloEntry) {
	ring := make([]uint64, 0, len(members)*vnodesPerSilo)
	owners := make(map[uint64]string, len(members)*vnodesPerSilo)
	byID := make(map[string]membership.SiloEntry, len(members))

	for _, m := range members {
		if m.Status != membership.StatusActive || m.Address == "" {
			continue
		}
		byID[m.SiloID] = m
		for i := 0; i < vnodesPerSilo; i++ {
			h := hashKey(fmt.Sprintf("%s-vnode-%d", m.SiloID, i))
			ring = append(ring, h)
			owners[h] = m.SiloID
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })

	p.mu.Lock()
	p.ring = ring
	p.owners = owners
	p.members = byID
	p.mu.Unlock()
}

// Owner returns the silo an entity is placed on. ok is false when the ring
// is empty.
func (p *placementRing) Owner(id EntityID) (membership.SiloEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.ring) == 0 {
		return membership.SiloEntry{}, false
	}

	h := hashKey(id.String())
	idx := sort.Search(len(p.ring), func(i int) bool {
		return p.ring[i] >= h
	})
	// Wrap around
	if idx >= len(p.ring) {
		idx = 0
	}

	entry, ok := p.members[p.owners[p.ring[idx]]]
	return entry, ok
}

// Size returns the number of silos on the ring
func (p *placementRing) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.members)
}

// hashKey computes SHA-256 and keeps the first 8 bytes
func hashKey(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}
