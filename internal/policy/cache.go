package policy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cache holds the current policy snapshot and a derived tenant index.
//
// Readers (hot path, refiller) take the shared lock; UpdateSnapshot is the
// single writer and swaps the snapshot and index together, so readers see
// the old state or the new state, never a mix.
type Cache struct {
	mu     sync.RWMutex
	logger *slog.Logger

	current      *Snapshot
	lastUpdateAt time.Time
	tenantIndex  map[uuid.UUID]*TenantPolicy

	now func() time.Time
}

// NewCache creates an empty policy cache. Until the first UpdateSnapshot
// the cache reports no snapshot and lookups miss.
func NewCache(logger *slog.Logger) *Cache {
	return &Cache{
		logger:      logger,
		tenantIndex: make(map[uuid.UUID]*TenantPolicy),
		now:         time.Now,
	}
}

// UpdateSnapshot replaces the current snapshot and rebuilds the tenant
// index as one atomic swap.
func (c *Cache) UpdateSnapshot(snapshot *Snapshot) {
	index := make(map[uuid.UUID]*TenantPolicy, len(snapshot.Tenants))
	for i := range snapshot.Tenants {
		index[snapshot.Tenants[i].TenantID] = &snapshot.Tenants[i]
	}

	c.mu.Lock()
	c.current = snapshot
	c.tenantIndex = index
	c.lastUpdateAt = c.now()
	c.mu.Unlock()

	snapshotTenants.Set(float64(len(snapshot.Tenants)))

	c.logger.Info("policy snapshot updated",
		"snapshot_id", snapshot.SnapshotID,
		"version", snapshot.Version,
		"tenants", len(snapshot.Tenants),
		"generated_at", snapshot.GeneratedAt,
	)
}

// GetTenantPolicy returns the policy record for a tenant, or nil if the
// tenant is not in the current snapshot.
func (c *Cache) GetTenantPolicy(tenantID uuid.UUID) *TenantPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tenantIndex[tenantID]
}

// GetCurrentSnapshot returns the current snapshot, or nil before the first
// successful sync.
func (c *Cache) GetCurrentSnapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// GetSnapshotID returns the current snapshot's id and whether one is loaded.
func (c *Cache) GetSnapshotID() (uuid.UUID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return uuid.Nil, false
	}
	return c.current.SnapshotID, true
}

// SnapshotAge returns the wall-clock time since the last snapshot swap.
// ok is false if no snapshot has ever loaded.
func (c *Cache) SnapshotAge() (age time.Duration, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastUpdateAt.IsZero() {
		return 0, false
	}
	return c.now().Sub(c.lastUpdateAt), true
}
