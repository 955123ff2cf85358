package policy

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	return NewCache(slog.New(slog.DiscardHandler))
}

func makeSnapshot(version int, tenants ...TenantPolicy) *Snapshot {
	return &Snapshot{
		SnapshotID:  uuid.New(),
		Version:     version,
		GeneratedAt: time.Now(),
		Tenants:     tenants,
	}
}

func activeTenant() TenantPolicy {
	return TenantPolicy{
		TenantID:        uuid.New(),
		CurrentPeriodID: uuid.New(),
		Status:          StatusActive,
		PlanCode:        "pro",
	}
}

func TestCacheEmptyUntilFirstUpdate(t *testing.T) {
	c := testCache(t)

	assert.Nil(t, c.GetCurrentSnapshot())
	assert.Nil(t, c.GetTenantPolicy(uuid.New()))

	_, ok := c.GetSnapshotID()
	assert.False(t, ok)

	_, ok = c.SnapshotAge()
	assert.False(t, ok)
}

func TestCacheUpdateAndLookup(t *testing.T) {
	c := testCache(t)
	tenant := activeTenant()
	snapshot := makeSnapshot(1, tenant)

	c.UpdateSnapshot(snapshot)

	got := c.GetTenantPolicy(tenant.TenantID)
	require.NotNil(t, got)
	assert.Equal(t, tenant.CurrentPeriodID, got.CurrentPeriodID)
	assert.True(t, got.IsActive())

	id, ok := c.GetSnapshotID()
	require.True(t, ok)
	assert.Equal(t, snapshot.SnapshotID, id)

	age, ok := c.SnapshotAge()
	require.True(t, ok)
	assert.Less(t, age, time.Minute)
}

func TestCacheReplacementDropsOldTenants(t *testing.T) {
	c := testCache(t)

	// Five tenants, then a snapshot with none of them: every lookup must
	// flip to a miss, not serve stale entries.
	first := makeSnapshot(1, activeTenant(), activeTenant(), activeTenant(), activeTenant(), activeTenant())
	c.UpdateSnapshot(first)
	for _, tenant := range first.Tenants {
		require.NotNil(t, c.GetTenantPolicy(tenant.TenantID))
	}

	c.UpdateSnapshot(makeSnapshot(2))
	for _, tenant := range first.Tenants {
		assert.Nil(t, c.GetTenantPolicy(tenant.TenantID))
	}
	assert.Empty(t, c.GetCurrentSnapshot().Tenants)
}

func TestCacheStatusTransitionVisible(t *testing.T) {
	c := testCache(t)
	tenant := activeTenant()
	c.UpdateSnapshot(makeSnapshot(1, tenant))

	suspended := tenant
	suspended.Status = StatusSuspended
	c.UpdateSnapshot(makeSnapshot(2, suspended))

	got := c.GetTenantPolicy(tenant.TenantID)
	require.NotNil(t, got)
	assert.False(t, got.IsActive())
	assert.Equal(t, StatusSuspended, got.Status)
}

func TestCacheConcurrentReadersDuringSwap(t *testing.T) {
	c := testCache(t)
	tenant := activeTenant()
	c.UpdateSnapshot(makeSnapshot(1, tenant))

	var wg sync.WaitGroup
	stopWriters := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		version := 2
		for {
			select {
			case <-stopWriters:
				return
			default:
				c.UpdateSnapshot(makeSnapshot(version, tenant))
				version++
			}
		}
	}()

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				// A reader must always see a complete snapshot with the
				// tenant present, never a half-built index.
				if got := c.GetTenantPolicy(tenant.TenantID); got == nil {
					t.Error("lookup missed during swap")
					return
				}
				if c.GetCurrentSnapshot() == nil {
					t.Error("snapshot vanished during swap")
					return
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(stopWriters)
	wg.Wait()
}
