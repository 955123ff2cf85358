package budget

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxl8/datagateway/internal/policy"
)

type mockAllocator struct {
	mu    sync.Mutex
	calls []Key
	lease *Lease
	err   error
}

func (m *mockAllocator) AllocateBudget(ctx context.Context, tenantID, periodID uuid.UUID) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Key{TenantID: tenantID, PeriodID: periodID})
	if m.err != nil {
		return nil, m.err
	}
	if m.lease != nil {
		return m.lease, nil
	}
	return &Lease{
		LeaseID:               uuid.New(),
		BandwidthGrantedBytes: 10 << 30,
		TransformsGranted:     100_000,
		GrantedAt:             time.Now(),
		ExpiresAt:             time.Now().Add(time.Hour),
	}, nil
}

func (m *mockAllocator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func snapshotWithTenant(tenantID, periodID uuid.UUID) *policy.Snapshot {
	return &policy.Snapshot{
		SnapshotID:  uuid.New(),
		Version:     1,
		GeneratedAt: time.Now(),
		Tenants: []policy.TenantPolicy{{
			TenantID:        tenantID,
			CurrentPeriodID: periodID,
			Status:          policy.StatusActive,
		}},
	}
}

func testRefiller(t *testing.T, alloc Allocator) (*Refiller, *Engine, *policy.Cache) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	engine := NewEngine(EngineConfig{}, logger)
	cache := policy.NewCache(logger)
	return NewRefiller(engine, cache, alloc, 5*time.Second, logger), engine, cache
}

func TestRefillerLowBudgetGetsRefilled(t *testing.T) {
	alloc := &mockAllocator{}
	r, engine, cache := testRefiller(t, alloc)

	key := testKey()
	cache.UpdateSnapshot(snapshotWithTenant(key.TenantID, key.PeriodID))

	grant(engine, key, 1000, 100, time.Hour)
	require.True(t, engine.TrySpendBandwidth(key, 900))

	r.checkAndRefill(context.Background())

	require.Equal(t, 1, alloc.callCount())
	assert.Equal(t, key, alloc.calls[0])

	status := engine.GetBudget(key)
	assert.Equal(t, int64(10<<30), status.RemainingBandwidthBytes)
	assert.False(t, status.RefillInProgress)
}

func TestRefillerHealthyBudgetUntouched(t *testing.T) {
	alloc := &mockAllocator{}
	r, engine, cache := testRefiller(t, alloc)

	key := testKey()
	cache.UpdateSnapshot(snapshotWithTenant(key.TenantID, key.PeriodID))
	grant(engine, key, 1000, 100, time.Hour)
	require.True(t, engine.TrySpendBandwidth(key, 100))

	r.checkAndRefill(context.Background())
	assert.Zero(t, alloc.callCount())
}

func TestRefillerFailureLeavesInProgressSet(t *testing.T) {
	alloc := &mockAllocator{err: errors.New("control plane down")}
	r, engine, cache := testRefiller(t, alloc)

	key := testKey()
	cache.UpdateSnapshot(snapshotWithTenant(key.TenantID, key.PeriodID))
	grant(engine, key, 1000, 100, time.Hour)
	require.True(t, engine.TrySpendBandwidth(key, 900))

	r.checkAndRefill(context.Background())
	require.Equal(t, 1, alloc.callCount())

	// Failed attempt: no grant, slot stays claimed until cooldown.
	status := engine.GetBudget(key)
	assert.True(t, status.RefillInProgress)
	assert.Equal(t, int64(100), status.RemainingBandwidthBytes)

	// Immediate retick does not hammer the allocator.
	r.checkAndRefill(context.Background())
	assert.Equal(t, 1, alloc.callCount())
}

func TestRefillerCoversPendingUsageOutsideSnapshot(t *testing.T) {
	alloc := &mockAllocator{}
	r, engine, cache := testRefiller(t, alloc)

	// Rolled-over period: usage pending on a key the snapshot no longer
	// lists. The snapshot now names a different current period.
	oldKey := testKey()
	grant(engine, oldKey, 1000, 100, time.Hour)
	require.True(t, engine.TrySpendBandwidth(oldKey, 950))

	newPeriod := uuid.New()
	cache.UpdateSnapshot(snapshotWithTenant(oldKey.TenantID, newPeriod))

	r.checkAndRefill(context.Background())

	keys := make(map[Key]bool)
	alloc.mu.Lock()
	for _, k := range alloc.calls {
		keys[k] = true
	}
	alloc.mu.Unlock()
	assert.True(t, keys[oldKey], "dirty rolled-over ledger should still refill")
}

func TestRefillerNoSnapshotNoPanic(t *testing.T) {
	alloc := &mockAllocator{}
	r, _, _ := testRefiller(t, alloc)

	r.checkAndRefill(context.Background())
	assert.Zero(t, alloc.callCount())
}

func TestRefillerStartStop(t *testing.T) {
	alloc := &mockAllocator{}
	logger := slog.New(slog.DiscardHandler)
	engine := NewEngine(EngineConfig{}, logger)
	cache := policy.NewCache(logger)
	r := NewRefiller(engine, cache, alloc, 10*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	require.Eventually(t, r.Running, time.Second, 5*time.Millisecond)

	r.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refiller did not stop")
	}
	assert.False(t, r.Running())
}
