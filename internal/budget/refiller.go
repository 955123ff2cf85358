package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pxl8/datagateway/internal/policy"
	"github.com/pxl8/datagateway/internal/traces"
)

// Allocator requests a budget lease from the control plane.
// Implemented by controlplane.Client.
type Allocator interface {
	AllocateBudget(ctx context.Context, tenantID, periodID uuid.UUID) (*Lease, error)
}

// Refiller is the background loop that tops up ledgers before they run dry.
//
// On each tick it examines the union of every tenant in the policy snapshot
// (at that tenant's current period) and every ledger with pending usage
// (covers tenants whose period rolled over), claims refills via
// Engine.ShouldRefill, and grants the returned leases. A failed allocate
// leaves the in-progress flag set; the engine cooldown is the retry
// back-off.
type Refiller struct {
	engine    *Engine
	policies  *policy.Cache
	allocator Allocator
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewRefiller creates a new budget refiller.
func NewRefiller(engine *Engine, policies *policy.Cache, allocator Allocator, interval time.Duration, logger *slog.Logger) *Refiller {
	return &Refiller{
		engine:    engine,
		policies:  policies,
		allocator: allocator,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the refill loop is actively running.
func (r *Refiller) Running() bool {
	return r.running.Load()
}

// Start begins the refill loop. Call in a goroutine.
func (r *Refiller) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	r.logger.Info("budget refiller started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeTick(ctx)
		}
	}
}

// Stop signals the refiller to stop.
func (r *Refiller) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Refiller) safeTick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in budget refiller", "panic", fmt.Sprint(rec))
		}
	}()
	r.checkAndRefill(ctx)
}

func (r *Refiller) checkAndRefill(ctx context.Context) {
	candidates := make(map[Key]struct{})

	// Tenants in the current policy snapshot, at their current period.
	// This is also what forces an initial lease for brand-new tenants.
	if snapshot := r.policies.GetCurrentSnapshot(); snapshot != nil {
		for _, tenant := range snapshot.Tenants {
			candidates[Key{TenantID: tenant.TenantID, PeriodID: tenant.CurrentPeriodID}] = struct{}{}
		}
	}

	// Ledgers with pending usage may reference periods the snapshot no
	// longer lists.
	for _, key := range r.engine.PendingUsage() {
		candidates[key] = struct{}{}
	}

	for key := range candidates {
		if r.engine.ShouldRefill(key) {
			r.requestRefill(ctx, key)
		}
	}
}

func (r *Refiller) requestRefill(ctx context.Context, key Key) {
	ctx, span := traces.StartSpan(ctx, "budget.refill",
		traces.Tenant(key.TenantID.String()),
		traces.Period(key.PeriodID.String()),
	)
	defer span.End()

	lease, err := r.allocator.AllocateBudget(ctx, key.TenantID, key.PeriodID)
	if err != nil {
		// In-progress stays set; ShouldRefill re-opens the slot once the
		// cooldown elapses.
		refillFailures.Inc()
		r.logger.Warn("budget refill request failed",
			"tenant_id", key.TenantID,
			"period_id", key.PeriodID,
			"error", err,
		)
		return
	}

	r.engine.GrantLease(key, lease)
}
