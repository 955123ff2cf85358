package budget

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRefillThreshold triggers a refill when a remaining balance
	// drops below this fraction of the granted amount.
	DefaultRefillThreshold = 0.2

	// DefaultRefillCooldown is the minimum gap between refill attempts
	// for one ledger. It doubles as the retry back-off after a failed
	// allocate call.
	DefaultRefillCooldown = 10 * time.Second
)

// EngineConfig tunes the refill decision. Zero values take the defaults.
type EngineConfig struct {
	RefillThreshold float64
	RefillCooldown  time.Duration
}

// Engine owns the ledger collection and every mutation of ledger state.
//
// The collection lock only guards map access; each ledger serializes its
// own check+mutate under its private mutex, so operations on different
// ledgers never contend.
type Engine struct {
	mu      sync.RWMutex
	ledgers map[Key]*Ledger

	threshold float64
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an empty budget engine.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.RefillThreshold <= 0 {
		cfg.RefillThreshold = DefaultRefillThreshold
	}
	if cfg.RefillCooldown <= 0 {
		cfg.RefillCooldown = DefaultRefillCooldown
	}
	return &Engine{
		ledgers:   make(map[Key]*Ledger),
		threshold: cfg.RefillThreshold,
		cooldown:  cfg.RefillCooldown,
		logger:    logger,
		now:       time.Now,
	}
}

// getOrCreate returns the ledger for key, creating an already-expired empty
// ledger on first reference. Double-checked so the common case is a shared
// read lock.
func (e *Engine) getOrCreate(key Key) *Ledger {
	e.mu.RLock()
	l, ok := e.ledgers[key]
	e.mu.RUnlock()
	if ok {
		return l
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.ledgers[key]; ok {
		return l
	}
	l = &Ledger{tenantID: key.TenantID, periodID: key.PeriodID}
	e.ledgers[key] = l
	activeLedgers.Set(float64(len(e.ledgers)))
	return l
}

// expireLocked forces balances to zero when the lease has lapsed.
// Caller holds l.mu. Reports whether the ledger is expired.
func (e *Engine) expireLocked(l *Ledger) bool {
	if e.now().After(l.expiresAt) {
		l.remainingBandwidthBytes = 0
		l.remainingTransforms = 0
		return true
	}
	return false
}

// TrySpendBandwidth atomically checks and spends bytes of bandwidth budget.
// It returns false, with no side effect on balances, when the lease has
// expired or the remaining balance is insufficient.
func (e *Engine) TrySpendBandwidth(key Key, bytes int64) bool {
	l := e.getOrCreate(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	if e.expireLocked(l) {
		spends.WithLabelValues("bandwidth", "lease_expired").Inc()
		e.logger.Warn("budget lease expired",
			"tenant_id", key.TenantID,
			"period_id", key.PeriodID,
			"lease_id", l.leaseID,
			"expired_at", l.expiresAt,
		)
		return false
	}

	if l.remainingBandwidthBytes < bytes {
		spends.WithLabelValues("bandwidth", "denied").Inc()
		e.logger.Debug("insufficient bandwidth",
			"tenant_id", key.TenantID,
			"requested", bytes,
			"remaining", l.remainingBandwidthBytes,
		)
		return false
	}

	l.remainingBandwidthBytes -= bytes
	l.consumedBandwidthDelta += bytes
	spends.WithLabelValues("bandwidth", "allowed").Inc()
	return true
}

// TrySpendTransform atomically checks and spends one transform.
func (e *Engine) TrySpendTransform(key Key) bool {
	l := e.getOrCreate(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	if e.expireLocked(l) {
		spends.WithLabelValues("transform", "lease_expired").Inc()
		return false
	}

	if l.remainingTransforms <= 0 {
		spends.WithLabelValues("transform", "denied").Inc()
		e.logger.Debug("insufficient transforms",
			"tenant_id", key.TenantID,
			"remaining", l.remainingTransforms,
		)
		return false
	}

	l.remainingTransforms--
	l.consumedTransformsDelta++
	spends.WithLabelValues("transform", "allowed").Inc()
	return true
}

// GrantLease overwrites the ledger's balances, grants, and lease metadata
// from a control-plane allocation. This is the only way balances increase.
// The refill in-progress flag is cleared unconditionally, even when the
// grant did not originate from the attempt that set it.
func (e *Engine) GrantLease(key Key, lease *Lease) {
	l := e.getOrCreate(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.leaseID = lease.LeaseID
	l.remainingBandwidthBytes = lease.BandwidthGrantedBytes
	l.remainingTransforms = lease.TransformsGranted
	l.grantedBandwidthBytes = lease.BandwidthGrantedBytes
	l.grantedTransforms = lease.TransformsGranted
	l.expiresAt = lease.ExpiresAt
	l.refillInProgress = false

	leasesGranted.Inc()
	e.logger.Info("budget lease granted",
		"lease_id", lease.LeaseID,
		"tenant_id", key.TenantID,
		"period_id", key.PeriodID,
		"bandwidth_bytes", lease.BandwidthGrantedBytes,
		"transforms", lease.TransformsGranted,
		"expires_at", lease.ExpiresAt,
	)
}

// ShouldRefill reports whether a refill should be requested for this ledger
// and, when true, claims the refill slot: it marks the ledger in-progress
// and records the attempt time. Callers must only invoke it when prepared
// to issue the allocate request.
//
// A refill is due when no attempt is in flight, the cooldown has elapsed,
// the lease has not expired, and either remaining balance is below the
// threshold fraction of its grant. A never-granted ledger computes a zero
// threshold and so never triggers here; its lease is already expired, which
// is the path that handles it.
func (e *Engine) ShouldRefill(key Key) bool {
	l := e.getOrCreate(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refillInProgress {
		return false
	}

	now := e.now()
	if now.Sub(l.lastRefillAttemptAt) < e.cooldown {
		return false
	}

	// An expired lease is handled by the next grant cycle, not a refill.
	if now.After(l.expiresAt) {
		return false
	}

	bandwidthThreshold := int64(float64(l.grantedBandwidthBytes) * e.threshold)
	transformsThreshold := int(float64(l.grantedTransforms) * e.threshold)

	lowBandwidth := l.remainingBandwidthBytes < bandwidthThreshold
	lowTransforms := l.remainingTransforms < transformsThreshold

	if !lowBandwidth && !lowTransforms {
		return false
	}

	l.refillInProgress = true
	l.lastRefillAttemptAt = now

	refillsTriggered.Inc()
	e.logger.Info("budget refill triggered",
		"tenant_id", key.TenantID,
		"period_id", key.PeriodID,
		"remaining_bandwidth", l.remainingBandwidthBytes,
		"granted_bandwidth", l.grantedBandwidthBytes,
		"remaining_transforms", l.remainingTransforms,
		"granted_transforms", l.grantedTransforms,
	)
	return true
}

// GetAndResetConsumedDelta atomically reads and zeroes both usage
// accumulators so each spend is attributed to exactly one report.
func (e *Engine) GetAndResetConsumedDelta(key Key) (bandwidthDelta int64, transformsDelta int) {
	l := e.getOrCreate(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	bandwidthDelta = l.consumedBandwidthDelta
	transformsDelta = l.consumedTransformsDelta
	l.consumedBandwidthDelta = 0
	l.consumedTransformsDelta = 0
	return bandwidthDelta, transformsDelta
}

// PendingUsage returns a point-in-time list of ledgers whose accumulators
// are non-zero. Ledgers may become pending after enumeration or be drained
// by a racing caller before the consumer acts; consumers treat a later
// zero-delta read as a no-op.
func (e *Engine) PendingUsage() []Key {
	e.mu.RLock()
	ledgers := make([]*Ledger, 0, len(e.ledgers))
	for _, l := range e.ledgers {
		ledgers = append(ledgers, l)
	}
	e.mu.RUnlock()

	var pending []Key
	for _, l := range ledgers {
		l.mu.Lock()
		dirty := l.consumedBandwidthDelta > 0 || l.consumedTransformsDelta > 0
		if dirty {
			pending = append(pending, Key{TenantID: l.tenantID, PeriodID: l.periodID})
		}
		l.mu.Unlock()
	}
	return pending
}

// GetBudget returns a consistent diagnostic snapshot of a ledger, or nil
// when no ledger exists for the key. Unlike the spend paths it never
// creates a ledger.
func (e *Engine) GetBudget(key Key) *Status {
	e.mu.RLock()
	l, ok := e.ledgers[key]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return &Status{
		TenantID:                l.tenantID,
		PeriodID:                l.periodID,
		LeaseID:                 l.leaseID,
		ExpiresAt:               l.expiresAt,
		IsExpired:               e.now().After(l.expiresAt),
		RemainingBandwidthBytes: l.remainingBandwidthBytes,
		RemainingTransforms:     l.remainingTransforms,
		GrantedBandwidthBytes:   l.grantedBandwidthBytes,
		GrantedTransforms:       l.grantedTransforms,
		RefillInProgress:        l.refillInProgress,
		LastRefillAttemptAt:     l.lastRefillAttemptAt,
		ConsumedBandwidthDelta:  l.consumedBandwidthDelta,
		ConsumedTransformsDelta: l.consumedTransformsDelta,
	}
}
