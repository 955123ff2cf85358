// Package budget implements the data plane's leased quota engine.
//
// Each tenant/billing-period pair owns an in-memory ledger. The hot path
// spends against the ledger with zero network or disk calls; background
// loops lease fresh budget from the control plane and report consumed
// deltas back. Ledger state is process-local and reconstructed from the
// control plane after a restart.
package budget

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Key identifies one ledger: a tenant within a billing period.
type Key struct {
	TenantID uuid.UUID
	PeriodID uuid.UUID
}

// Lease is a time-bounded budget grant issued by the control plane.
type Lease struct {
	LeaseID               uuid.UUID `json:"lease_id"`
	BandwidthGrantedBytes int64     `json:"bandwidth_granted_bytes"`
	TransformsGranted     int       `json:"transforms_granted"`
	GrantedAt             time.Time `json:"granted_at"`
	ExpiresAt             time.Time `json:"expires_at"`
}

// Ledger is the mutable budget state for one tenant/period.
//
// All fields are guarded by mu; only the Engine touches them. A ledger is
// created already expired (zero ExpiresAt) so it denies all spend until the
// first lease is granted.
type Ledger struct {
	mu sync.Mutex

	tenantID uuid.UUID
	periodID uuid.UUID

	// Balances; spends only decrease these, never below zero.
	remainingBandwidthBytes int64
	remainingTransforms     int

	// Granted amounts in the current lease, kept for the refill threshold.
	grantedBandwidthBytes int64
	grantedTransforms     int

	// Lease metadata. Once now > expiresAt the balances are forced to zero
	// on the next access: a stale balance never authorizes spend.
	leaseID   uuid.UUID
	expiresAt time.Time

	// Refill control.
	refillInProgress    bool
	lastRefillAttemptAt time.Time

	// Usage accumulated since the last report, drained as one atomic unit.
	consumedBandwidthDelta int64
	consumedTransformsDelta int
}

// Status is a torn-read-free view of a ledger, for diagnostics.
type Status struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	PeriodID  uuid.UUID `json:"period_id"`
	LeaseID   uuid.UUID `json:"lease_id"`
	ExpiresAt time.Time `json:"expires_at"`
	IsExpired bool      `json:"is_expired"`

	RemainingBandwidthBytes int64 `json:"remaining_bandwidth_bytes"`
	RemainingTransforms     int   `json:"remaining_transforms"`
	GrantedBandwidthBytes   int64 `json:"granted_bandwidth_bytes"`
	GrantedTransforms       int   `json:"granted_transforms"`

	RefillInProgress    bool      `json:"refill_in_progress"`
	LastRefillAttemptAt time.Time `json:"last_refill_attempt_at"`

	ConsumedBandwidthDelta  int64 `json:"consumed_bandwidth_delta"`
	ConsumedTransformsDelta int   `json:"consumed_transforms_delta"`
}

// UsageReport is one drained delta destined for the control plane.
type UsageReport struct {
	TenantID           uuid.UUID
	PeriodID           uuid.UUID
	BandwidthUsedBytes int64
	TransformsUsed     int
}
