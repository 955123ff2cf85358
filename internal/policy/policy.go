// Package policy caches the control plane's tenant policy snapshot in memory.
//
// The snapshot is an immutable, versioned bundle replaced wholesale on each
// sync; the hot path reads it with point lookups and never blocks on I/O.
package policy

import (
	"time"

	"github.com/google/uuid"
)

// Tenant lifecycle states as published by the control plane.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusCancelled = "cancelled"
)

// Snapshot is an atomic policy bundle for the data plane.
// It is never mutated after decoding.
type Snapshot struct {
	SnapshotID  uuid.UUID      `json:"snapshot_id"`
	Version     int            `json:"version"`
	GeneratedAt time.Time      `json:"generated_at"`
	Tenants     []TenantPolicy `json:"tenants"`
}

// TenantPolicy is one tenant's entry in a policy snapshot.
type TenantPolicy struct {
	TenantID        uuid.UUID `json:"tenant_id"`
	CurrentPeriodID uuid.UUID `json:"current_period_id"`
	Status          string    `json:"status"`
	PlanCode        string    `json:"plan_code"`
	Quotas          Quotas    `json:"quotas"`
	Domains         []Domain  `json:"domains"`
	APIKeys         []APIKey  `json:"api_keys"`
}

// Quotas holds a tenant's plan-level limits.
type Quotas struct {
	BandwidthLimitBytes int64 `json:"bandwidth_limit_bytes"`
	TransformsLimit     int   `json:"transforms_limit"`
	StorageLimitBytes   int64 `json:"storage_limit_bytes"`
	DomainsLimit        int   `json:"domains_limit"`
}

// Domain is a tenant's serving domain and its verification state.
type Domain struct {
	Domain   string `json:"domain"`
	Verified bool   `json:"verified"`
}

// APIKey is a fingerprint of a tenant API key (never the key itself).
type APIKey struct {
	KeyPrefix string `json:"key_prefix"`
	KeyHMAC   string `json:"key_hmac"`
	Status    string `json:"status"`
}

// IsActive reports whether the tenant may be served.
func (p *TenantPolicy) IsActive() bool {
	return p.Status == StatusActive
}
