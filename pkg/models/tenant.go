// Package models defines the persistent entities of the control plane:
// tenants, sessions, tasks and agents, together with their status machines
// and validation rules. Validation runs inside constructors and returns
// coded errors; entities never reach a repository in an invalid state.
package models

import (
	"time"

	"github.com/google/uuid"
)

// TenantTier classifies a tenant's service level
type TenantTier string

// Tenant tiers
const (
	TenantTierFree       TenantTier = "free"
	TenantTierStandard   TenantTier = "standard"
	TenantTierEnterprise TenantTier = "enterprise"
)

// TenantQuotas bounds per-tenant resource consumption
type TenantQuotas struct {
	MaxConcurrentSessions int   `json:"max_concurrent_sessions" db:"max_concurrent_sessions"`
	MaxTokensPerDay       int64 `json:"max_tokens_per_day" db:"max_tokens_per_day"`
	MaxAgents             int   `json:"max_agents" db:"max_agents"`
}

// Tenant is the top-level isolation boundary. Tenants are created
// out-of-band; the core only reads them and edits quotas.
type Tenant struct {
	ID        uuid.UUID    `json:"id" db:"id"`
	Name      string       `json:"name" db:"name"`
	Tier      TenantTier   `json:"tier" db:"tier"`
	Quotas    TenantQuotas `json:"quotas"`
	Version   int          `json:"version" db:"version"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time   `json:"deleted_at,omitempty" db:"deleted_at"`
}
