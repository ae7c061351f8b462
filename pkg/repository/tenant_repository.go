package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

// TenantRepository is the persistence contract for tenants. Tenants are
// created out-of-band; the control plane only reads them and edits quotas.
type TenantRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	UpdateQuotas(ctx context.Context, id uuid.UUID, quotas models.TenantQuotas, version int) error
}

type tenantRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewTenantRepository creates the postgres-backed tenant repository
func NewTenantRepository(db *sqlx.DB, logger observability.Logger) TenantRepository {
	return &tenantRepository{db: db, logger: logger}
}

type tenantRow struct {
	ID                    uuid.UUID  `db:"id"`
	Name                  string     `db:"name"`
	Tier                  string     `db:"tier"`
	MaxConcurrentSessions int        `db:"max_concurrent_sessions"`
	MaxTokensPerDay       int64      `db:"max_tokens_per_day"`
	MaxAgents             int        `db:"max_agents"`
	Version               int        `db:"version"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
	DeletedAt             *time.Time `db:"deleted_at"`
}

// GetByID is a global read: tenant lookup happens before the tenant
// context is bound, so no tenant predicate applies here.
func (r *tenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var row tenantRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, name, tier, max_concurrent_sessions, max_tokens_per_day, max_agents,
			version, created_at, updated_at, deleted_at
		FROM tenants WHERE id = $1 AND deleted_at IS NULL`, id)
	if err == sql.ErrNoRows {
		return nil, notFound("tenant", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load tenant")
	}
	return &models.Tenant{
		ID:   row.ID,
		Name: row.Name,
		Tier: models.TenantTier(row.Tier),
		Quotas: models.TenantQuotas{
			MaxConcurrentSessions: row.MaxConcurrentSessions,
			MaxTokensPerDay:       row.MaxTokensPerDay,
			MaxAgents:             row.MaxAgents,
		},
		Version:   row.Version,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		DeletedAt: row.DeletedAt,
	}, nil
}

func (r *tenantRepository) UpdateQuotas(ctx context.Context, id uuid.UUID, quotas models.TenantQuotas, version int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET max_concurrent_sessions = $1, max_tokens_per_day = $2, max_agents = $3,
			version = version + 1, updated_at = now()
		WHERE id = $4 AND version = $5 AND deleted_at IS NULL`,
		quotas.MaxConcurrentSessions, quotas.MaxTokensPerDay, quotas.MaxAgents, id, version)
	if err != nil {
		return errors.Wrap(err, "failed to update tenant quotas")
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1 AND deleted_at IS NULL)`, id); err != nil {
			return errors.Wrap(err, "failed to check tenant existence")
		}
		if !exists {
			return notFound("tenant", id)
		}
		return staleVersion("tenant", id, version)
	}
	return nil
}
