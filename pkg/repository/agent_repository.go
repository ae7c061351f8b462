package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

// AgentFilter narrows agent list queries
type AgentFilter struct {
	ActiveOnly     bool
	AgentType      *models.AgentType
	IncludeDeleted bool
}

// AgentRepository is the persistence contract for agents
type AgentRepository interface {
	Create(ctx context.Context, agent *models.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	List(ctx context.Context, filter AgentFilter) ([]*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
	SoftDelete(ctx context.Context, id uuid.UUID, version int) error
	Count(ctx context.Context) (int64, error)
	TouchLastActive(ctx context.Context, id uuid.UUID, at time.Time) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

type agentRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewAgentRepository creates the postgres-backed agent repository
func NewAgentRepository(db *sqlx.DB, logger observability.Logger) AgentRepository {
	return &agentRepository{db: db, logger: logger}
}

type agentRow struct {
	ID                    uuid.UUID  `db:"id"`
	TenantID              uuid.UUID  `db:"tenant_id"`
	Name                  string     `db:"name"`
	AgentType             string     `db:"agent_type"`
	Description           string     `db:"description"`
	ModelVersion          string     `db:"model_version"`
	PrimaryCapabilities   []byte     `db:"primary_capabilities"`
	SecondaryCapabilities []byte     `db:"secondary_capabilities"`
	ModelConfig           []byte     `db:"model_config"`
	PreferredTechnologies []byte     `db:"preferred_technologies"`
	AvoidedTechnologies   []byte     `db:"avoided_technologies"`
	ComplexityPreference  string     `db:"complexity_preference"`
	PreferredSessionTypes []byte     `db:"preferred_session_types"`
	Performance           []byte     `db:"performance"`
	Load                  []byte     `db:"load"`
	Tags                  []byte     `db:"tags"`
	IsActive              bool       `db:"is_active"`
	MaintenanceMode       bool       `db:"maintenance_mode"`
	IsExternal            bool       `db:"is_external"`
	Endpoint              string     `db:"endpoint"`
	AuthToken             string     `db:"auth_token"`
	LastActiveAt          time.Time  `db:"last_active_at"`
	Version               int        `db:"version"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
	DeletedAt             *time.Time `db:"deleted_at"`
}

const agentColumns = `id, tenant_id, name, agent_type, description, model_version,
	primary_capabilities, secondary_capabilities, model_config, preferred_technologies,
	avoided_technologies, complexity_preference, preferred_session_types, performance,
	load, tags, is_active, maintenance_mode, is_external, endpoint, auth_token,
	last_active_at, version, created_at, updated_at, deleted_at`

func (r *agentRow) toModel() (*models.Agent, error) {
	agent := &models.Agent{
		ID:                   r.ID,
		TenantID:             r.TenantID,
		Name:                 r.Name,
		AgentType:            models.AgentType(r.AgentType),
		Description:          r.Description,
		ModelVer:             r.ModelVersion,
		ComplexityPreference: models.ComplexityPreference(r.ComplexityPreference),
		IsActive:             r.IsActive,
		MaintenanceMode:      r.MaintenanceMode,
		IsExternal:           r.IsExternal,
		Endpoint:             r.Endpoint,
		AuthToken:            r.AuthToken,
		LastActiveAt:         r.LastActiveAt,
		Version:              r.Version,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
		DeletedAt:            r.DeletedAt,
	}
	for _, field := range []struct {
		raw    []byte
		target interface{}
	}{
		{r.PrimaryCapabilities, &agent.PrimaryCapabilities},
		{r.SecondaryCapabilities, &agent.SecondaryCapabilities},
		{r.ModelConfig, &agent.ModelConfig},
		{r.PreferredTechnologies, &agent.PreferredTechnologies},
		{r.AvoidedTechnologies, &agent.AvoidedTechnologies},
		{r.PreferredSessionTypes, &agent.PreferredSessionTypes},
		{r.Performance, &agent.Performance},
		{r.Load, &agent.Load},
		{r.Tags, &agent.Tags},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.target); err != nil {
			return nil, errors.Wrap(err, "malformed agent column")
		}
	}
	return agent, nil
}

func (r *agentRepository) Create(ctx context.Context, agent *models.Agent) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}
	agent.TenantID = tenant

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agents (id, tenant_id, name, agent_type, description, model_version,
			primary_capabilities, secondary_capabilities, model_config, preferred_technologies,
			avoided_technologies, complexity_preference, preferred_session_types, performance,
			load, tags, is_active, maintenance_mode, is_external, endpoint, auth_token,
			last_active_at, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		agent.ID, tenant, agent.Name, agent.AgentType, agent.Description, agent.ModelVer,
		marshalOr(agent.PrimaryCapabilities, "[]"), marshalOr(agent.SecondaryCapabilities, "[]"),
		marshalOr(agent.ModelConfig, "{}"), marshalOr(agent.PreferredTechnologies, "[]"),
		marshalOr(agent.AvoidedTechnologies, "[]"), agent.ComplexityPreference,
		marshalOr(agent.PreferredSessionTypes, "[]"), marshalOr(agent.Performance, "{}"),
		marshalOr(agent.Load, "{}"), marshalOr(agent.Tags, "[]"),
		agent.IsActive, agent.MaintenanceMode, agent.IsExternal, agent.Endpoint, agent.AuthToken,
		agent.LastActiveAt, agent.Version, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert agent")
	}
	return nil
}

func (r *agentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	var row agentRow
	err = r.db.GetContext(ctx, &row, `
		SELECT `+agentColumns+` FROM agents
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenant)
	if err == sql.ErrNoRows {
		return nil, notFound("agent", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load agent")
	}
	return row.toModel()
}

func (r *agentRepository) List(ctx context.Context, filter AgentFilter) ([]*models.Agent, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}

	where := "tenant_id = $1"
	args := []interface{}{tenant}
	if !filter.IncludeDeleted {
		where += " AND deleted_at IS NULL"
	}
	if filter.ActiveOnly {
		where += " AND is_active = true"
	}
	if filter.AgentType != nil {
		args = append(args, *filter.AgentType)
		where += " AND agent_type = " + placeholder(len(args))
	}

	var rows []agentRow
	err = r.db.SelectContext(ctx, &rows,
		"SELECT "+agentColumns+" FROM agents WHERE "+where+" ORDER BY created_at ASC", args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list agents")
	}

	agents := make([]*models.Agent, 0, len(rows))
	for i := range rows {
		agent, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

func (r *agentRepository) Update(ctx context.Context, agent *models.Agent) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE agents SET
			name = $1, description = $2, model_version = $3, primary_capabilities = $4,
			secondary_capabilities = $5, model_config = $6, preferred_technologies = $7,
			avoided_technologies = $8, complexity_preference = $9, preferred_session_types = $10,
			performance = $11, load = $12, tags = $13, is_active = $14, maintenance_mode = $15,
			endpoint = $16, auth_token = $17, last_active_at = $18,
			version = version + 1, updated_at = now()
		WHERE id = $19 AND tenant_id = $20 AND version = $21 AND deleted_at IS NULL`,
		agent.Name, agent.Description, agent.ModelVer,
		marshalOr(agent.PrimaryCapabilities, "[]"), marshalOr(agent.SecondaryCapabilities, "[]"),
		marshalOr(agent.ModelConfig, "{}"), marshalOr(agent.PreferredTechnologies, "[]"),
		marshalOr(agent.AvoidedTechnologies, "[]"), agent.ComplexityPreference,
		marshalOr(agent.PreferredSessionTypes, "[]"), marshalOr(agent.Performance, "{}"),
		marshalOr(agent.Load, "{}"), marshalOr(agent.Tags, "[]"),
		agent.IsActive, agent.MaintenanceMode, agent.Endpoint, agent.AuthToken, agent.LastActiveAt,
		agent.ID, tenant, agent.Version,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update agent")
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL)`,
			agent.ID, tenant); err != nil {
			return errors.Wrap(err, "failed to check agent existence")
		}
		if !exists {
			return notFound("agent", agent.ID)
		}
		return staleVersion("agent", agent.ID, agent.Version)
	}
	agent.Version++
	return nil
}

func (r *agentRepository) SoftDelete(ctx context.Context, id uuid.UUID, version int) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE agents SET deleted_at = now(), version = version + 1, updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND version = $3 AND deleted_at IS NULL`,
		id, tenant, version)
	if err != nil {
		return errors.Wrap(err, "failed to soft delete agent")
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL)`,
			id, tenant); err != nil {
			return errors.Wrap(err, "failed to check agent existence")
		}
		if !exists {
			return notFound("agent", id)
		}
		return staleVersion("agent", id, version)
	}
	return nil
}

func (r *agentRepository) Count(ctx context.Context) (int64, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	err = r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM agents WHERE tenant_id = $1 AND deleted_at IS NULL`, tenant)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count agents")
	}
	return count, nil
}

// TouchLastActive records a heartbeat without bumping the version;
// heartbeats are too frequent to contend with business updates.
func (r *agentRepository) TouchLastActive(ctx context.Context, id uuid.UUID, at time.Time) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE agents SET last_active_at = $1, is_active = true, updated_at = now()
		WHERE id = $2 AND tenant_id = $3 AND deleted_at IS NULL`,
		at, id, tenant)
	if err != nil {
		return errors.Wrap(err, "failed to record heartbeat")
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return notFound("agent", id)
	}
	return nil
}

func (r *agentRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE agents SET is_active = $1, updated_at = now()
		WHERE id = $2 AND tenant_id = $3 AND deleted_at IS NULL`,
		active, id, tenant)
	if err != nil {
		return errors.Wrap(err, "failed to set agent activity")
	}
	return nil
}
