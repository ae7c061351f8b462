package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionmesh/sessionmesh/pkg/auth"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

func tenantContext(tenantID uuid.UUID) context.Context {
	return auth.WithTenantID(context.Background(), tenantID)
}

func agentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "name", "agent_type", "description", "model_version",
		"primary_capabilities", "secondary_capabilities", "model_config",
		"preferred_technologies", "avoided_technologies", "complexity_preference",
		"preferred_session_types", "performance", "load", "tags", "is_active",
		"maintenance_mode", "is_external", "endpoint", "auth_token",
		"last_active_at", "version", "created_at", "updated_at", "deleted_at",
	})
}

func TestAgentOperationsRequireTenantContext(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewAgentRepository(db, observability.NewNoopLogger())

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.CodeTenantRequired))

	_, err = repo.List(context.Background(), AgentFilter{})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeTenantRequired))
}

func TestAgentCreateBindsContextTenant(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAgentRepository(db, observability.NewNoopLogger())

	tenantID := uuid.New()
	agent := &models.Agent{
		ID:                  uuid.New(),
		TenantID:            uuid.New(), // overwritten by the context tenant
		Name:                "Backend Implementer",
		AgentType:           models.AgentTypeImplementer,
		PrimaryCapabilities: []models.Capability{models.CapCodeGeneration},
		LastActiveAt:        time.Now().UTC(),
		Version:             1,
	}

	mock.ExpectExec(`INSERT INTO agents`).WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Create(tenantContext(tenantID), agent))
	assert.Equal(t, tenantID, agent.TenantID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgentGetByIDUnmarshalsJSONColumns(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAgentRepository(db, observability.NewNoopLogger())

	tenantID := uuid.New()
	agentID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM agents`).
		WithArgs(agentID, tenantID).
		WillReturnRows(agentRows().AddRow(
			agentID, tenantID, "Backend Implementer", "IMPLEMENTER", "", "",
			[]byte(`["CODE_GENERATION","REFACTORING"]`), []byte(`[]`),
			[]byte(`{"model":"anthropic/claude-sonnet","temperature":0.2}`),
			[]byte(`["go"]`), []byte(`[]`), "MEDIUM", []byte(`[]`),
			[]byte(`{"tier":"ADVANCED","total":40,"successful":36}`),
			[]byte(`{"current":2,"capacity":5}`), []byte(`[]`),
			true, false, false, "", "", now, 4, now, now, nil,
		))

	agent, err := repo.GetByID(tenantContext(tenantID), agentID)
	require.NoError(t, err)

	assert.Equal(t, []models.Capability{models.CapCodeGeneration, models.CapRefactoring}, agent.PrimaryCapabilities)
	assert.Equal(t, models.TierAdvanced, agent.Performance.Tier)
	assert.Equal(t, int64(40), agent.Performance.Total)
	assert.InDelta(t, 0.4, agent.Load.Utilization(), 1e-9)
	assert.Equal(t, 4, agent.Version)
}

func TestAgentUpdateStaleVersion(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAgentRepository(db, observability.NewNoopLogger())

	tenantID := uuid.New()
	agent := &models.Agent{ID: uuid.New(), Version: 3}

	mock.ExpectExec(`UPDATE agents SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(agent.ID, tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := repo.Update(tenantContext(tenantID), agent)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeStaleVersion))
	assert.Equal(t, 3, agent.Version)
}

func TestAgentUpdateBumpsVersionOnSuccess(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAgentRepository(db, observability.NewNoopLogger())

	agent := &models.Agent{ID: uuid.New(), Version: 3}
	mock.ExpectExec(`UPDATE agents SET`).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Update(tenantContext(uuid.New()), agent))
	assert.Equal(t, 4, agent.Version)
}

func TestAgentListAppliesFilters(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAgentRepository(db, observability.NewNoopLogger())

	tenantID := uuid.New()
	agentType := models.AgentTypeReviewer
	mock.ExpectQuery(`SELECT .+ FROM agents WHERE tenant_id = \$1 AND deleted_at IS NULL AND is_active = true AND agent_type = \$2`).
		WithArgs(tenantID, agentType).
		WillReturnRows(agentRows())

	list, err := repo.List(tenantContext(tenantID), AgentFilter{
		ActiveOnly: true,
		AgentType:  &agentType,
	})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NoError(t, mock.ExpectationsWereMet())
}
