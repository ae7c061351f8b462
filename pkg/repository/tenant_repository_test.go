package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestTenantGetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTenantRepository(db, observability.NewNoopLogger())

	tenantID := uuid.New()
	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .+ FROM tenants WHERE id = \$1`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "tier", "max_concurrent_sessions", "max_tokens_per_day",
			"max_agents", "version", "created_at", "updated_at", "deleted_at",
		}).AddRow(tenantID, "acme", "PRO", 10, int64(500000), 25, 3, now, now, nil))

	tenant, err := repo.GetByID(context.Background(), tenantID)
	require.NoError(t, err)

	assert.Equal(t, "acme", tenant.Name)
	assert.Equal(t, models.TenantTier("PRO"), tenant.Tier)
	assert.Equal(t, 10, tenant.Quotas.MaxConcurrentSessions)
	assert.Equal(t, int64(500000), tenant.Quotas.MaxTokensPerDay)
	assert.Equal(t, 3, tenant.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantGetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTenantRepository(db, observability.NewNoopLogger())

	mock.ExpectQuery(`SELECT .+ FROM tenants`).WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestTenantUpdateQuotasStaleVersion(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTenantRepository(db, observability.NewNoopLogger())

	tenantID := uuid.New()
	mock.ExpectExec(`UPDATE tenants SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := repo.UpdateQuotas(context.Background(), tenantID,
		models.TenantQuotas{MaxConcurrentSessions: 5}, 2)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeStaleVersion))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantUpdateQuotasMissingTenant(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTenantRepository(db, observability.NewNoopLogger())

	tenantID := uuid.New()
	mock.ExpectExec(`UPDATE tenants SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := repo.UpdateQuotas(context.Background(), tenantID, models.TenantQuotas{}, 1)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}
