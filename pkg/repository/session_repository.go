package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/sessionmesh/sessionmesh/pkg/cache"
	"github.com/sessionmesh/sessionmesh/pkg/database"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

// SessionFilter narrows session list queries
type SessionFilter struct {
	Status         []models.SessionStatus
	Type           []models.SessionType
	Priority       []models.Priority
	ParentID       *uuid.UUID
	IncludeDeleted bool
}

// SessionRepository is the persistence contract for sessions, their
// metrics and their checkpoints
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	List(ctx context.Context, filter SessionFilter, sorts []Sort, page Pagination) (*Page[*models.Session], error)
	Search(ctx context.Context, query string, page Pagination) (*Page[*models.Session], error)
	Update(ctx context.Context, session *models.Session) error
	SoftDelete(ctx context.Context, id uuid.UUID, version int) error
	HardDelete(ctx context.Context, id uuid.UUID) error
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	CountActive(ctx context.Context) (int64, error)

	AddCheckpoint(ctx context.Context, session *models.Session, data json.RawMessage) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, sessionID uuid.UUID, sinceSequence int) ([]models.Checkpoint, error)
}

type sessionRepository struct {
	db     *sqlx.DB
	uow    database.UnitOfWork
	cache  cache.Cache
	logger observability.Logger
}

// NewSessionRepository creates the postgres-backed session repository.
// cache may be nil to disable read-through caching.
func NewSessionRepository(db *sqlx.DB, c cache.Cache, logger observability.Logger) SessionRepository {
	return &sessionRepository{
		db:     db,
		uow:    database.NewUnitOfWork(db, logger),
		cache:  c,
		logger: logger,
	}
}

type sessionRow struct {
	ID                  uuid.UUID  `db:"id"`
	TenantID            uuid.UUID  `db:"tenant_id"`
	ParentID            *uuid.UUID `db:"parent_id"`
	Title               string     `db:"title"`
	InitialPrompt       string     `db:"initial_prompt"`
	SessionType         string     `db:"session_type"`
	Priority            string     `db:"priority"`
	Status              string     `db:"status"`
	StatusUpdatedAt     time.Time  `db:"status_updated_at"`
	AgentConfig         []byte     `db:"agent_config"`
	ModelConfig         string     `db:"model_config"`
	MaxDurationSeconds  int        `db:"max_duration_seconds"`
	RetryCount          int        `db:"retry_count"`
	MaxRetries          int        `db:"max_retries"`
	CheckpointRetention int        `db:"checkpoint_retention"`
	LastError           string     `db:"last_error"`
	Tags                []byte     `db:"tags"`
	Metadata            []byte     `db:"metadata"`
	Version             int        `db:"version"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
	DeletedAt           *time.Time `db:"deleted_at"`
}

const sessionColumns = `id, tenant_id, parent_id, title, initial_prompt, session_type, priority,
	status, status_updated_at, agent_config, model_config, max_duration_seconds,
	retry_count, max_retries, checkpoint_retention, last_error, tags, metadata,
	version, created_at, updated_at, deleted_at`

func (r *sessionRow) toModel() (*models.Session, error) {
	session := &models.Session{
		ID:                  r.ID,
		TenantID:            r.TenantID,
		ParentID:            r.ParentID,
		Title:               r.Title,
		InitialPrompt:       r.InitialPrompt,
		SessionType:         models.SessionType(r.SessionType),
		Priority:            models.Priority(r.Priority),
		Status:              models.SessionStatus(r.Status),
		StatusUpdatedAt:     r.StatusUpdatedAt,
		ModelConfig:         r.ModelConfig,
		MaxDurationSeconds:  r.MaxDurationSeconds,
		RetryCount:          r.RetryCount,
		MaxRetries:          r.MaxRetries,
		CheckpointRetention: r.CheckpointRetention,
		LastError:           r.LastError,
		Version:             r.Version,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		DeletedAt:           r.DeletedAt,
	}
	if len(r.AgentConfig) > 0 {
		if err := json.Unmarshal(r.AgentConfig, &session.AgentConfig); err != nil {
			return nil, errors.Wrap(err, "malformed agent_config")
		}
	}
	if len(r.Tags) > 0 {
		if err := json.Unmarshal(r.Tags, &session.Tags); err != nil {
			return nil, errors.Wrap(err, "malformed tags")
		}
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &session.Metadata); err != nil {
			return nil, errors.Wrap(err, "malformed metadata")
		}
	}
	return session, nil
}

func marshalOr(value interface{}, fallback string) []byte {
	if value == nil {
		return []byte(fallback)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return []byte(fallback)
	}
	return data
}

func (r *sessionRepository) Create(ctx context.Context, session *models.Session) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}
	session.TenantID = tenant

	return r.uow.Execute(ctx, func(tx database.Transaction) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, tenant_id, parent_id, title, initial_prompt, session_type,
				priority, status, status_updated_at, agent_config, model_config, max_duration_seconds,
				retry_count, max_retries, checkpoint_retention, last_error, tags, metadata,
				version, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
			session.ID, tenant, session.ParentID, session.Title, session.InitialPrompt,
			session.SessionType, session.Priority, session.Status, session.StatusUpdatedAt,
			marshalOr(session.AgentConfig, "{}"), session.ModelConfig, session.MaxDurationSeconds,
			session.RetryCount, session.MaxRetries, session.CheckpointRetention, session.LastError,
			marshalOr(session.Tags, "[]"), marshalOr(session.Metadata, "{}"),
			session.Version, session.CreatedAt, session.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, "failed to insert session")
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_metrics (session_id, tenant_id) VALUES ($1, $2)`,
			session.ID, tenant,
		)
		if err != nil {
			return errors.Wrap(err, "failed to initialize session metrics")
		}
		r.invalidate(ctx, session.ID)
		return nil
	})
}

func (r *sessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		var cached models.Session
		if err := r.cache.Get(ctx, sessionCacheKey(id), &cached); err == nil && cached.TenantID == tenant {
			return &cached, nil
		}
	}

	var row sessionRow
	err = r.db.GetContext(ctx, &row, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenant)
	if err == sql.ErrNoRows {
		return nil, notFound("session", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load session")
	}

	session, err := row.toModel()
	if err != nil {
		return nil, err
	}
	if err := r.db.GetContext(ctx, &session.Metrics, `
		SELECT started_at, completed_at, failed_at, duration_seconds, cpu_percent, memory_mb,
			tokens_used, api_calls, api_errors, retries, subtasks_total, subtasks_completed,
			success_rate, confidence, code_quality, checkpoint_count, last_checkpoint_at, cost_estimate
		FROM session_metrics WHERE session_id = $1`, id); err != nil && err != sql.ErrNoRows {
		return nil, errors.Wrap(err, "failed to load session metrics")
	}

	if r.cache != nil {
		_ = r.cache.Set(ctx, sessionCacheKey(id), session, 30*time.Second)
	}
	return session, nil
}

func (r *sessionRepository) List(ctx context.Context, filter SessionFilter, sorts []Sort, page Pagination) (*Page[*models.Session], error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	page = page.Normalize()

	where := "tenant_id = $1"
	args := []interface{}{tenant}
	if !filter.IncludeDeleted {
		where += " AND deleted_at IS NULL"
	}
	appendIn := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		placeholders := ""
		for _, v := range values {
			args = append(args, v)
			if placeholders != "" {
				placeholders += ","
			}
			placeholders += placeholder(len(args))
		}
		where += " AND " + column + " IN (" + placeholders + ")"
	}
	appendIn("status", stringify(filter.Status))
	appendIn("session_type", stringify(filter.Type))
	appendIn("priority", stringify(filter.Priority))
	if filter.ParentID != nil {
		args = append(args, *filter.ParentID)
		where += " AND parent_id = " + placeholder(len(args))
	}

	var total int64
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM sessions WHERE "+where, args...); err != nil {
		return nil, errors.Wrap(err, "failed to count sessions")
	}

	order := orderClause(sorts, map[string]bool{
		"created_at": true, "updated_at": true, "priority": true, "status": true, "title": true,
	}, "created_at DESC")

	args = append(args, page.PageSize, page.Offset())
	query := "SELECT " + sessionColumns + " FROM sessions WHERE " + where +
		" ORDER BY " + order +
		" LIMIT " + placeholder(len(args)-1) + " OFFSET " + placeholder(len(args))

	var rows []sessionRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}

	items := make([]*models.Session, 0, len(rows))
	for i := range rows {
		session, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		items = append(items, session)
	}
	return &Page[*models.Session]{Items: items, Total: total, PageNumber: page.Page, PageSize: page.PageSize}, nil
}

func (r *sessionRepository) Search(ctx context.Context, query string, page Pagination) (*Page[*models.Session], error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	page = page.Normalize()

	where := `tenant_id = $1 AND deleted_at IS NULL
		AND to_tsvector('english', title || ' ' || initial_prompt) @@ plainto_tsquery('english', $2)`

	var total int64
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM sessions WHERE "+where, tenant, query); err != nil {
		return nil, errors.Wrap(err, "failed to count search results")
	}

	var rows []sessionRow
	err = r.db.SelectContext(ctx, &rows, `
		SELECT `+sessionColumns+` FROM sessions WHERE `+where+`
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		tenant, query, page.PageSize, page.Offset())
	if err != nil {
		return nil, errors.Wrap(err, "failed to search sessions")
	}

	items := make([]*models.Session, 0, len(rows))
	for i := range rows {
		session, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		items = append(items, session)
	}
	return &Page[*models.Session]{Items: items, Total: total, PageNumber: page.Page, PageSize: page.PageSize}, nil
}

// Update persists the session under optimistic locking: the row must still
// carry session.Version. On success the version is bumped both in the row
// and on the passed model. Metrics are written alongside.
func (r *sessionRepository) Update(ctx context.Context, session *models.Session) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}

	err = r.uow.Execute(ctx, func(tx database.Transaction) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE sessions SET
				title = $1, status = $2, status_updated_at = $3, priority = $4,
				agent_config = $5, model_config = $6, max_duration_seconds = $7,
				retry_count = $8, max_retries = $9, checkpoint_retention = $10,
				last_error = $11, tags = $12, metadata = $13,
				version = version + 1, updated_at = now()
			WHERE id = $14 AND tenant_id = $15 AND version = $16 AND deleted_at IS NULL`,
			session.Title, session.Status, session.StatusUpdatedAt, session.Priority,
			marshalOr(session.AgentConfig, "{}"), session.ModelConfig, session.MaxDurationSeconds,
			session.RetryCount, session.MaxRetries, session.CheckpointRetention,
			session.LastError, marshalOr(session.Tags, "[]"), marshalOr(session.Metadata, "{}"),
			session.ID, tenant, session.Version,
		)
		if err != nil {
			return errors.Wrap(err, "failed to update session")
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists,
				`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL)`,
				session.ID, tenant); err != nil {
				return errors.Wrap(err, "failed to check session existence")
			}
			if !exists {
				return notFound("session", session.ID)
			}
			return staleVersion("session", session.ID, session.Version)
		}

		m := session.Metrics
		if _, err := tx.ExecContext(ctx, `
			UPDATE session_metrics SET
				started_at = $1, completed_at = $2, failed_at = $3, duration_seconds = $4,
				cpu_percent = $5, memory_mb = $6, tokens_used = $7, api_calls = $8,
				api_errors = $9, retries = $10, subtasks_total = $11, subtasks_completed = $12,
				success_rate = $13, confidence = $14, code_quality = $15, cost_estimate = $16,
				updated_at = now()
			WHERE session_id = $17`,
			m.StartedAt, m.CompletedAt, m.FailedAt, m.DurationSeconds,
			m.CPUPercent, m.MemoryMB, m.TokensUsed, m.APICalls,
			m.APIErrors, m.Retries, m.SubtasksTotal, m.SubtasksDone,
			m.SuccessRate, m.Confidence, m.CodeQuality, m.CostEstimate,
			session.ID,
		); err != nil {
			return errors.Wrap(err, "failed to update session metrics")
		}
		return nil
	})
	if err != nil {
		return err
	}

	session.Version++
	r.invalidate(ctx, session.ID)
	return nil
}

func (r *sessionRepository) SoftDelete(ctx context.Context, id uuid.UUID, version int) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET deleted_at = now(), version = version + 1, updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND version = $3 AND deleted_at IS NULL`,
		id, tenant, version)
	if err != nil {
		return errors.Wrap(err, "failed to soft delete session")
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		exists, err := r.Exists(ctx, id)
		if err != nil {
			return err
		}
		if !exists {
			return notFound("session", id)
		}
		return staleVersion("session", id, version)
	}
	r.invalidate(ctx, id)
	return nil
}

func (r *sessionRepository) HardDelete(ctx context.Context, id uuid.UUID) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1 AND tenant_id = $2`, id, tenant)
	if err != nil {
		return errors.Wrap(err, "failed to delete session")
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return notFound("session", id)
	}
	r.invalidate(ctx, id)
	return nil
}

func (r *sessionRepository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	err = r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL)`,
		id, tenant)
	if err != nil {
		return false, errors.Wrap(err, "failed to check session existence")
	}
	return exists, nil
}

// CountActive counts the tenant's sessions in any non-terminal state
func (r *sessionRepository) CountActive(ctx context.Context) (int64, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	err = r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM sessions
		WHERE tenant_id = $1 AND deleted_at IS NULL
		AND status NOT IN ('COMPLETED', 'PARTIALLY_COMPLETED', 'CANCELLED', 'ORPHANED')`,
		tenant)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count active sessions")
	}
	return count, nil
}

// AddCheckpoint appends a checkpoint at sequence max+1, evicts entries
// beyond the session's retention window, and syncs the metrics counters.
// The whole step is one transaction.
func (r *sessionRepository) AddCheckpoint(ctx context.Context, session *models.Session, data json.RawMessage) (*models.Checkpoint, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	checkpoint := &models.Checkpoint{
		ID:        uuid.New(),
		SessionID: session.ID,
		TenantID:  tenant,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	err = r.uow.Execute(ctx, func(tx database.Transaction) error {
		var next int
		if err := tx.GetContext(ctx, &next, `
			SELECT COALESCE(MAX(sequence), 0) + 1 FROM session_checkpoints WHERE session_id = $1`,
			session.ID); err != nil {
			return errors.Wrap(err, "failed to compute checkpoint sequence")
		}
		checkpoint.Sequence = next

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_checkpoints (id, session_id, tenant_id, sequence, data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			checkpoint.ID, checkpoint.SessionID, tenant, checkpoint.Sequence, []byte(checkpoint.Data), checkpoint.CreatedAt,
		); err != nil {
			return errors.Wrap(err, "failed to insert checkpoint")
		}

		retention := session.RetentionWindow()
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM session_checkpoints WHERE session_id = $1 AND sequence <= $2`,
			session.ID, next-retention,
		); err != nil {
			return errors.Wrap(err, "failed to evict old checkpoints")
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE session_metrics SET
				checkpoint_count = (SELECT COUNT(*) FROM session_checkpoints WHERE session_id = $1),
				last_checkpoint_at = $2, updated_at = now()
			WHERE session_id = $1`,
			session.ID, checkpoint.CreatedAt,
		); err != nil {
			return errors.Wrap(err, "failed to sync checkpoint metrics")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.invalidate(ctx, session.ID)
	return checkpoint, nil
}

// ListCheckpoints returns the session's checkpoints with sequence greater
// than sinceSequence, oldest first. Pass 0 for all retained checkpoints.
func (r *sessionRepository) ListCheckpoints(ctx context.Context, sessionID uuid.UUID, sinceSequence int) ([]models.Checkpoint, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	var checkpoints []models.Checkpoint
	err = r.db.SelectContext(ctx, &checkpoints, `
		SELECT id, session_id, tenant_id, sequence, data, created_at
		FROM session_checkpoints
		WHERE session_id = $1 AND tenant_id = $2 AND sequence > $3
		ORDER BY sequence ASC`,
		sessionID, tenant, sinceSequence)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list checkpoints")
	}
	return checkpoints, nil
}

func (r *sessionRepository) invalidate(ctx context.Context, id uuid.UUID) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, sessionCacheKey(id)); err != nil {
		r.logger.Debug("Session cache invalidation failed", map[string]interface{}{"error": err.Error()})
	}
	if err := r.cache.DeletePrefix(ctx, "session:list:"); err != nil {
		r.logger.Debug("Session list cache invalidation failed", map[string]interface{}{"error": err.Error()})
	}
}

func sessionCacheKey(id uuid.UUID) string {
	return "session:id:" + id.String()
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func stringify[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
