package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/sessionmesh/sessionmesh/pkg/database"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

// TaskRepository is the persistence contract for tasks and their
// dependency edges
type TaskRepository interface {
	Create(ctx context.Context, task *models.Task) error
	CreateBatch(ctx context.Context, tasks []*models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.Task, error)
	Update(ctx context.Context, task *models.Task) error
	SoftDelete(ctx context.Context, id uuid.UUID, version int) error

	AddDependency(ctx context.Context, taskID uuid.UUID, dep models.TaskDependency) error
	RemoveDependency(ctx context.Context, taskID, targetTaskID uuid.UUID) error
	ListDependencies(ctx context.Context, taskID uuid.UUID) ([]models.TaskDependency, error)
}

type taskRepository struct {
	db     *sqlx.DB
	uow    database.UnitOfWork
	logger observability.Logger
}

// NewTaskRepository creates the postgres-backed task repository
func NewTaskRepository(db *sqlx.DB, logger observability.Logger) TaskRepository {
	return &taskRepository{
		db:     db,
		uow:    database.NewUnitOfWork(db, logger),
		logger: logger,
	}
}

type taskRow struct {
	ID                   uuid.UUID       `db:"id"`
	SessionID            uuid.UUID       `db:"session_id"`
	TenantID             uuid.UUID       `db:"tenant_id"`
	ParentTaskID         *uuid.UUID      `db:"parent_task_id"`
	Title                string          `db:"title"`
	Description          string          `db:"description"`
	TaskType             string          `db:"task_type"`
	Status               string          `db:"status"`
	Priority             string          `db:"priority"`
	AssignedAgentID      *uuid.UUID      `db:"assigned_agent_id"`
	OptimisticHours      float64         `db:"optimistic_hours"`
	LikelyHours          float64         `db:"likely_hours"`
	PessimisticHours     float64         `db:"pessimistic_hours"`
	EstimatedTokens      *int64          `db:"estimated_tokens"`
	EstimatedCost        *float64        `db:"estimated_cost"`
	RequiredCapabilities []byte          `db:"required_capabilities"`
	EstimateConfidence   float64         `db:"estimate_confidence"`
	EstimateSource       string          `db:"estimate_source"`
	Result               json.RawMessage `db:"result"`
	Error                string          `db:"error"`
	Artifacts            []byte          `db:"artifacts"`
	StartedAt            *time.Time      `db:"started_at"`
	CompletedAt          *time.Time      `db:"completed_at"`
	Version              int             `db:"version"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
	DeletedAt            *time.Time      `db:"deleted_at"`
}

const taskColumns = `id, session_id, tenant_id, parent_task_id, title, description, task_type,
	status, priority, assigned_agent_id, optimistic_hours, likely_hours, pessimistic_hours,
	estimated_tokens, estimated_cost, required_capabilities, estimate_confidence, estimate_source,
	result, error, artifacts, started_at, completed_at, version, created_at, updated_at, deleted_at`

func (r *taskRow) toModel() (*models.Task, error) {
	task := &models.Task{
		ID:              r.ID,
		SessionID:       r.SessionID,
		TenantID:        r.TenantID,
		ParentTaskID:    r.ParentTaskID,
		Title:           r.Title,
		Description:     r.Description,
		TaskType:        r.TaskType,
		Status:          models.TaskStatus(r.Status),
		Priority:        models.Priority(r.Priority),
		AssignedAgentID: r.AssignedAgentID,
		Estimate: models.TaskEstimate{
			OptimisticHours:  r.OptimisticHours,
			LikelyHours:      r.LikelyHours,
			PessimisticHours: r.PessimisticHours,
			EstimatedTokens:  r.EstimatedTokens,
			EstimatedCost:    r.EstimatedCost,
			Confidence:       r.EstimateConfidence,
			Source:           models.EstimateSource(r.EstimateSource),
		},
		Result:      r.Result,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		DeletedAt:   r.DeletedAt,
	}
	if len(r.RequiredCapabilities) > 0 {
		if err := json.Unmarshal(r.RequiredCapabilities, &task.Estimate.RequiredCapabilities); err != nil {
			return nil, errors.Wrap(err, "malformed required_capabilities")
		}
	}
	if len(r.Artifacts) > 0 {
		if err := json.Unmarshal(r.Artifacts, &task.Artifacts); err != nil {
			return nil, errors.Wrap(err, "malformed artifacts")
		}
	}
	return task, nil
}

func (r *taskRepository) Create(ctx context.Context, task *models.Task) error {
	return r.CreateBatch(ctx, []*models.Task{task})
}

// CreateBatch inserts tasks and their dependency edges in one transaction.
// Decomposition uses this so a subtree appears atomically.
func (r *taskRepository) CreateBatch(ctx context.Context, tasks []*models.Task) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	return r.uow.Execute(ctx, func(tx database.Transaction) error {
		for _, task := range tasks {
			task.TenantID = tenant
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, session_id, tenant_id, parent_task_id, title, description,
					task_type, status, priority, assigned_agent_id, optimistic_hours, likely_hours,
					pessimistic_hours, estimated_tokens, estimated_cost, required_capabilities,
					estimate_confidence, estimate_source, error, artifacts, version, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
				task.ID, task.SessionID, tenant, task.ParentTaskID, task.Title, task.Description,
				task.TaskType, task.Status, task.Priority, task.AssignedAgentID,
				task.Estimate.OptimisticHours, task.Estimate.LikelyHours, task.Estimate.PessimisticHours,
				task.Estimate.EstimatedTokens, task.Estimate.EstimatedCost,
				marshalOr(task.Estimate.RequiredCapabilities, "[]"),
				task.Estimate.Confidence, task.Estimate.Source, task.Error,
				marshalOr(task.Artifacts, "[]"), task.Version, task.CreatedAt, task.UpdatedAt,
			); err != nil {
				return errors.Wrapf(err, "failed to insert task %s", task.ID)
			}
		}
		for _, task := range tasks {
			for _, dep := range task.Dependencies {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO task_dependencies (task_id, target_task_id, kind, required)
					VALUES ($1, $2, $3, $4)`,
					task.ID, dep.TargetTaskID, dep.Kind, dep.Required,
				); err != nil {
					return errors.Wrapf(err, "failed to insert dependency %s -> %s", task.ID, dep.TargetTaskID)
				}
			}
		}
		return nil
	})
}

func (r *taskRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}

	var row taskRow
	err = r.db.GetContext(ctx, &row, `
		SELECT `+taskColumns+` FROM tasks
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenant)
	if err == sql.ErrNoRows {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load task")
	}

	task, err := row.toModel()
	if err != nil {
		return nil, err
	}
	task.Dependencies, err = r.ListDependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Children, err = r.childIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListBySession loads the session's full task set with dependency edges,
// the working set for graph operations.
func (r *taskRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.Task, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}

	var rows []taskRow
	err = r.db.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+` FROM tasks
		WHERE session_id = $1 AND tenant_id = $2 AND deleted_at IS NULL
		ORDER BY created_at ASC`, sessionID, tenant)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list session tasks")
	}

	tasks := make([]*models.Task, 0, len(rows))
	byID := make(map[uuid.UUID]*models.Task, len(rows))
	for i := range rows {
		task, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
		byID[task.ID] = task
	}

	type depRow struct {
		TaskID       uuid.UUID `db:"task_id"`
		TargetTaskID uuid.UUID `db:"target_task_id"`
		Kind         string    `db:"kind"`
		Required     bool      `db:"required"`
	}
	var deps []depRow
	err = r.db.SelectContext(ctx, &deps, `
		SELECT d.task_id, d.target_task_id, d.kind, d.required
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE t.session_id = $1 AND t.tenant_id = $2`, sessionID, tenant)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list task dependencies")
	}
	for _, d := range deps {
		if task, ok := byID[d.TaskID]; ok {
			task.Dependencies = append(task.Dependencies, models.TaskDependency{
				TargetTaskID: d.TargetTaskID,
				Kind:         models.DependencyKind(d.Kind),
				Required:     d.Required,
			})
		}
	}
	for _, task := range tasks {
		if task.ParentTaskID != nil {
			if parent, ok := byID[*task.ParentTaskID]; ok {
				parent.Children = append(parent.Children, task.ID)
			}
		}
	}
	return tasks, nil
}

func (r *taskRepository) Update(ctx context.Context, task *models.Task) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET
			title = $1, description = $2, status = $3, priority = $4, assigned_agent_id = $5,
			optimistic_hours = $6, likely_hours = $7, pessimistic_hours = $8,
			estimated_tokens = $9, estimated_cost = $10, required_capabilities = $11,
			estimate_confidence = $12, estimate_source = $13, result = $14, error = $15,
			artifacts = $16, started_at = $17, completed_at = $18,
			version = version + 1, updated_at = now()
		WHERE id = $19 AND tenant_id = $20 AND version = $21 AND deleted_at IS NULL`,
		task.Title, task.Description, task.Status, task.Priority, task.AssignedAgentID,
		task.Estimate.OptimisticHours, task.Estimate.LikelyHours, task.Estimate.PessimisticHours,
		task.Estimate.EstimatedTokens, task.Estimate.EstimatedCost,
		marshalOr(task.Estimate.RequiredCapabilities, "[]"),
		task.Estimate.Confidence, task.Estimate.Source, nullableJSON(task.Result), task.Error,
		marshalOr(task.Artifacts, "[]"), task.StartedAt, task.CompletedAt,
		task.ID, tenant, task.Version,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update task")
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL)`,
			task.ID, tenant); err != nil {
			return errors.Wrap(err, "failed to check task existence")
		}
		if !exists {
			return notFound("task", task.ID)
		}
		return staleVersion("task", task.ID, task.Version)
	}
	task.Version++
	return nil
}

func (r *taskRepository) SoftDelete(ctx context.Context, id uuid.UUID, version int) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET deleted_at = now(), version = version + 1, updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND version = $3 AND deleted_at IS NULL`,
		id, tenant, version)
	if err != nil {
		return errors.Wrap(err, "failed to soft delete task")
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return apperrors.Newf(apperrors.CodeStaleVersion,
			"task %s missing or modified concurrently (expected version %d)", id, version)
	}
	return nil
}

func (r *taskRepository) AddDependency(ctx context.Context, taskID uuid.UUID, dep models.TaskDependency) error {
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}
	// Both endpoints must exist under this tenant
	var count int
	if err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM tasks
		WHERE id IN ($1, $2) AND tenant_id = $3 AND deleted_at IS NULL`,
		taskID, dep.TargetTaskID, tenant); err != nil {
		return errors.Wrap(err, "failed to verify dependency endpoints")
	}
	if count != 2 {
		return apperrors.New(apperrors.CodeNotFound, "dependency endpoints not found")
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO task_dependencies (task_id, target_task_id, kind, required)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id, target_task_id) DO UPDATE SET kind = $3, required = $4`,
		taskID, dep.TargetTaskID, dep.Kind, dep.Required); err != nil {
		return errors.Wrap(err, "failed to add dependency")
	}
	return nil
}

func (r *taskRepository) RemoveDependency(ctx context.Context, taskID, targetTaskID uuid.UUID) error {
	if _, err := tenantID(ctx); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM task_dependencies WHERE task_id = $1 AND target_task_id = $2`,
		taskID, targetTaskID); err != nil {
		return errors.Wrap(err, "failed to remove dependency")
	}
	return nil
}

func (r *taskRepository) ListDependencies(ctx context.Context, taskID uuid.UUID) ([]models.TaskDependency, error) {
	if _, err := tenantID(ctx); err != nil {
		return nil, err
	}
	var deps []models.TaskDependency
	err := r.db.SelectContext(ctx, &deps, `
		SELECT target_task_id, kind, required FROM task_dependencies WHERE task_id = $1`,
		taskID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dependencies")
	}
	return deps, nil
}

func (r *taskRepository) childIDs(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM tasks WHERE parent_task_id = $1 AND deleted_at IS NULL ORDER BY created_at ASC`,
		taskID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list child tasks")
	}
	return ids, nil
}

// nullableJSON converts empty raw JSON into SQL NULL
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
