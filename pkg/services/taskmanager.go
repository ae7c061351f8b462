package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sessionmesh/sessionmesh/pkg/auth"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/events"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
	"github.com/sessionmesh/sessionmesh/pkg/repository"
	"github.com/sessionmesh/sessionmesh/pkg/resilience"
	"github.com/sessionmesh/sessionmesh/pkg/tasks"
)

// CreateTaskRequest carries the inputs for a new task node
type CreateTaskRequest struct {
	SessionID    uuid.UUID               `json:"session_id"`
	ParentTaskID *uuid.UUID              `json:"parent_task_id,omitempty"`
	Title        string                  `json:"title"`
	Description  string                  `json:"description"`
	TaskType     string                  `json:"task_type"`
	Priority     models.Priority         `json:"priority,omitempty"`
	Dependencies []models.TaskDependency `json:"dependencies,omitempty"`
	AutoEstimate bool                    `json:"auto_estimate,omitempty"`
}

// DecomposeRequest tunes a decomposition run over the API
type DecomposeRequest struct {
	Strategy         string  `json:"strategy,omitempty"`
	MaxDepth         int     `json:"max_depth,omitempty"`
	TargetComplexity float64 `json:"target_complexity,omitempty"`
	SubtaskCount     int     `json:"subtask_count,omitempty"`
}

// TaskManager owns the task DAG under sessions: creation with cycle
// checks, decomposition into subtrees and dependency queries.
type TaskManager struct {
	tasks      repository.TaskRepository
	sessions   repository.SessionRepository
	estimator  *tasks.Estimator
	decomposer *tasks.Decomposer
	bus        *events.Bus
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// NewTaskManager wires the task service
func NewTaskManager(taskRepo repository.TaskRepository, sessionRepo repository.SessionRepository,
	estimator *tasks.Estimator, decomposer *tasks.Decomposer, bus *events.Bus,
	logger observability.Logger, metrics observability.MetricsClient) *TaskManager {
	if estimator == nil {
		estimator = tasks.NewEstimator()
	}
	if decomposer == nil {
		decomposer = tasks.NewDecomposer(estimator, logger)
	}
	return &TaskManager{
		tasks:      taskRepo,
		sessions:   sessionRepo,
		estimator:  estimator,
		decomposer: decomposer,
		bus:        bus,
		logger:     logger,
		metrics:    metrics,
	}
}

// CreateTask validates the node against its session's existing graph and
// persists it. Dependency edges that would close a cycle are rejected
// before anything is written.
func (m *TaskManager) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	tenantID, err := auth.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	if req.SessionID == uuid.Nil {
		return nil, apperrors.New(apperrors.CodeValidation, "session_id is required")
	}
	if _, err := m.sessions.GetByID(ctx, req.SessionID); err != nil {
		return nil, err
	}

	task, err := models.NewTask(tenantID, req.SessionID, req.Title, req.Description, req.TaskType, req.Priority)
	if err != nil {
		return nil, err
	}
	task.ParentTaskID = req.ParentTaskID
	m.estimator.Estimate(task, req.AutoEstimate)

	if len(req.Dependencies) > 0 {
		existing, err := m.tasks.ListBySession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		graph, err := tasks.NewGraph(existing)
		if err != nil {
			return nil, err
		}
		if err := graph.AddTask(task); err != nil {
			return nil, err
		}
		for _, dep := range req.Dependencies {
			if graph.Task(dep.TargetTaskID) == nil {
				return nil, apperrors.Newf(apperrors.CodeNotFound,
					"dependency target %s not found in session", dep.TargetTaskID)
			}
			if err := graph.AddDependency(task.ID, dep); err != nil {
				return nil, err
			}
		}
		task.Dependencies = req.Dependencies
	}

	if err := m.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	m.metrics.IncrementCounter("tasks.created", 1)
	m.logger.Info("Task created", map[string]interface{}{
		"task_id":    task.ID.String(),
		"session_id": task.SessionID.String(),
		"title":      task.Title,
	})
	return task, nil
}

// GetTask loads one task with its edges and children
func (m *TaskManager) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return m.tasks.GetByID(ctx, id)
}

// DecomposeTask splits the task into a subtask DAG and persists the new
// subtree atomically. An empty result means no strategy applied.
func (m *TaskManager) DecomposeTask(ctx context.Context, id uuid.UUID, req DecomposeRequest) ([]*models.Task, error) {
	task, err := m.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, apperrors.Newf(apperrors.CodeInvalidTransition,
			"cannot decompose task in terminal status %s", task.Status)
	}

	children, err := m.decomposer.Decompose(task, tasks.DecomposeOptions{
		Strategy:         req.Strategy,
		MaxDepth:         req.MaxDepth,
		TargetComplexity: req.TargetComplexity,
		SubtaskCount:     req.SubtaskCount,
	})
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return []*models.Task{}, nil
	}

	if err := m.tasks.CreateBatch(ctx, children); err != nil {
		return nil, err
	}
	// Decompose re-estimates the parent; persist that alongside the subtree.
	if err := m.tasks.Update(ctx, task); err != nil {
		return nil, err
	}

	m.metrics.IncrementCounter("tasks.decomposed", 1)
	m.logger.Info("Task decomposed", map[string]interface{}{
		"task_id":  task.ID.String(),
		"subtasks": len(children),
	})
	return children, nil
}

// UpdateTaskStatusRequest carries a task lifecycle transition
type UpdateTaskStatusRequest struct {
	Status models.TaskStatus `json:"status"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// UpdateTaskStatus drives the task lifecycle machine. Transitions outside
// the map are rejected; a move to READY additionally requires every
// required dependency to be satisfied. started_at is stamped once on the
// first IN_PROGRESS entry and completed_at on completion. A completion
// folds into the session's subtask counters and may unblock dependents.
func (m *TaskManager) UpdateTaskStatus(ctx context.Context, id uuid.UUID, req UpdateTaskStatusRequest) (*models.Task, error) {
	tenantID, err := auth.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	if req.Status == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "status is required")
	}

	var task *models.Task
	var previous models.TaskStatus
	err = resilience.RetryStale(ctx, staleRetryAttempts, func() error {
		loaded, err := m.tasks.GetByID(ctx, id)
		if err != nil {
			return err
		}
		previous = loaded.Status
		if !loaded.Status.CanTransitionTo(req.Status) {
			return apperrors.Newf(apperrors.CodeInvalidTransition,
				"cannot transition task from %s to %s", loaded.Status, req.Status)
		}
		if req.Status == models.TaskStatusReady {
			siblings, err := m.tasks.ListBySession(ctx, loaded.SessionID)
			if err != nil {
				return err
			}
			graph, err := tasks.NewGraph(siblings)
			if err != nil {
				return err
			}
			if node := graph.Task(loaded.ID); node != nil && !graph.Ready(node) {
				return apperrors.Newf(apperrors.CodeInvalidTransition,
					"task %s has unsatisfied required dependencies", loaded.ID)
			}
		}

		now := time.Now().UTC()
		loaded.Status = req.Status
		if req.Status == models.TaskStatusInProgress && loaded.StartedAt == nil {
			loaded.StartedAt = &now
		}
		if req.Status == models.TaskStatusCompleted {
			loaded.CompletedAt = &now
		}
		if len(req.Result) > 0 {
			loaded.Result = req.Result
		}
		if req.Error != "" {
			loaded.Error = req.Error
		}
		if err := m.tasks.Update(ctx, loaded); err != nil {
			return err
		}
		task = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	if task.Status == models.TaskStatusCompleted {
		m.recordSubtaskDone(ctx, task.SessionID)
		m.promoteReady(ctx, task.SessionID)
	}

	m.metrics.IncrementCounterWithLabels("tasks.status_changed", 1, map[string]string{
		"status": string(task.Status),
	})
	m.bus.Publish(ctx, events.New(events.EventTaskStatusChanged, tenantID, task.SessionID, map[string]interface{}{
		"task_id": task.ID.String(),
		"from":    string(previous),
		"to":      string(task.Status),
	}))
	return task, nil
}

// recordSubtaskDone folds a completed task into the session's counters.
// Best-effort: the counter feeds the health score, not correctness.
func (m *TaskManager) recordSubtaskDone(ctx context.Context, sessionID uuid.UUID) {
	err := resilience.RetryStale(ctx, staleRetryAttempts, func() error {
		session, err := m.sessions.GetByID(ctx, sessionID)
		if err != nil {
			return err
		}
		session.Metrics.SubtasksDone++
		return m.sessions.Update(ctx, session)
	})
	if err != nil {
		m.logger.Warn("Session subtask counter not updated", map[string]interface{}{
			"session_id": sessionID.String(),
			"error":      err.Error(),
		})
	}
}

// promoteReady moves PENDING tasks whose required dependencies are now
// satisfied to READY and announces each one.
func (m *TaskManager) promoteReady(ctx context.Context, sessionID uuid.UUID) {
	all, err := m.tasks.ListBySession(ctx, sessionID)
	if err != nil {
		m.logger.Warn("Readiness sweep skipped", map[string]interface{}{
			"session_id": sessionID.String(),
			"error":      err.Error(),
		})
		return
	}
	graph, err := tasks.NewGraph(all)
	if err != nil {
		m.logger.Warn("Readiness sweep skipped", map[string]interface{}{
			"session_id": sessionID.String(),
			"error":      err.Error(),
		})
		return
	}

	for _, candidate := range graph.ReadyTasks() {
		candidate.Status = models.TaskStatusReady
		if err := m.tasks.Update(ctx, candidate); err != nil {
			m.logger.Warn("Task not promoted to READY", map[string]interface{}{
				"task_id": candidate.ID.String(),
				"error":   err.Error(),
			})
			continue
		}
		m.bus.Publish(ctx, events.New(events.EventTaskStatusChanged, candidate.TenantID, sessionID, map[string]interface{}{
			"task_id": candidate.ID.String(),
			"from":    string(models.TaskStatusPending),
			"to":      string(models.TaskStatusReady),
		}))
	}
}

// ListDependencies returns the task's outgoing dependency edges
func (m *TaskManager) ListDependencies(ctx context.Context, id uuid.UUID) ([]models.TaskDependency, error) {
	if _, err := m.tasks.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return m.tasks.ListDependencies(ctx, id)
}

// ListSessionTasks returns the session's full task set, the working set
// for graph queries like critical path and readiness.
func (m *TaskManager) ListSessionTasks(ctx context.Context, sessionID uuid.UUID) ([]*models.Task, error) {
	return m.tasks.ListBySession(ctx, sessionID)
}
