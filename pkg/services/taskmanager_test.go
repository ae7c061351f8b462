package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionmesh/sessionmesh/pkg/auth"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/events"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

type taskManagerFixture struct {
	manager  *TaskManager
	tasks    *fakeTaskRepo
	sessions *fakeSessionRepo
	bus      *events.Bus
	tenantID uuid.UUID
	session  *models.Session
	ctx      context.Context
}

func newTaskManagerFixture(t *testing.T) *taskManagerFixture {
	t.Helper()

	logger := observability.NewNoopLogger()
	metricsClient := observability.NewNoopMetricsClient()
	bus := events.NewBus(nil, logger, metricsClient)

	tenantID := uuid.New()
	ctx := auth.WithTenantID(context.Background(), tenantID)

	sessionRepo := newFakeSessionRepo()
	session, err := models.NewSession(tenantID, "Implement billing exports",
		"Nightly export of billing events", models.SessionTypeExecution, models.PriorityMedium)
	require.NoError(t, err)
	require.NoError(t, sessionRepo.Create(ctx, session))

	taskRepo := newFakeTaskRepo()
	manager := NewTaskManager(taskRepo, sessionRepo, nil, nil, bus, logger, metricsClient)

	return &taskManagerFixture{
		manager:  manager,
		tasks:    taskRepo,
		sessions: sessionRepo,
		bus:      bus,
		tenantID: tenantID,
		session:  session,
		ctx:      ctx,
	}
}

func (fx *taskManagerFixture) createTask(t *testing.T, title string, deps []models.TaskDependency) *models.Task {
	t.Helper()
	task, err := fx.manager.CreateTask(fx.ctx, CreateTaskRequest{
		SessionID:    fx.session.ID,
		Title:        title,
		Description:  "Write the export pipeline stage",
		TaskType:     "implementation",
		Dependencies: deps,
	})
	require.NoError(t, err)
	return task
}

func (fx *taskManagerFixture) transition(t *testing.T, id uuid.UUID, status models.TaskStatus) *models.Task {
	t.Helper()
	task, err := fx.manager.UpdateTaskStatus(fx.ctx, id, UpdateTaskStatusRequest{Status: status})
	require.NoError(t, err)
	return task
}

func TestCreateTaskRequiresExistingSession(t *testing.T) {
	fx := newTaskManagerFixture(t)

	_, err := fx.manager.CreateTask(fx.ctx, CreateTaskRequest{
		SessionID: uuid.New(),
		Title:     "Implement nothing",
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestUpdateTaskStatusStampsTimestampsOnce(t *testing.T) {
	fx := newTaskManagerFixture(t)
	task := fx.createTask(t, "Implement export writer", nil)

	fx.transition(t, task.ID, models.TaskStatusAssigned)
	started := fx.transition(t, task.ID, models.TaskStatusInProgress)
	require.NotNil(t, started.StartedAt)
	firstStart := *started.StartedAt

	// Pausing and resuming must not move started_at
	fx.transition(t, task.ID, models.TaskStatusPaused)
	resumed := fx.transition(t, task.ID, models.TaskStatusInProgress)
	require.NotNil(t, resumed.StartedAt)
	assert.Equal(t, firstStart, *resumed.StartedAt)

	done := fx.transition(t, task.ID, models.TaskStatusCompleted)
	require.NotNil(t, done.CompletedAt)
}

func TestUpdateTaskStatusRejectsIllegalEdge(t *testing.T) {
	fx := newTaskManagerFixture(t)
	task := fx.createTask(t, "Implement export writer", nil)

	_, err := fx.manager.UpdateTaskStatus(fx.ctx, task.ID, UpdateTaskStatusRequest{
		Status: models.TaskStatusCompleted,
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))
}

func TestReadyGatedOnRequiredDependencies(t *testing.T) {
	fx := newTaskManagerFixture(t)
	first := fx.createTask(t, "Implement schema migration", nil)
	second := fx.createTask(t, "Implement export writer", []models.TaskDependency{
		{TargetTaskID: first.ID, Kind: models.DependencyFinishToStart, Required: true},
	})

	_, err := fx.manager.UpdateTaskStatus(fx.ctx, second.ID, UpdateTaskStatusRequest{
		Status: models.TaskStatusReady,
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))

	fx.transition(t, first.ID, models.TaskStatusAssigned)
	fx.transition(t, first.ID, models.TaskStatusInProgress)
	fx.transition(t, first.ID, models.TaskStatusCompleted)

	// Completion sweeps dependents whose edges are now satisfied
	unblocked, err := fx.manager.GetTask(fx.ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, unblocked.Status)
}

func TestCompletionFoldsIntoSessionCounters(t *testing.T) {
	fx := newTaskManagerFixture(t)
	task := fx.createTask(t, "Implement export writer", nil)

	fx.transition(t, task.ID, models.TaskStatusAssigned)
	fx.transition(t, task.ID, models.TaskStatusInProgress)
	fx.transition(t, task.ID, models.TaskStatusCompleted)

	session, err := fx.sessions.GetByID(fx.ctx, fx.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, session.Metrics.SubtasksDone)
}

func TestTaskStatusChangeEmitsEvent(t *testing.T) {
	fx := newTaskManagerFixture(t)
	task := fx.createTask(t, "Implement export writer", nil)

	sub := fx.bus.Subscribe(8, events.FilterSession(fx.tenantID, fx.session.ID))
	defer fx.bus.Unsubscribe(sub)

	fx.transition(t, task.ID, models.TaskStatusAssigned)

	select {
	case event := <-sub.Events():
		assert.Equal(t, events.EventTaskStatusChanged, event.Type)
		assert.Equal(t, task.ID.String(), event.Payload["task_id"])
		assert.Equal(t, string(models.TaskStatusPending), event.Payload["from"])
		assert.Equal(t, string(models.TaskStatusAssigned), event.Payload["to"])
	default:
		t.Fatal("expected a task status event")
	}
}
