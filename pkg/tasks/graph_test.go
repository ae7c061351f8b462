package tasks

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/models"
)

func testTask(t *testing.T, title string, hours float64) *models.Task {
	t.Helper()
	task, err := models.NewTask(uuid.New(), uuid.New(), title, "", "generic", models.PriorityMedium)
	require.NoError(t, err)
	task.Estimate.OptimisticHours = hours
	task.Estimate.LikelyHours = hours
	task.Estimate.PessimisticHours = hours
	return task
}

func dependOn(task *models.Task, target *models.Task, kind models.DependencyKind) {
	task.Dependencies = append(task.Dependencies, models.TaskDependency{
		TargetTaskID: target.ID,
		Kind:         kind,
		Required:     true,
	})
}

func TestCycleDetection(t *testing.T) {
	a := testTask(t, "Build module A", 1)
	b := testTask(t, "Build module B", 1)
	c := testTask(t, "Build module C", 1)
	dependOn(b, a, models.DependencyFinishToStart)
	dependOn(c, b, models.DependencyFinishToStart)
	dependOn(a, c, models.DependencyFinishToStart)

	_, err := NewGraph([]*models.Task{a, b, c})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeCycleDetected))
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	a := testTask(t, "Build module A", 1)
	b := testTask(t, "Build module B", 1)
	dependOn(b, a, models.DependencyFinishToStart)

	graph, err := NewGraph([]*models.Task{a, b})
	require.NoError(t, err)

	err = graph.AddDependency(a.ID, models.TaskDependency{
		TargetTaskID: b.ID,
		Kind:         models.DependencyFinishToStart,
		Required:     true,
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeCycleDetected))

	// The rejected edge must not have stuck
	assert.Len(t, graph.Task(a.ID).Dependencies, 0)
}

func TestTopologicalOrder(t *testing.T) {
	a := testTask(t, "Design schema", 1)
	b := testTask(t, "Implement model", 1)
	c := testTask(t, "Test model", 1)
	dependOn(b, a, models.DependencyFinishToStart)
	dependOn(c, b, models.DependencyFinishToStart)

	graph, err := NewGraph([]*models.Task{c, a, b})
	require.NoError(t, err)

	order, err := graph.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 3)

	position := map[uuid.UUID]int{}
	for i, id := range order {
		position[id] = i
	}
	assert.Less(t, position[a.ID], position[b.ID])
	assert.Less(t, position[b.ID], position[c.ID])
}

func TestCriticalPath(t *testing.T) {
	// a(2) -> b(5) -> d(1) is longer than a(2) -> c(1) -> d(1)
	a := testTask(t, "Design base", 2)
	b := testTask(t, "Implement heavy part", 5)
	c := testTask(t, "Implement light part", 1)
	d := testTask(t, "Integrate parts", 1)
	dependOn(b, a, models.DependencyFinishToStart)
	dependOn(c, a, models.DependencyFinishToStart)
	dependOn(d, b, models.DependencyFinishToStart)
	dependOn(d, c, models.DependencyFinishToStart)

	graph, err := NewGraph([]*models.Task{a, b, c, d})
	require.NoError(t, err)

	path, total := graph.CriticalPath()
	assert.InDelta(t, 8.0, total, 1e-9)
	require.Len(t, path, 3)
	assert.Equal(t, a.ID, path[0])
	assert.Equal(t, b.ID, path[1])
	assert.Equal(t, d.ID, path[2])
}

func TestCriticalPathTiebreakIsStable(t *testing.T) {
	// Two equal-weight branches: the tiebreak picks the smaller task ID,
	// so repeated computations agree.
	a := testTask(t, "Design base", 1)
	b := testTask(t, "Implement branch one", 3)
	c := testTask(t, "Implement branch two", 3)
	d := testTask(t, "Integrate branches", 1)
	dependOn(b, a, models.DependencyFinishToStart)
	dependOn(c, a, models.DependencyFinishToStart)
	dependOn(d, b, models.DependencyFinishToStart)
	dependOn(d, c, models.DependencyFinishToStart)

	graph, err := NewGraph([]*models.Task{a, b, c, d})
	require.NoError(t, err)

	first, total := graph.CriticalPath()
	assert.InDelta(t, 5.0, total, 1e-9)

	for i := 0; i < 5; i++ {
		again, _ := graph.CriticalPath()
		assert.Equal(t, first, again)
	}

	expected := b.ID
	if c.ID.String() < b.ID.String() {
		expected = c.ID
	}
	assert.Equal(t, expected, first[1])
}

func TestReadinessByDependencyKind(t *testing.T) {
	cases := []struct {
		name       string
		kind       models.DependencyKind
		predStatus models.TaskStatus
		ready      bool
	}{
		{"fs blocked while running", models.DependencyFinishToStart, models.TaskStatusInProgress, false},
		{"fs open when completed", models.DependencyFinishToStart, models.TaskStatusCompleted, true},
		{"fs open when skipped", models.DependencyFinishToStart, models.TaskStatusSkipped, true},
		{"ss blocked while pending", models.DependencyStartToStart, models.TaskStatusPending, false},
		{"ss open once started", models.DependencyStartToStart, models.TaskStatusInProgress, true},
		{"ff open while running", models.DependencyFinishToFinish, models.TaskStatusInProgress, true},
		{"ff closed when cancelled", models.DependencyFinishToFinish, models.TaskStatusCancelled, false},
		{"sf closed when failed", models.DependencyStartToFinish, models.TaskStatusFailed, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pred := testTask(t, "Build predecessor", 1)
			pred.Status = tc.predStatus
			dependent := testTask(t, "Build dependent", 1)
			dependOn(dependent, pred, tc.kind)

			graph, err := NewGraph([]*models.Task{pred, dependent})
			require.NoError(t, err)
			assert.Equal(t, tc.ready, graph.Ready(dependent))
		})
	}
}

func TestReadyTasksSkipsNonPending(t *testing.T) {
	a := testTask(t, "Build part one", 1)
	a.Status = models.TaskStatusCompleted
	b := testTask(t, "Build part two", 1)
	dependOn(b, a, models.DependencyFinishToStart)

	graph, err := NewGraph([]*models.Task{a, b})
	require.NoError(t, err)

	ready := graph.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, b.ID, ready[0].ID)
}
