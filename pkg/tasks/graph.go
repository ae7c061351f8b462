// Package tasks implements the work DAG under a session: graph structure
// with cycle detection and critical-path analysis, the PERT estimator, and
// the template/rule driven decomposer.
package tasks

import (
	"sort"

	"github.com/google/uuid"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/models"
)

// Graph is a session's task DAG. Dependency edges point from a task to
// its predecessors (the tasks it waits on).
type Graph struct {
	tasks map[uuid.UUID]*models.Task
}

// NewGraph builds a graph from the task set and rejects cycles
func NewGraph(tasks []*models.Task) (*Graph, error) {
	g := &Graph{tasks: make(map[uuid.UUID]*models.Task, len(tasks))}
	for _, task := range tasks {
		g.tasks[task.ID] = task
	}
	if cycle := g.findCycle(); cycle != nil {
		return nil, cycleError(cycle)
	}
	return g, nil
}

// Task returns the task by ID, nil when absent
func (g *Graph) Task(id uuid.UUID) *models.Task {
	return g.tasks[id]
}

// Tasks returns all tasks in deterministic ID order
func (g *Graph) Tasks() []*models.Task {
	out := make([]*models.Task, 0, len(g.tasks))
	for _, task := range g.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// AddTask inserts a task; its dependency edges must reference tasks
// already in the graph.
func (g *Graph) AddTask(task *models.Task) error {
	for _, dep := range task.Dependencies {
		if _, ok := g.tasks[dep.TargetTaskID]; !ok {
			return apperrors.Newf(apperrors.CodeNotFound, "dependency target %s not in graph", dep.TargetTaskID)
		}
	}
	g.tasks[task.ID] = task
	if cycle := g.findCycle(); cycle != nil {
		delete(g.tasks, task.ID)
		return cycleError(cycle)
	}
	return nil
}

// AddDependency links task -> predecessor and rejects the edge if it would
// close a cycle.
func (g *Graph) AddDependency(taskID uuid.UUID, dep models.TaskDependency) error {
	task, ok := g.tasks[taskID]
	if !ok {
		return apperrors.Newf(apperrors.CodeNotFound, "task %s not in graph", taskID)
	}
	if _, ok := g.tasks[dep.TargetTaskID]; !ok {
		return apperrors.Newf(apperrors.CodeNotFound, "dependency target %s not in graph", dep.TargetTaskID)
	}
	task.Dependencies = append(task.Dependencies, dep)
	if cycle := g.findCycle(); cycle != nil {
		task.Dependencies = task.Dependencies[:len(task.Dependencies)-1]
		return cycleError(cycle)
	}
	return nil
}

func cycleError(cycle []uuid.UUID) error {
	ids := make([]string, len(cycle))
	for i, id := range cycle {
		ids[i] = id.String()
	}
	return apperrors.New(apperrors.CodeCycleDetected, "dependency cycle: "+joinIDs(ids)).
		WithDetails(map[string]interface{}{"cycle": ids})
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += " -> "
		}
		out += id
	}
	return out
}

// findCycle runs a colored DFS; returns one cycle's node IDs or nil
func (g *Graph) findCycle() []uuid.UUID {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[uuid.UUID]int, len(g.tasks))
	var stack []uuid.UUID
	var cycle []uuid.UUID

	var visit func(id uuid.UUID) bool
	visit = func(id uuid.UUID) bool {
		color[id] = gray
		stack = append(stack, id)
		task := g.tasks[id]
		for _, dep := range task.Dependencies {
			next := dep.TargetTaskID
			if _, ok := g.tasks[next]; !ok {
				continue
			}
			switch color[next] {
			case gray:
				// Found it; slice the stack from the repeat point
				for i, sid := range stack {
					if sid == next {
						cycle = append([]uuid.UUID{}, stack[i:]...)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, task := range g.Tasks() {
		if color[task.ID] == white {
			stack = stack[:0]
			if visit(task.ID) {
				return cycle
			}
		}
	}
	return nil
}

// TopologicalOrder yields an execution order: predecessors before
// dependents, ties resolved by smallest task ID for determinism.
func (g *Graph) TopologicalOrder() ([]uuid.UUID, error) {
	// out-degree here counts unresolved predecessors
	remaining := make(map[uuid.UUID]int, len(g.tasks))
	dependents := make(map[uuid.UUID][]uuid.UUID)
	for _, task := range g.tasks {
		count := 0
		for _, dep := range task.Dependencies {
			if _, ok := g.tasks[dep.TargetTaskID]; ok {
				count++
				dependents[dep.TargetTaskID] = append(dependents[dep.TargetTaskID], task.ID)
			}
		}
		remaining[task.ID] = count
	}

	frontier := make([]uuid.UUID, 0, len(g.tasks))
	for id, count := range remaining {
		if count == 0 {
			frontier = append(frontier, id)
		}
	}

	order := make([]uuid.UUID, 0, len(g.tasks))
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool { return frontier[i].String() < frontier[j].String() })
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next)
		for _, dependent := range dependents[next] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				frontier = append(frontier, dependent)
			}
		}
	}
	if len(order) != len(g.tasks) {
		return nil, apperrors.New(apperrors.CodeCycleDetected, "dependency cycle prevents topological order")
	}
	return order, nil
}

// CriticalPath returns the longest weighted path through the DAG (weight =
// expected hours) and its total length. Equal-weight alternatives resolve
// to the lexicographically smallest task ID, so the result is stable.
func (g *Graph) CriticalPath() ([]uuid.UUID, float64) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, 0
	}

	dist := make(map[uuid.UUID]float64, len(g.tasks))
	prev := make(map[uuid.UUID]uuid.UUID, len(g.tasks))

	for _, id := range order {
		task := g.tasks[id]
		best := 0.0
		var bestPrev uuid.UUID
		hasPrev := false
		for _, dep := range task.Dependencies {
			predecessor := dep.TargetTaskID
			if _, ok := g.tasks[predecessor]; !ok {
				continue
			}
			d := dist[predecessor]
			if !hasPrev || d > best || (d == best && predecessor.String() < bestPrev.String()) {
				best = d
				bestPrev = predecessor
				hasPrev = true
			}
		}
		dist[id] = best + task.ExpectedHours()
		if hasPrev {
			prev[id] = bestPrev
		}
	}

	var end uuid.UUID
	var total float64
	found := false
	for _, id := range order {
		d := dist[id]
		if !found || d > total || (d == total && id.String() < end.String()) {
			total = d
			end = id
			found = true
		}
	}
	if !found {
		return nil, 0
	}

	var path []uuid.UUID
	for current := end; ; {
		path = append([]uuid.UUID{current}, path...)
		p, ok := prev[current]
		if !ok {
			break
		}
		current = p
	}
	return path, total
}

// Ready reports whether every required dependency of the task is in a
// satisfying state per its kind. Tasks with no required dependencies are
// always ready.
func (g *Graph) Ready(task *models.Task) bool {
	for _, dep := range task.RequiredDependencies() {
		predecessor, ok := g.tasks[dep.TargetTaskID]
		if !ok {
			return false
		}
		if !dep.Satisfied(predecessor.Status) {
			return false
		}
	}
	return true
}

// ReadyTasks returns the PENDING tasks whose dependencies are satisfied,
// in deterministic ID order.
func (g *Graph) ReadyTasks() []*models.Task {
	var ready []*models.Task
	for _, task := range g.Tasks() {
		if task.Status != models.TaskStatusPending {
			continue
		}
		if g.Ready(task) {
			ready = append(ready, task)
		}
	}
	return ready
}
