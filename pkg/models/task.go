package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
)

// TaskStatus is a state of the task lifecycle machine
type TaskStatus string

// Task statuses
const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusReady      TaskStatus = "READY"
	TaskStatusAssigned   TaskStatus = "ASSIGNED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusBlocked    TaskStatus = "BLOCKED"
	TaskStatusPaused     TaskStatus = "PAUSED"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
	TaskStatusSkipped    TaskStatus = "SKIPPED"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusReady, TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusReady:      {TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusAssigned:   {TaskStatusInProgress, TaskStatusCancelled},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked, TaskStatusPaused},
	TaskStatusBlocked:    {TaskStatusInProgress, TaskStatusCancelled},
	TaskStatusPaused:     {TaskStatusInProgress, TaskStatusCancelled},
	TaskStatusCompleted:  {},
	TaskStatusFailed:     {},
	TaskStatusCancelled:  {},
	TaskStatusSkipped:    {},
}

// IsTerminal reports whether the task status admits no further transitions
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusSkipped:
		return true
	}
	return false
}

// CanTransitionTo reports whether the transition map admits the edge
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// DependencyKind is the scheduling relation between a task and its predecessor
type DependencyKind string

// Dependency kinds
const (
	DependencyFinishToStart  DependencyKind = "FINISH_TO_START"
	DependencyStartToStart   DependencyKind = "START_TO_START"
	DependencyFinishToFinish DependencyKind = "FINISH_TO_FINISH"
	DependencyStartToFinish  DependencyKind = "START_TO_FINISH"
)

// TaskDependency is stored on the dependent task and points at its
// predecessor.
type TaskDependency struct {
	TargetTaskID uuid.UUID      `json:"target_task_id" db:"target_task_id"`
	Kind         DependencyKind `json:"kind" db:"kind"`
	Required     bool           `json:"required" db:"required"`
}

// Satisfied evaluates the dependency against the predecessor's status per
// its kind. FINISH_TO_START needs the predecessor finished; START_TO_START
// needs it at least started. The two FINISH-target kinds gate the
// dependent's completion rather than its start, so for readiness purposes
// they only require the predecessor to exist in a non-cancelled state.
func (d TaskDependency) Satisfied(predecessor TaskStatus) bool {
	switch d.Kind {
	case DependencyFinishToStart:
		return predecessor == TaskStatusCompleted || predecessor == TaskStatusSkipped
	case DependencyStartToStart:
		switch predecessor {
		case TaskStatusInProgress, TaskStatusBlocked, TaskStatusPaused, TaskStatusCompleted:
			return true
		}
		return false
	case DependencyFinishToFinish, DependencyStartToFinish:
		return predecessor != TaskStatusCancelled && predecessor != TaskStatusFailed
	}
	return false
}

// EstimateSource records where an estimate came from
type EstimateSource string

// Estimate sources
const (
	EstimateSourceManual        EstimateSource = "manual"
	EstimateSourceAI            EstimateSource = "ai"
	EstimateSourceHistorical    EstimateSource = "historical"
	EstimateSourceDecomposition EstimateSource = "decomposition"
	EstimateSourceDefault       EstimateSource = "default"
)

// TaskEstimate is a PERT triple with derived capabilities and confidence
type TaskEstimate struct {
	OptimisticHours      float64        `json:"optimistic_hours" db:"optimistic_hours"`
	LikelyHours          float64        `json:"likely_hours" db:"likely_hours"`
	PessimisticHours     float64        `json:"pessimistic_hours" db:"pessimistic_hours"`
	EstimatedTokens      *int64         `json:"estimated_tokens,omitempty" db:"estimated_tokens"`
	EstimatedCost        *float64       `json:"estimated_cost,omitempty" db:"estimated_cost"`
	RequiredCapabilities []Capability   `json:"required_capabilities,omitempty"`
	Confidence           float64        `json:"confidence" db:"confidence"`
	Source               EstimateSource `json:"source" db:"source"`
}

// ExpectedHours is the PERT expected value (O + 4L + P) / 6
func (e TaskEstimate) ExpectedHours() float64 {
	return (e.OptimisticHours + 4*e.LikelyHours + e.PessimisticHours) / 6
}

// StdDevHours is the PERT standard deviation (P - O) / 6
func (e TaskEstimate) StdDevHours() float64 {
	return (e.PessimisticHours - e.OptimisticHours) / 6
}

// ComplexityLevel buckets expected effort
type ComplexityLevel string

// Complexity levels
const (
	ComplexityTrivial  ComplexityLevel = "TRIVIAL"
	ComplexitySimple   ComplexityLevel = "SIMPLE"
	ComplexityModerate ComplexityLevel = "MODERATE"
	ComplexityComplex  ComplexityLevel = "COMPLEX"
	ComplexityExpert   ComplexityLevel = "EXPERT"
)

// ComplexityFromHours bucketizes expected hours into a level
func ComplexityFromHours(expected float64) ComplexityLevel {
	switch {
	case expected < 0.25:
		return ComplexityTrivial
	case expected < 1:
		return ComplexitySimple
	case expected < 4:
		return ComplexityModerate
	case expected < 8:
		return ComplexityComplex
	default:
		return ComplexityExpert
	}
}

// taskActionVerbs is the fixed list a task title must begin with
var taskActionVerbs = []string{
	"implement", "build", "create", "add", "fix", "refactor", "design",
	"test", "review", "analyze", "write", "update", "remove", "deploy",
	"integrate", "optimize", "document", "investigate", "migrate",
	"configure", "audit", "debug",
}

// Task is a node of the work DAG under a session: the inner state machine
type Task struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	SessionID    uuid.UUID  `json:"session_id" db:"session_id"`
	TenantID     uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	ParentTaskID *uuid.UUID `json:"parent_task_id,omitempty" db:"parent_task_id"`

	Title       string     `json:"title" db:"title"`
	Description string     `json:"description" db:"description"`
	TaskType    string     `json:"task_type" db:"task_type"`
	Status      TaskStatus `json:"status" db:"status"`
	Priority    Priority   `json:"priority" db:"priority"`

	AssignedAgentID *uuid.UUID `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`

	Estimate     TaskEstimate     `json:"estimate"`
	Dependencies []TaskDependency `json:"dependencies,omitempty"`
	Children     []uuid.UUID      `json:"children,omitempty"`

	Result    json.RawMessage `json:"result,omitempty" db:"result"`
	Error     string          `json:"error,omitempty" db:"error"`
	Artifacts []string        `json:"artifacts,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	Version   int        `json:"version" db:"version"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// NewTask validates inputs and builds a PENDING task
func NewTask(tenantID, sessionID uuid.UUID, title, description, taskType string, priority Priority) (*Task, error) {
	if err := ValidateTaskTitle(title); err != nil {
		return nil, err
	}
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return nil, apperrors.Newf(apperrors.CodeValidation, "unknown priority %q", priority)
	}

	now := time.Now().UTC()
	return &Task{
		ID:          uuid.New(),
		SessionID:   sessionID,
		TenantID:    tenantID,
		Title:       strings.TrimSpace(title),
		Description: description,
		TaskType:    taskType,
		Status:      TaskStatusPending,
		Priority:    priority,
		Estimate:    TaskEstimate{Source: EstimateSourceDefault, Confidence: 0.5},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// ValidateTaskTitle requires titles to begin with a known action verb
func ValidateTaskTitle(title string) error {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return apperrors.New(apperrors.CodeValidation, "task title must not be empty")
	}
	first := strings.ToLower(strings.Fields(trimmed)[0])
	for _, verb := range taskActionVerbs {
		if first == verb {
			return nil
		}
	}
	return apperrors.Newf(apperrors.CodeValidation, "task title must begin with an action verb, got %q", first)
}

// ExpectedHours is shorthand for the task's PERT expectation
func (t *Task) ExpectedHours() float64 {
	return t.Estimate.ExpectedHours()
}

// Complexity is the bucketized complexity of the task
func (t *Task) Complexity() ComplexityLevel {
	return ComplexityFromHours(t.ExpectedHours())
}

// IsLeaf reports whether the task has no children
func (t *Task) IsLeaf() bool {
	return len(t.Children) == 0
}

// RequiredDependencies returns only the required dependency edges
func (t *Task) RequiredDependencies() []TaskDependency {
	required := make([]TaskDependency, 0, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if dep.Required {
			required = append(required, dep)
		}
	}
	return required
}
