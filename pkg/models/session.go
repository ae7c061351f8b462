package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
)

// SessionStatus is a state of the session lifecycle machine
type SessionStatus string

// Session statuses
const (
	SessionStatusPending            SessionStatus = "PENDING"
	SessionStatusQueued             SessionStatus = "QUEUED"
	SessionStatusRunning            SessionStatus = "RUNNING"
	SessionStatusPaused             SessionStatus = "PAUSED"
	SessionStatusCompleted          SessionStatus = "COMPLETED"
	SessionStatusPartiallyCompleted SessionStatus = "PARTIALLY_COMPLETED"
	SessionStatusFailed             SessionStatus = "FAILED"
	SessionStatusTimeout            SessionStatus = "TIMEOUT"
	SessionStatusStopped            SessionStatus = "STOPPED"
	SessionStatusCancelled          SessionStatus = "CANCELLED"
	SessionStatusOrphaned           SessionStatus = "ORPHANED"
	SessionStatusDegraded           SessionStatus = "DEGRADED"
)

// sessionTransitions is the allowed transition map. The recovery edges
// FAILED/TIMEOUT/STOPPED -> PENDING are additionally gated by retry count
// and checkpoint existence; CanRetry carries that check.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending:            {SessionStatusQueued, SessionStatusRunning, SessionStatusCancelled},
	SessionStatusQueued:             {SessionStatusRunning, SessionStatusCancelled},
	SessionStatusRunning:            {SessionStatusPaused, SessionStatusCompleted, SessionStatusPartiallyCompleted, SessionStatusFailed, SessionStatusTimeout, SessionStatusStopped, SessionStatusDegraded},
	SessionStatusPaused:             {SessionStatusRunning, SessionStatusCancelled, SessionStatusStopped},
	SessionStatusDegraded:           {SessionStatusRunning, SessionStatusFailed, SessionStatusStopped},
	SessionStatusFailed:             {SessionStatusPending},
	SessionStatusTimeout:            {SessionStatusPending},
	SessionStatusStopped:            {SessionStatusPending},
	SessionStatusCompleted:          {},
	SessionStatusPartiallyCompleted: {},
	SessionStatusCancelled:          {},
	SessionStatusOrphaned:           {},
}

// IsTerminal reports whether the status admits no further transitions
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusPartiallyCompleted, SessionStatusCancelled, SessionStatusOrphaned:
		return true
	}
	return false
}

// CanTransitionTo reports whether the raw transition map admits the edge.
// Retry gating for FAILED/TIMEOUT/STOPPED -> PENDING is checked separately.
func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// SessionType classifies what a session is for
type SessionType string

// Session types
const (
	SessionTypePlanning    SessionType = "PLANNING"
	SessionTypeExecution   SessionType = "EXECUTION"
	SessionTypeReview      SessionType = "REVIEW"
	SessionTypeDebug       SessionType = "DEBUG"
	SessionTypeIntegration SessionType = "INTEGRATION"
)

// Valid reports whether the session type is a known value
func (t SessionType) Valid() bool {
	switch t {
	case SessionTypePlanning, SessionTypeExecution, SessionTypeReview, SessionTypeDebug, SessionTypeIntegration:
		return true
	}
	return false
}

// Priority orders work within and across sessions
type Priority string

// Priorities
const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
	PriorityDeferred Priority = "DEFERRED"
)

// Valid reports whether the priority is a known value
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityDeferred:
		return true
	}
	return false
}

// Weight converts a priority to a numeric rank for queue ordering;
// higher is more urgent.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 40
	case PriorityHigh:
		return 30
	case PriorityMedium:
		return 20
	case PriorityLow:
		return 10
	default:
		return 0
	}
}

// Session duration bounds in seconds
const (
	MinSessionDurationSeconds = 60
	MaxSessionDurationSeconds = 86400
)

// DefaultCheckpointRetention is how many checkpoints a session keeps
// unless overridden per session.
const DefaultCheckpointRetention = 100

// bannedSessionTitles rejects generic placeholder titles
var bannedSessionTitles = map[string]struct{}{
	"test":        {},
	"session":     {},
	"new session": {},
	"untitled":    {},
	"task":        {},
	"todo":        {},
	"misc":        {},
	"temp":        {},
	"wip":         {},
}

// SessionMetrics is the owned 1:1 metrics sub-record of a session
type SessionMetrics struct {
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	FailedAt         *time.Time `json:"failed_at,omitempty" db:"failed_at"`
	DurationSeconds  float64    `json:"duration_seconds" db:"duration_seconds"`
	CPUPercent       float64    `json:"cpu_percent" db:"cpu_percent"`
	MemoryMB         float64    `json:"memory_mb" db:"memory_mb"`
	TokensUsed       int64      `json:"tokens_used" db:"tokens_used"`
	APICalls         int64      `json:"api_calls" db:"api_calls"`
	APIErrors        int64      `json:"api_errors" db:"api_errors"`
	Retries          int        `json:"retries" db:"retries"`
	SubtasksTotal    int        `json:"subtasks_total" db:"subtasks_total"`
	SubtasksDone     int        `json:"subtasks_completed" db:"subtasks_completed"`
	SuccessRate      float64    `json:"success_rate" db:"success_rate"`
	Confidence       float64    `json:"confidence" db:"confidence"`
	CodeQuality      float64    `json:"code_quality" db:"code_quality"`
	CheckpointCount  int        `json:"checkpoint_count" db:"checkpoint_count"`
	LastCheckpointAt *time.Time `json:"last_checkpoint_at,omitempty" db:"last_checkpoint_at"`
	CostEstimate     float64    `json:"cost_estimate" db:"cost_estimate"`
}

// Checkpoint is an opaque snapshot of session progress. Checkpoints are
// append-only with strictly increasing sequence numbers.
type Checkpoint struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	SessionID uuid.UUID       `json:"session_id" db:"session_id"`
	TenantID  uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	Sequence  int             `json:"sequence" db:"sequence"`
	Data      json.RawMessage `json:"data" db:"data"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Session is a long-lived unit of work: the outer state machine holding
// tasks, metrics and checkpoints.
type Session struct {
	ID              uuid.UUID     `json:"id" db:"id"`
	TenantID        uuid.UUID     `json:"tenant_id" db:"tenant_id"`
	ParentID        *uuid.UUID    `json:"parent_id,omitempty" db:"parent_id"`
	Title           string        `json:"title" db:"title"`
	InitialPrompt   string        `json:"initial_prompt" db:"initial_prompt"`
	SessionType     SessionType   `json:"session_type" db:"session_type"`
	Priority        Priority      `json:"priority" db:"priority"`
	Status          SessionStatus `json:"status" db:"status"`
	StatusUpdatedAt time.Time     `json:"status_updated_at" db:"status_updated_at"`

	AgentConfig        map[string]interface{} `json:"agent_config,omitempty"`
	ModelConfig        string                 `json:"model_config" db:"model_config"`
	MaxDurationSeconds int                    `json:"max_duration_seconds" db:"max_duration_seconds"`

	Metrics     SessionMetrics `json:"metrics"`
	Checkpoints []Checkpoint   `json:"checkpoints,omitempty"`

	// HealthScore is derived on read, never persisted
	HealthScore float64 `json:"health_score" db:"-"`

	// CheckpointRetention caps how many checkpoints are kept; 0 means the
	// default retention window.
	CheckpointRetention int `json:"checkpoint_retention,omitempty" db:"checkpoint_retention"`

	RetryCount int    `json:"retry_count" db:"retry_count"`
	MaxRetries int    `json:"max_retries" db:"max_retries"`
	LastError  string `json:"last_error,omitempty" db:"last_error"`

	Tags     []string               `json:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	Version   int        `json:"version" db:"version"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// NewSession validates inputs and builds a PENDING session
func NewSession(tenantID uuid.UUID, title, initialPrompt string, sessionType SessionType, priority Priority) (*Session, error) {
	if err := ValidateSessionTitle(title); err != nil {
		return nil, err
	}
	if strings.TrimSpace(initialPrompt) == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "initial_prompt must not be empty")
	}
	if !sessionType.Valid() {
		return nil, apperrors.Newf(apperrors.CodeValidation, "unknown session_type %q", sessionType)
	}
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return nil, apperrors.Newf(apperrors.CodeValidation, "unknown priority %q", priority)
	}

	now := time.Now().UTC()
	return &Session{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		Title:              strings.TrimSpace(title),
		InitialPrompt:      initialPrompt,
		SessionType:        sessionType,
		Priority:           priority,
		Status:             SessionStatusPending,
		StatusUpdatedAt:    now,
		MaxDurationSeconds: 3600,
		MaxRetries:         3,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// ValidateSessionTitle rejects empty or generic placeholder titles
func ValidateSessionTitle(title string) error {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return apperrors.New(apperrors.CodeValidation, "title must not be empty")
	}
	if _, banned := bannedSessionTitles[strings.ToLower(trimmed)]; banned {
		return apperrors.Newf(apperrors.CodeValidation, "title %q is too generic", trimmed)
	}
	return nil
}

// ValidateMaxDuration bounds the session duration budget
func ValidateMaxDuration(seconds int) error {
	if seconds < MinSessionDurationSeconds || seconds > MaxSessionDurationSeconds {
		return apperrors.Newf(apperrors.CodeValidation,
			"max_duration_seconds %d outside [%d, %d]", seconds, MinSessionDurationSeconds, MaxSessionDurationSeconds)
	}
	return nil
}

// CanRetry reports whether the recovery edge back to PENDING is open:
// a retryable terminal-ish state, budget left, and at least one checkpoint
// to recover from.
func (s *Session) CanRetry() bool {
	switch s.Status {
	case SessionStatusFailed, SessionStatusTimeout, SessionStatusStopped:
	default:
		return false
	}
	maxRetries := s.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	return s.RetryCount < maxRetries && s.Metrics.CheckpointCount > 0
}

// RetentionWindow returns the effective checkpoint retention cap
func (s *Session) RetentionWindow() int {
	if s.CheckpointRetention > 0 {
		return s.CheckpointRetention
	}
	return DefaultCheckpointRetention
}

// LastCheckpointSequence returns the highest checkpoint sequence, 0 if none
func (s *Session) LastCheckpointSequence() int {
	last := 0
	for _, cp := range s.Checkpoints {
		if cp.Sequence > last {
			last = cp.Sequence
		}
	}
	return last
}
