// Package services hosts the session orchestrator: the use-case layer
// that binds the tenant context, serializes per-session work under the
// distributed lock, drives the lifecycle machine, enforces quotas and
// publishes events.
package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionmesh/sessionmesh/pkg/agents"
	"github.com/sessionmesh/sessionmesh/pkg/auth"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/events"
	"github.com/sessionmesh/sessionmesh/pkg/locks"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
	"github.com/sessionmesh/sessionmesh/pkg/repository"
	"github.com/sessionmesh/sessionmesh/pkg/resilience"
	"github.com/sessionmesh/sessionmesh/pkg/sessions"
	"github.com/sessionmesh/sessionmesh/pkg/tasks"
)

const (
	sessionLockTTL     = 30 * time.Second
	sessionLockTimeout = 10 * time.Second
	staleRetryAttempts = 3
)

// LockManager is the slice of the lock manager the orchestrator uses
type LockManager interface {
	Acquire(ctx context.Context, resource string, opts locks.AcquireOptions) (*locks.Lock, error)
	Release(ctx context.Context, lock *locks.Lock) error
}

// assignment ties a session to the agent currently working it
type assignment struct {
	agentID     uuid.UUID
	reservation *agents.Reservation
	startedAt   time.Time
}

// Orchestrator coordinates persistence, locking, lifecycle, routing and
// events per use case. All session mutations run inside the session's
// execution lock; optimistic conflicts are retried a bounded number of
// times with a fresh read each attempt.
type Orchestrator struct {
	sessions repository.SessionRepository
	tasks    repository.TaskRepository
	tenants  repository.TenantRepository

	locks      LockManager
	meter      *TokenMeter
	bus        *events.Bus
	registry   *agents.Registry
	router     *agents.Router
	reserver   *agents.Reserver
	dispatcher *agents.Dispatcher

	estimator  *tasks.Estimator
	decomposer *tasks.Decomposer

	logger  observability.Logger
	metrics observability.MetricsClient

	mu          sync.Mutex
	assignments map[uuid.UUID]*assignment
}

// OrchestratorConfig collects the orchestrator's collaborators
type OrchestratorConfig struct {
	Sessions repository.SessionRepository
	Tasks    repository.TaskRepository
	Tenants  repository.TenantRepository

	Locks      LockManager
	Meter      *TokenMeter
	Bus        *events.Bus
	Registry   *agents.Registry
	Router     *agents.Router
	Reserver   *agents.Reserver
	Dispatcher *agents.Dispatcher

	Estimator  *tasks.Estimator
	Decomposer *tasks.Decomposer

	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// NewOrchestrator wires the session orchestrator
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Estimator == nil {
		cfg.Estimator = tasks.NewEstimator()
	}
	if cfg.Decomposer == nil {
		cfg.Decomposer = tasks.NewDecomposer(cfg.Estimator, cfg.Logger)
	}
	return &Orchestrator{
		sessions:    cfg.Sessions,
		tasks:       cfg.Tasks,
		tenants:     cfg.Tenants,
		locks:       cfg.Locks,
		meter:       cfg.Meter,
		bus:         cfg.Bus,
		registry:    cfg.Registry,
		router:      cfg.Router,
		reserver:    cfg.Reserver,
		dispatcher:  cfg.Dispatcher,
		estimator:   cfg.Estimator,
		decomposer:  cfg.Decomposer,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		assignments: map[uuid.UUID]*assignment{},
	}
}

// Bus exposes the event bus for subscribers (API websockets, tests)
func (o *Orchestrator) Bus() *events.Bus {
	return o.bus
}

// Meter exposes the token meter
func (o *Orchestrator) Meter() *TokenMeter {
	return o.meter
}

// CreateSessionRequest carries the create_session inputs
type CreateSessionRequest struct {
	Title              string                 `json:"title"`
	InitialPrompt      string                 `json:"initial_prompt"`
	SessionType        models.SessionType     `json:"session_type"`
	Priority           models.Priority        `json:"priority"`
	ParentID           *uuid.UUID             `json:"parent_id,omitempty"`
	MaxDurationSeconds int                    `json:"max_duration_seconds,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	Decompose          bool                   `json:"decompose,omitempty"`
}

// CreateSession validates quotas and the parent reference, persists a
// PENDING session, optionally decomposes the prompt into a task DAG,
// and announces the session.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	tenantID, err := auth.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}

	tenant, err := o.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := o.meter.Check(ctx, tenantID, tenant.Quotas.MaxTokensPerDay); err != nil {
		return nil, err
	}
	if max := tenant.Quotas.MaxConcurrentSessions; max > 0 {
		active, err := o.sessions.CountActive(ctx)
		if err != nil {
			return nil, err
		}
		// A new session lands as PENDING, which is non-terminal and so
		// counts against the ceiling immediately.
		if active >= int64(max) {
			return nil, apperrors.Newf(apperrors.CodeQuotaExceeded,
				"tenant %s is at its concurrent session limit (%d)", tenantID, max)
		}
	}

	session, err := models.NewSession(tenantID, req.Title, req.InitialPrompt, req.SessionType, req.Priority)
	if err != nil {
		return nil, err
	}
	if req.MaxDurationSeconds > 0 {
		if err := models.ValidateMaxDuration(req.MaxDurationSeconds); err != nil {
			return nil, err
		}
		session.MaxDurationSeconds = req.MaxDurationSeconds
	}
	session.Metadata = req.Metadata

	if req.ParentID != nil {
		found, err := o.sessions.Exists(ctx, *req.ParentID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, apperrors.Newf(apperrors.CodeNotFound, "parent session %s not found", *req.ParentID)
		}
		session.ParentID = req.ParentID
	}

	if err := o.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	if req.Decompose {
		if err := o.planInitialTasks(ctx, session); err != nil {
			// The session stands; planning can be redone via the task API
			o.logger.Warn("Initial decomposition failed", map[string]interface{}{
				"session_id": session.ID.String(),
				"error":      err.Error(),
			})
		}
	}

	o.metrics.IncrementCounterWithLabels("sessions.created", 1, map[string]string{
		"session_type": string(session.SessionType),
	})
	o.bus.Publish(ctx, events.New(events.EventSessionCreated, tenantID, session.ID, map[string]interface{}{
		"title":    session.Title,
		"status":   string(session.Status),
		"priority": string(session.Priority),
	}))
	return session, nil
}

// planInitialTasks turns the prompt into a root task plus decomposed
// subtasks and records the subtask total on the session metrics.
func (o *Orchestrator) planInitialTasks(ctx context.Context, session *models.Session) error {
	root, err := models.NewTask(session.TenantID, session.ID, session.Title, session.InitialPrompt,
		"generic", session.Priority)
	if err != nil {
		return err
	}
	o.estimator.Estimate(root, true)

	children, err := o.decomposer.Decompose(root, tasks.DecomposeOptions{})
	if err != nil {
		return err
	}
	batch := append([]*models.Task{root}, children...)
	if err := o.tasks.CreateBatch(ctx, batch); err != nil {
		return err
	}

	session.Metrics.SubtasksTotal = len(children)
	return o.sessions.Update(ctx, session)
}

// StartSession moves a PENDING/QUEUED session to RUNNING, enforcing the
// concurrency and token quotas atomically inside the session lock.
func (o *Orchestrator) StartSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	tenantID, err := auth.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}

	var session *models.Session
	err = o.withSessionLock(ctx, id, func(ctx context.Context) error {
		return resilience.RetryStale(ctx, staleRetryAttempts, func() error {
			loaded, err := o.sessions.GetByID(ctx, id)
			if err != nil {
				return err
			}
			switch loaded.Status {
			case models.SessionStatusPending, models.SessionStatusQueued:
			default:
				return apperrors.Newf(apperrors.CodeInvalidTransition,
					"session %s cannot start from %s", id, loaded.Status)
			}

			tenant, err := o.tenants.GetByID(ctx, tenantID)
			if err != nil {
				return err
			}
			if err := o.meter.Check(ctx, tenantID, tenant.Quotas.MaxTokensPerDay); err != nil {
				return err
			}
			if max := tenant.Quotas.MaxConcurrentSessions; max > 0 {
				active, err := o.sessions.CountActive(ctx)
				if err != nil {
					return err
				}
				// The session being started is itself active (PENDING),
				// so the ceiling counts sessions beside it.
				if active > int64(max) {
					return apperrors.Newf(apperrors.CodeQuotaExceeded,
						"tenant %s is at its concurrent session limit (%d)", tenantID, max)
				}
			}

			if err := sessions.Transition(loaded, models.SessionStatusRunning); err != nil {
				return err
			}
			if err := o.sessions.Update(ctx, loaded); err != nil {
				return err
			}
			session = loaded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	o.metrics.IncrementCounter("sessions.started", 1)
	o.publishStatusChange(ctx, session)
	return session, nil
}

// AddCheckpoint appends a progress snapshot under the session lock
func (o *Orchestrator) AddCheckpoint(ctx context.Context, id uuid.UUID, data json.RawMessage, tokensUsed int64) (*models.Checkpoint, error) {
	tenantID, err := auth.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}

	var checkpoint *models.Checkpoint
	err = o.withSessionLock(ctx, id, func(ctx context.Context) error {
		session, err := o.sessions.GetByID(ctx, id)
		if err != nil {
			return err
		}
		switch session.Status {
		case models.SessionStatusRunning, models.SessionStatusPaused, models.SessionStatusDegraded:
		default:
			return apperrors.Newf(apperrors.CodeInvalidTransition,
				"session %s cannot checkpoint while %s", id, session.Status)
		}
		if len(data) == 0 {
			return apperrors.New(apperrors.CodeValidation, "checkpoint data must not be empty")
		}

		checkpoint, err = o.sessions.AddCheckpoint(ctx, session, data)
		if err != nil {
			return err
		}
		if tokensUsed > 0 {
			if _, err := o.meter.Record(ctx, tenantID, tokensUsed); err != nil {
				o.logger.Warn("Token usage not recorded", map[string]interface{}{
					"session_id": id.String(),
					"error":      err.Error(),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.metrics.IncrementCounter("sessions.checkpoints", 1)
	return checkpoint, nil
}

// CompleteRequest carries the complete_session inputs
type CompleteRequest struct {
	Result      map[string]interface{} `json:"result,omitempty"`
	SuccessRate float64                `json:"success_rate"`
	Confidence  float64                `json:"confidence,omitempty"`
	TokensUsed  int64                  `json:"tokens_used,omitempty"`
}

// CompleteSession finishes a RUNNING session: full success lands on
// COMPLETED, anything under a 1.0 success rate on PARTIALLY_COMPLETED.
func (o *Orchestrator) CompleteSession(ctx context.Context, id uuid.UUID, req CompleteRequest) (*models.Session, error) {
	tenantID, err := auth.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	if req.SuccessRate < 0 || req.SuccessRate > 1 {
		return nil, apperrors.Newf(apperrors.CodeValidation, "success_rate %v outside [0, 1]", req.SuccessRate)
	}

	target := models.SessionStatusCompleted
	if req.SuccessRate < 1 {
		target = models.SessionStatusPartiallyCompleted
	}

	var session *models.Session
	err = o.withSessionLock(ctx, id, func(ctx context.Context) error {
		return resilience.RetryStale(ctx, staleRetryAttempts, func() error {
			loaded, err := o.sessions.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if err := sessions.Transition(loaded, target); err != nil {
				return err
			}
			loaded.Metrics.SuccessRate = req.SuccessRate
			loaded.Metrics.Confidence = req.Confidence
			loaded.Metrics.TokensUsed += req.TokensUsed
			if req.Result != nil {
				if loaded.Metadata == nil {
					loaded.Metadata = map[string]interface{}{}
				}
				loaded.Metadata["result"] = req.Result
			}
			if err := o.sessions.Update(ctx, loaded); err != nil {
				return err
			}
			session = loaded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if req.TokensUsed > 0 {
		if _, err := o.meter.Record(ctx, tenantID, req.TokensUsed); err != nil {
			o.logger.Warn("Token usage not recorded", map[string]interface{}{
				"session_id": id.String(),
				"error":      err.Error(),
			})
		}
	}
	o.settleAssignment(ctx, session, req.SuccessRate >= 1, req.SuccessRate > 0 && req.SuccessRate < 1, req.Confidence)

	o.metrics.IncrementCounterWithLabels("sessions.completed", 1, map[string]string{
		"status": string(session.Status),
	})
	o.bus.Publish(ctx, events.New(events.EventSessionCompleted, tenantID, session.ID, map[string]interface{}{
		"status":       string(session.Status),
		"success_rate": req.SuccessRate,
	}))
	return session, nil
}

// FailSession records a failure. Retryable failures consume retry budget
// and leave the recovery edge open; timeouts land on TIMEOUT.
func (o *Orchestrator) FailSession(ctx context.Context, id uuid.UUID, cause string, retryable, timeout bool) (*models.Session, error) {
	tenantID, err := auth.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}

	var session *models.Session
	err = o.withSessionLock(ctx, id, func(ctx context.Context) error {
		return resilience.RetryStale(ctx, staleRetryAttempts, func() error {
			loaded, err := o.sessions.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if err := sessions.RecordFailure(loaded, cause, retryable, timeout); err != nil {
				return err
			}
			if err := o.sessions.Update(ctx, loaded); err != nil {
				return err
			}
			session = loaded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	o.settleAssignment(ctx, session, false, false, 0)

	o.metrics.IncrementCounterWithLabels("sessions.failed", 1, map[string]string{
		"retryable": boolLabel(retryable),
	})
	o.bus.Publish(ctx, events.New(events.EventSessionFailed, tenantID, session.ID, map[string]interface{}{
		"status":    string(session.Status),
		"error":     cause,
		"retryable": retryable,
	}))
	return session, nil
}

// RetrySession re-arms a FAILED/TIMEOUT/STOPPED session for another run
func (o *Orchestrator) RetrySession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	if _, err := auth.RequireTenantID(ctx); err != nil {
		return nil, err
	}

	var session *models.Session
	err := o.withSessionLock(ctx, id, func(ctx context.Context) error {
		return resilience.RetryStale(ctx, staleRetryAttempts, func() error {
			loaded, err := o.sessions.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if err := sessions.Transition(loaded, models.SessionStatusPending); err != nil {
				return err
			}
			if err := o.sessions.Update(ctx, loaded); err != nil {
				return err
			}
			session = loaded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	o.metrics.IncrementCounter("sessions.retried", 1)
	o.publishStatusChange(ctx, session)
	return session, nil
}

// CancelSession cancels a session that has not reached a terminal state
// and releases any agent reservation held for it.
func (o *Orchestrator) CancelSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	if _, err := auth.RequireTenantID(ctx); err != nil {
		return nil, err
	}

	var session *models.Session
	err := o.withSessionLock(ctx, id, func(ctx context.Context) error {
		return resilience.RetryStale(ctx, staleRetryAttempts, func() error {
			loaded, err := o.sessions.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if err := sessions.Transition(loaded, models.SessionStatusCancelled); err != nil {
				return err
			}
			if err := o.sessions.Update(ctx, loaded); err != nil {
				return err
			}
			session = loaded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	o.releaseAssignment(ctx, id)

	o.metrics.IncrementCounter("sessions.cancelled", 1)
	o.publishStatusChange(ctx, session)
	return session, nil
}

// GetSession loads one session in the caller's tenant
func (o *Orchestrator) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	session, err := o.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	session.HealthScore = sessions.HealthScore(session, time.Now().UTC())
	return session, nil
}

// ListSessions pages through the tenant's sessions
func (o *Orchestrator) ListSessions(ctx context.Context, filter repository.SessionFilter, sorts []repository.Sort, page repository.Pagination) (*repository.Page[*models.Session], error) {
	return o.sessions.List(ctx, filter, sorts, page)
}

// SearchSessions runs a full-text query over session titles and prompts
func (o *Orchestrator) SearchSessions(ctx context.Context, query string, page repository.Pagination) (*repository.Page[*models.Session], error) {
	return o.sessions.Search(ctx, query, page)
}

// ListCheckpoints returns the session's retained checkpoints with
// sequence greater than sinceSequence; 0 returns all retained ones.
// Consumers replay progress from here after reconnecting.
func (o *Orchestrator) ListCheckpoints(ctx context.Context, id uuid.UUID, sinceSequence int) ([]models.Checkpoint, error) {
	if _, err := o.sessions.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return o.sessions.ListCheckpoints(ctx, id, sinceSequence)
}

// DeleteSession soft-deletes a session
func (o *Orchestrator) DeleteSession(ctx context.Context, id uuid.UUID) error {
	session, err := o.sessions.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return o.sessions.SoftDelete(ctx, id, session.Version)
}

// withSessionLock serializes fn under session:execution:{id} with the
// standard TTL. The lock is released on every exit path.
func (o *Orchestrator) withSessionLock(ctx context.Context, id uuid.UUID, fn func(context.Context) error) error {
	lock, err := o.locks.Acquire(ctx, locks.SessionLockResource(id), locks.AcquireOptions{
		Blocking: true,
		Timeout:  sessionLockTimeout,
		TTL:      sessionLockTTL,
	})
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := o.locks.Release(context.WithoutCancel(ctx), lock); releaseErr != nil {
			o.logger.Warn("Session lock release failed", map[string]interface{}{
				"session_id": id.String(),
				"error":      releaseErr.Error(),
			})
		}
	}()
	return fn(ctx)
}

func (o *Orchestrator) publishStatusChange(ctx context.Context, session *models.Session) {
	o.bus.Publish(ctx, events.New(events.EventSessionStatusChanged, session.TenantID, session.ID, map[string]interface{}{
		"status": string(session.Status),
	}))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
