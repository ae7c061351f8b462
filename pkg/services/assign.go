package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sessionmesh/sessionmesh/pkg/agents"
	"github.com/sessionmesh/sessionmesh/pkg/auth"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/events"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/resilience"
)

// AssignAgent routes the session's task to the best-fit agent, reserves
// a capacity slot and, for externally hosted agents, dispatches the task.
// A contended reservation restarts routing once with the loser excluded
// implicitly by its updated load.
func (o *Orchestrator) AssignAgent(ctx context.Context, sessionID, taskID uuid.UUID) (*agents.RouteResult, error) {
	if _, err := auth.RequireTenantID(ctx); err != nil {
		return nil, err
	}
	if o.router == nil || o.reserver == nil {
		return nil, apperrors.New(apperrors.CodeInternal, "agent routing is not configured")
	}

	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	task, err := o.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	capabilities := task.Estimate.RequiredCapabilities
	if len(capabilities) == 0 {
		capabilities = o.estimator.DeriveCapabilities(task.Description)
	}

	req := agents.RouteRequest{
		RequiredCapabilities: capabilities,
		Complexity:           task.Estimate.ExpectedHours(),
		SessionType:          session.SessionType,
	}

	var result *agents.RouteResult
	var reservation *agents.Reservation
	for attempt := 0; attempt < 2; attempt++ {
		result, err = o.router.Route(ctx, req)
		if err != nil {
			return nil, err
		}
		reservation, err = o.reserver.Reserve(ctx, result.Agent)
		if err == nil {
			break
		}
		if !apperrors.HasCode(err, apperrors.CodeAgentContended) {
			return nil, err
		}
		o.registry.UpdateLoad(result.Agent.ID, models.AgentLoad{
			Current:  result.Agent.Load.Capacity,
			Capacity: result.Agent.Load.Capacity,
		})
	}
	if reservation == nil {
		return nil, err
	}

	if result.Agent.IsExternal && o.dispatcher != nil {
		_, dispatchErr := o.dispatcher.Dispatch(ctx, result.Agent, agents.DispatchRequest{
			TaskID:    task.ID,
			SessionID: session.ID,
			Prompt:    task.Description,
			Context:   session.Metadata,
		})
		if dispatchErr != nil {
			if releaseErr := reservation.Release(ctx); releaseErr != nil {
				o.logger.Warn("Reservation release failed after dispatch error", map[string]interface{}{
					"agent_id": result.Agent.ID.String(),
					"error":    releaseErr.Error(),
				})
			}
			return nil, dispatchErr
		}
	}

	o.mu.Lock()
	o.assignments[sessionID] = &assignment{
		agentID:     result.Agent.ID,
		reservation: reservation,
		startedAt:   time.Now().UTC(),
	}
	o.mu.Unlock()

	agentID := result.Agent.ID
	var previous models.TaskStatus
	err = resilience.RetryStale(ctx, staleRetryAttempts, func() error {
		loaded, err := o.tasks.GetByID(ctx, taskID)
		if err != nil {
			return err
		}
		previous = loaded.Status
		if !loaded.Status.CanTransitionTo(models.TaskStatusAssigned) {
			return apperrors.Newf(apperrors.CodeInvalidTransition,
				"cannot assign task in status %s", loaded.Status)
		}
		loaded.Status = models.TaskStatusAssigned
		loaded.AssignedAgentID = &agentID
		return o.tasks.Update(ctx, loaded)
	})
	if err != nil {
		o.releaseAssignment(ctx, sessionID)
		return nil, err
	}
	o.bus.Publish(ctx, events.New(events.EventTaskStatusChanged, session.TenantID, sessionID, map[string]interface{}{
		"task_id":  taskID.String(),
		"agent_id": agentID.String(),
		"from":     string(previous),
		"to":       string(models.TaskStatusAssigned),
	}))

	o.metrics.IncrementCounter("sessions.assigned", 1)
	o.logger.Info("Assigned agent to session", map[string]interface{}{
		"session_id": sessionID.String(),
		"agent_id":   result.Agent.ID.String(),
		"score":      result.Score,
	})
	return result, nil
}

// settleAssignment closes out the session's assignment after a terminal
// outcome: the reservation is released and the agent's performance
// counters absorb the result.
func (o *Orchestrator) settleAssignment(ctx context.Context, session *models.Session, success, partial bool, quality float64) {
	o.mu.Lock()
	current, ok := o.assignments[session.ID]
	delete(o.assignments, session.ID)
	o.mu.Unlock()
	if !ok {
		return
	}

	if err := current.reservation.Release(ctx); err != nil {
		o.logger.Warn("Reservation release failed", map[string]interface{}{
			"agent_id": current.agentID.String(),
			"error":    err.Error(),
		})
	}
	if o.registry == nil {
		return
	}
	execSeconds := time.Since(current.startedAt).Seconds()
	err := o.registry.RecordOutcome(ctx, current.agentID, success, partial, quality,
		execSeconds, float64(session.Metrics.TokensUsed), session.Metrics.CostEstimate)
	if err != nil {
		o.logger.Warn("Agent outcome not recorded", map[string]interface{}{
			"agent_id": current.agentID.String(),
			"error":    err.Error(),
		})
	}
}

// releaseAssignment drops the reservation without touching performance
// counters; used on cancellation.
func (o *Orchestrator) releaseAssignment(ctx context.Context, sessionID uuid.UUID) {
	o.mu.Lock()
	current, ok := o.assignments[sessionID]
	delete(o.assignments, sessionID)
	o.mu.Unlock()
	if !ok {
		return
	}
	if err := current.reservation.Release(ctx); err != nil {
		o.logger.Warn("Reservation release failed", map[string]interface{}{
			"agent_id": current.agentID.String(),
			"error":    err.Error(),
		})
	}
}
