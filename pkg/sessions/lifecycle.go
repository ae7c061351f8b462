// Package sessions implements the session lifecycle: validated status
// transitions with their metric side effects, checkpoint appends under
// the retention window, and the derived health score.
package sessions

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/models"
)

// Transition moves the session to target, enforcing the transition map
// and the retry gate, and stamps the metric timestamps exactly once.
func Transition(session *models.Session, target models.SessionStatus) error {
	if session.Status == target {
		return apperrors.Newf(apperrors.CodeInvalidTransition,
			"session %s is already %s", session.ID, target)
	}
	if !session.Status.CanTransitionTo(target) {
		return apperrors.Newf(apperrors.CodeInvalidTransition,
			"cannot transition session %s from %s to %s", session.ID, session.Status, target)
	}
	if target == models.SessionStatusPending && !session.CanRetry() {
		return apperrors.Newf(apperrors.CodeInvalidTransition,
			"session %s cannot be retried: retry budget exhausted or no checkpoint to recover from", session.ID)
	}

	now := time.Now().UTC()
	switch target {
	case models.SessionStatusRunning:
		if session.Metrics.StartedAt == nil {
			session.Metrics.StartedAt = &now
		}
	case models.SessionStatusCompleted, models.SessionStatusPartiallyCompleted:
		if session.Metrics.CompletedAt == nil {
			session.Metrics.CompletedAt = &now
		}
		stampDuration(session, now)
	case models.SessionStatusFailed, models.SessionStatusTimeout:
		if session.Metrics.FailedAt == nil {
			session.Metrics.FailedAt = &now
		}
		stampDuration(session, now)
	case models.SessionStatusPending:
		// Retry edge: clear the failure stamp so the next attempt
		// records its own.
		session.Metrics.FailedAt = nil
		session.LastError = ""
	}

	session.Status = target
	session.StatusUpdatedAt = now
	session.UpdatedAt = now
	return nil
}

func stampDuration(session *models.Session, now time.Time) {
	if session.Metrics.StartedAt != nil {
		session.Metrics.DurationSeconds = now.Sub(*session.Metrics.StartedAt).Seconds()
	}
}

// AppendCheckpoint appends a snapshot with the next sequence number,
// evicts checkpoints beyond the retention window and keeps the metric
// counters in sync. Only sessions actively making progress may
// checkpoint.
func AppendCheckpoint(session *models.Session, data json.RawMessage) (*models.Checkpoint, error) {
	switch session.Status {
	case models.SessionStatusRunning, models.SessionStatusPaused, models.SessionStatusDegraded:
	default:
		return nil, apperrors.Newf(apperrors.CodeInvalidTransition,
			"session %s cannot checkpoint while %s", session.ID, session.Status)
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "checkpoint data must not be empty")
	}

	now := time.Now().UTC()
	checkpoint := models.Checkpoint{
		ID:        uuid.New(),
		SessionID: session.ID,
		TenantID:  session.TenantID,
		Sequence:  session.LastCheckpointSequence() + 1,
		Data:      data,
		CreatedAt: now,
	}
	session.Checkpoints = append(session.Checkpoints, checkpoint)

	if window := session.RetentionWindow(); len(session.Checkpoints) > window {
		evict := len(session.Checkpoints) - window
		session.Checkpoints = session.Checkpoints[evict:]
	}

	session.Metrics.CheckpointCount = len(session.Checkpoints)
	session.Metrics.LastCheckpointAt = &now
	session.UpdatedAt = now
	return &checkpoint, nil
}

// RecordFailure moves the session to FAILED (or TIMEOUT) and stores the
// cause. Retryable failures consume one unit of the retry budget; the
// budget and checkpoint gate together decide whether the session can
// come back to PENDING.
func RecordFailure(session *models.Session, cause string, retryable, timeout bool) error {
	target := models.SessionStatusFailed
	if timeout {
		target = models.SessionStatusTimeout
	}
	if err := Transition(session, target); err != nil {
		return err
	}
	session.LastError = cause
	if retryable {
		session.RetryCount++
		session.Metrics.Retries++
	} else {
		// Exhaust the budget so CanRetry stays closed
		budget := session.MaxRetries
		if budget == 0 {
			budget = 3
		}
		session.RetryCount = budget
	}
	return nil
}
