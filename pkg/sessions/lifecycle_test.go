package sessions

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/models"
)

func newSession(t *testing.T) *models.Session {
	t.Helper()
	session, err := models.NewSession(uuid.New(), "Implement OAuth token refresh", "Add rotating refresh tokens",
		models.SessionTypeExecution, models.PriorityHigh)
	require.NoError(t, err)
	return session
}

func runningSession(t *testing.T) *models.Session {
	t.Helper()
	session := newSession(t)
	require.NoError(t, Transition(session, models.SessionStatusRunning))
	return session
}

func TestTransitionHappyPath(t *testing.T) {
	session := newSession(t)

	require.NoError(t, Transition(session, models.SessionStatusRunning))
	assert.Equal(t, models.SessionStatusRunning, session.Status)
	require.NotNil(t, session.Metrics.StartedAt)

	require.NoError(t, Transition(session, models.SessionStatusCompleted))
	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	require.NotNil(t, session.Metrics.CompletedAt)
	assert.True(t, session.Status.IsTerminal())
}

func TestInvalidTransitionsRejected(t *testing.T) {
	cases := []struct {
		name string
		from models.SessionStatus
		to   models.SessionStatus
	}{
		{"pending to completed", models.SessionStatusPending, models.SessionStatusCompleted},
		{"completed is terminal", models.SessionStatusCompleted, models.SessionStatusRunning},
		{"cancelled is terminal", models.SessionStatusCancelled, models.SessionStatusPending},
		{"queued to paused", models.SessionStatusQueued, models.SessionStatusPaused},
		{"self transition", models.SessionStatusRunning, models.SessionStatusRunning},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			session := newSession(t)
			session.Status = tc.from
			err := Transition(session, tc.to)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))
			assert.Equal(t, tc.from, session.Status, "status must not change on rejection")
		})
	}
}

func TestStartedAtStampedOnce(t *testing.T) {
	session := runningSession(t)
	first := *session.Metrics.StartedAt

	require.NoError(t, Transition(session, models.SessionStatusPaused))
	require.NoError(t, Transition(session, models.SessionStatusRunning))
	assert.Equal(t, first, *session.Metrics.StartedAt)
}

func TestRetryGate(t *testing.T) {
	session := runningSession(t)
	_, err := AppendCheckpoint(session, json.RawMessage(`{"progress":0.5}`))
	require.NoError(t, err)

	require.NoError(t, RecordFailure(session, "executor 5xx", true, false))
	assert.Equal(t, models.SessionStatusFailed, session.Status)
	assert.Equal(t, 1, session.RetryCount)
	require.NotNil(t, session.Metrics.FailedAt)

	require.NoError(t, Transition(session, models.SessionStatusPending))
	assert.Equal(t, models.SessionStatusPending, session.Status)
	assert.Nil(t, session.Metrics.FailedAt)
	assert.Empty(t, session.LastError)
}

func TestRetryRequiresCheckpoint(t *testing.T) {
	session := runningSession(t)

	require.NoError(t, RecordFailure(session, "executor 5xx", true, false))
	err := Transition(session, models.SessionStatusPending)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))
}

func TestRetryBudgetExhausted(t *testing.T) {
	session := runningSession(t)
	_, err := AppendCheckpoint(session, json.RawMessage(`{"progress":0.1}`))
	require.NoError(t, err)
	session.RetryCount = session.MaxRetries

	require.NoError(t, RecordFailure(session, "executor 5xx", true, false))
	err = Transition(session, models.SessionStatusPending)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))
}

func TestNonRetryableFailureClosesRetry(t *testing.T) {
	session := runningSession(t)
	_, err := AppendCheckpoint(session, json.RawMessage(`{"progress":0.9}`))
	require.NoError(t, err)

	require.NoError(t, RecordFailure(session, "invalid credentials", false, false))
	assert.False(t, session.CanRetry())
}

func TestTimeoutFailure(t *testing.T) {
	session := runningSession(t)
	require.NoError(t, RecordFailure(session, "duration budget exceeded", true, true))
	assert.Equal(t, models.SessionStatusTimeout, session.Status)
	require.NotNil(t, session.Metrics.FailedAt)
}

func TestCheckpointSequenceAndCounters(t *testing.T) {
	session := runningSession(t)

	for i := 1; i <= 3; i++ {
		cp, err := AppendCheckpoint(session, json.RawMessage(`{"step":1}`))
		require.NoError(t, err)
		assert.Equal(t, i, cp.Sequence)
	}
	assert.Equal(t, 3, session.Metrics.CheckpointCount)
	require.NotNil(t, session.Metrics.LastCheckpointAt)
}

func TestCheckpointRejectedOutsideProgressStates(t *testing.T) {
	session := newSession(t)
	_, err := AppendCheckpoint(session, json.RawMessage(`{"step":1}`))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))
}

func TestCheckpointRetentionEvictsOldest(t *testing.T) {
	session := runningSession(t)
	session.CheckpointRetention = 5

	for i := 0; i < 5; i++ {
		_, err := AppendCheckpoint(session, json.RawMessage(`{"step":1}`))
		require.NoError(t, err)
	}
	require.Len(t, session.Checkpoints, 5)
	oldest := session.Checkpoints[0].Sequence

	// The insert at the cap evicts exactly the oldest entry
	cp, err := AppendCheckpoint(session, json.RawMessage(`{"step":2}`))
	require.NoError(t, err)
	assert.Len(t, session.Checkpoints, 5)
	assert.Equal(t, 6, cp.Sequence)
	assert.Equal(t, oldest+1, session.Checkpoints[0].Sequence)
	assert.Equal(t, 5, session.Metrics.CheckpointCount)
}

func TestHealthScoreComponents(t *testing.T) {
	session := newSession(t)
	now := time.Now().UTC()

	// Fresh session: everything healthy
	assert.InDelta(t, 1.0, HealthScore(session, now), 1e-9)

	started := now.Add(-time.Duration(session.MaxDurationSeconds/2) * time.Second)
	session.Metrics.StartedAt = &started
	session.Metrics.SubtasksTotal = 4
	session.Metrics.SubtasksDone = 2
	session.Metrics.APICalls = 10
	session.Metrics.APIErrors = 5
	session.Metrics.Retries = 3

	// subtasks 0.5*0.4 + api 0.5*0.2 + retries 0*0.2 + elapsed 0.5*0.2
	assert.InDelta(t, 0.4, HealthScore(session, now), 1e-6)
}

func TestHealthScoreElapsedIsCapped(t *testing.T) {
	session := newSession(t)
	started := time.Now().UTC().Add(-48 * time.Hour)
	session.Metrics.StartedAt = &started

	score := HealthScore(session, time.Now().UTC())
	assert.InDelta(t, 0.8, score, 1e-6, "overrun sessions bottom out the elapsed component only")
	assert.GreaterOrEqual(t, score, 0.0)
}
