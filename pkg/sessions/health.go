package sessions

import (
	"time"

	"github.com/sessionmesh/sessionmesh/pkg/models"
)

// Health score component weights
const (
	healthWeightSubtasks  = 0.4
	healthWeightAPIErrors = 0.2
	healthWeightRetries   = 0.2
	healthWeightElapsed   = 0.2
)

// HealthScore derives a [0,1] indicator of how well the session is
// going: completed-subtask fraction, inverse API error rate, inverse
// retry rate and remaining duration budget, weighted 0.4/0.2/0.2/0.2.
// Used for monitoring and as a routing tiebreaker.
func HealthScore(session *models.Session, now time.Time) float64 {
	metrics := session.Metrics

	subtasks := 1.0
	if metrics.SubtasksTotal > 0 {
		subtasks = float64(metrics.SubtasksDone) / float64(metrics.SubtasksTotal)
	}

	apiHealth := 1.0
	if metrics.APICalls > 0 {
		apiHealth = 1 - float64(metrics.APIErrors)/float64(metrics.APICalls)
	}

	maxRetries := session.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	retryHealth := 1 - float64(metrics.Retries)/float64(maxRetries)
	if retryHealth < 0 {
		retryHealth = 0
	}

	elapsedHealth := 1.0
	if metrics.StartedAt != nil && session.MaxDurationSeconds > 0 {
		elapsed := now.Sub(*metrics.StartedAt).Seconds()
		used := elapsed / float64(session.MaxDurationSeconds)
		if used > 1 {
			used = 1
		}
		if used < 0 {
			used = 0
		}
		elapsedHealth = 1 - used
	}

	return healthWeightSubtasks*subtasks +
		healthWeightAPIErrors*apiHealth +
		healthWeightRetries*retryHealth +
		healthWeightElapsed*elapsedHealth
}
