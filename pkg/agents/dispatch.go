package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

const dispatchTimeout = 60 * time.Second

// DispatchRequest is the payload posted to an external agent's endpoint
type DispatchRequest struct {
	TaskID    uuid.UUID              `json:"task_id"`
	SessionID uuid.UUID              `json:"session_id"`
	Prompt    string                 `json:"prompt"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// DispatchResponse is what an external agent acknowledges a task with
type DispatchResponse struct {
	Accepted  bool   `json:"accepted"`
	Reference string `json:"reference,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Dispatcher delivers task assignments to externally hosted agents over
// HTTP. In-process agents are invoked directly by the orchestrator; this
// client only handles agents registered with an endpoint URL.
type Dispatcher struct {
	client  *http.Client
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewDispatcher creates an external-agent dispatcher
func NewDispatcher(logger observability.Logger, metrics observability.MetricsClient) *Dispatcher {
	return &Dispatcher{
		client:  &http.Client{Timeout: dispatchTimeout},
		logger:  logger,
		metrics: metrics,
	}
}

// Dispatch posts the assignment to {endpoint}/task authenticated with the
// agent's token. Non-2xx responses and transport failures come back as
// EXECUTOR_FAILED so the orchestrator can fail or retry the session.
func (d *Dispatcher) Dispatch(ctx context.Context, agent *models.Agent, req DispatchRequest) (*DispatchResponse, error) {
	if agent.Endpoint == "" {
		return nil, apperrors.Newf(apperrors.CodeValidation, "agent %s has no external endpoint", agent.ID)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to encode dispatch request")
	}

	url := strings.TrimRight(agent.Endpoint, "/") + "/task"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to build dispatch request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if agent.AuthToken != "" {
		httpReq.Header.Set("X-Agent-Token", agent.AuthToken)
	}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.metrics.IncrementCounterWithLabels("agents.dispatch", 1, map[string]string{"outcome": "transport_error"})
		return nil, apperrors.Wrap(err, apperrors.CodeExecutorFailed, "external agent unreachable")
	}
	defer resp.Body.Close()
	d.metrics.RecordDuration("agents.dispatch_duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		d.metrics.IncrementCounterWithLabels("agents.dispatch", 1, map[string]string{"outcome": "rejected"})
		return nil, apperrors.Newf(apperrors.CodeExecutorFailed,
			"external agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out DispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeExecutorFailed, "external agent sent an unreadable response")
	}
	if !out.Accepted {
		d.metrics.IncrementCounterWithLabels("agents.dispatch", 1, map[string]string{"outcome": "declined"})
		return nil, apperrors.Newf(apperrors.CodeExecutorFailed, "external agent declined the task: %s", out.Message)
	}

	d.metrics.IncrementCounterWithLabels("agents.dispatch", 1, map[string]string{"outcome": "accepted"})
	d.logger.Info("Dispatched task to external agent", map[string]interface{}{
		"agent_id": agent.ID.String(),
		"task_id":  req.TaskID.String(),
	})
	return &out, nil
}
