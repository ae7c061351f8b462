package agents

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/sessionmesh/sessionmesh/pkg/coordination"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

const reserveAttempts = 3

// reserveScript increments the agent's load counter only while below
// capacity. Returns the new count on success, -1 when the agent is full.
const reserveScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local capacity = tonumber(ARGV[1])
if current >= capacity then
	return -1
end
return redis.call('INCRBY', KEYS[1], 1)
`

// releaseReservationScript decrements without going below zero
const releaseReservationScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
	return 0
end
return redis.call('DECRBY', KEYS[1], 1)
`

// Reservation is a held slot on an agent. Release is idempotent per
// instance and must be called when the assignment ends.
type Reservation struct {
	AgentID  uuid.UUID
	Current  int64
	reserver *Reserver
	released bool
}

// Reserver hands out capacity slots on agents through the coordination
// store so that concurrent routers on different nodes cannot oversubscribe
// an agent between scoring and assignment.
type Reserver struct {
	store   *coordination.Client
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewReserver creates a reserver over the coordination store
func NewReserver(store *coordination.Client, logger observability.Logger, metrics observability.MetricsClient) *Reserver {
	return &Reserver{store: store, logger: logger, metrics: metrics}
}

// Reserve atomically claims a slot on the agent, retrying contention a
// few times with backoff before giving up with AGENT_CONTENDED.
func (r *Reserver) Reserve(ctx context.Context, agent *models.Agent) (*Reservation, error) {
	key := loadKey(agent.ID)
	capacity := strconv.FormatFloat(agent.Load.Capacity, 'f', -1, 64)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond

	var current int64
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		result, err := r.store.Eval(ctx, reserveScript, []string{key}, capacity)
		if err != nil {
			return backoff.Permanent(err)
		}
		n, ok := result.(int64)
		if !ok || n < 0 {
			return apperrors.Newf(apperrors.CodeAgentContended, "agent %s is at capacity", agent.ID)
		}
		current = n
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, reserveAttempts-1), ctx))
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeAgentContended) {
			r.metrics.IncrementCounter("agents.reservation_contended", 1)
		}
		return nil, err
	}

	r.metrics.RecordGauge("agents.reserved_slots", float64(current), map[string]string{
		"agent_id": agent.ID.String(),
	})
	return &Reservation{AgentID: agent.ID, Current: current, reserver: r}, nil
}

// Release returns the slot. Safe to call more than once.
func (res *Reservation) Release(ctx context.Context) error {
	if res.released {
		return nil
	}
	res.released = true

	_, err := res.reserver.store.Eval(ctx, releaseReservationScript, []string{loadKey(res.AgentID)})
	if err != nil {
		res.reserver.logger.Warn("Failed to release agent reservation", map[string]interface{}{
			"agent_id": res.AgentID.String(),
			"error":    err.Error(),
		})
		return err
	}
	return nil
}

// LoadOf reads the agent's current reserved-slot count
func (r *Reserver) LoadOf(ctx context.Context, agentID uuid.UUID) (int64, error) {
	value, found, err := r.store.Get(ctx, loadKey(agentID))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeInternal, "corrupt agent load counter")
	}
	return n, nil
}

func loadKey(agentID uuid.UUID) string {
	return coordination.NamespaceAgentLoad + agentID.String()
}
