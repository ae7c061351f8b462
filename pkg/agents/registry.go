// Package agents implements the worker registry and the capability-based
// router. Agents register with validated capabilities, heartbeat to stay
// routable, and are scored per task by capability match, track record,
// load headroom and preference alignment.
package agents

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionmesh/sessionmesh/pkg/auth"
	"github.com/sessionmesh/sessionmesh/pkg/events"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
	"github.com/sessionmesh/sessionmesh/pkg/repository"
)

// Heartbeat policy
const (
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultInactiveAfter    = 120 * time.Second
	sweepInterval           = 15 * time.Second
)

// Registry tracks agents and keeps capability and tag indexes current.
// The database is authoritative; the in-memory indexes are a routing
// accelerator rebuilt on registration and sweep.
type Registry struct {
	repo    repository.AgentRepository
	bus     *events.Bus
	logger  observability.Logger
	metrics observability.MetricsClient

	heartbeatTimeout time.Duration
	inactiveAfter    time.Duration

	mu           sync.RWMutex
	byID         map[uuid.UUID]*models.Agent
	byCapability map[models.Capability]map[uuid.UUID]bool
	byTag        map[string]map[uuid.UUID]bool
	lastBeat     map[uuid.UUID]time.Time
}

// RegistryConfig tunes heartbeat policy
type RegistryConfig struct {
	HeartbeatTimeout time.Duration
	InactiveAfter    time.Duration
}

// NewRegistry creates an agent registry
func NewRegistry(repo repository.AgentRepository, bus *events.Bus, logger observability.Logger, metrics observability.MetricsClient, cfg RegistryConfig) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.InactiveAfter <= 0 {
		cfg.InactiveAfter = DefaultInactiveAfter
	}
	return &Registry{
		repo:             repo,
		bus:              bus,
		logger:           logger,
		metrics:          metrics,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		inactiveAfter:    cfg.InactiveAfter,
		byID:             map[uuid.UUID]*models.Agent{},
		byCapability:     map[models.Capability]map[uuid.UUID]bool{},
		byTag:            map[string]map[uuid.UUID]bool{},
		lastBeat:         map[uuid.UUID]time.Time{},
	}
}

// Register validates, persists and indexes the agent
func (r *Registry) Register(ctx context.Context, agent *models.Agent) error {
	if err := r.repo.Create(ctx, agent); err != nil {
		return err
	}
	r.index(agent)

	r.metrics.IncrementCounterWithLabels("agents.registered", 1, map[string]string{
		"agent_type": string(agent.AgentType),
	})
	r.bus.Publish(ctx, events.New(events.EventAgentRegistered, agent.TenantID, uuid.Nil, map[string]interface{}{
		"agent_id":   agent.ID.String(),
		"agent_type": string(agent.AgentType),
		"name":       agent.Name,
	}))
	return nil
}

// Deregister soft-deletes the agent and drops it from the indexes
func (r *Registry) Deregister(ctx context.Context, id uuid.UUID, version int) error {
	if err := r.repo.SoftDelete(ctx, id, version); err != nil {
		return err
	}
	r.unindex(id)
	return nil
}

// Get returns the agent from the index, falling back to the database
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	tenant, err := auth.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	agent, ok := r.byID[id]
	r.mu.RUnlock()
	if ok && agent.TenantID == tenant {
		return agent, nil
	}
	agent, err = r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.index(agent)
	return agent, nil
}

// List returns the tenant's agents from the database
func (r *Registry) List(ctx context.Context, filter repository.AgentFilter) ([]*models.Agent, error) {
	return r.repo.List(ctx, filter)
}

// Heartbeat records liveness, reviving an agent that was marked inactive
func (r *Registry) Heartbeat(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	if err := r.repo.TouchLastActive(ctx, id, now); err != nil {
		return err
	}
	r.mu.Lock()
	r.lastBeat[id] = now
	if agent, ok := r.byID[id]; ok {
		agent.IsActive = true
		agent.LastActiveAt = now
	}
	r.mu.Unlock()
	return nil
}

// UpdateLoad replaces an indexed agent's load snapshot
func (r *Registry) UpdateLoad(id uuid.UUID, load models.AgentLoad) {
	r.mu.Lock()
	if agent, ok := r.byID[id]; ok {
		agent.Load = load
	}
	r.mu.Unlock()
}

// RecordOutcome feeds a finished task's result back into the agent's
// performance counters and persists the recomputed tier.
func (r *Registry) RecordOutcome(ctx context.Context, id uuid.UUID, success, partial bool, quality, execSeconds, tokens, cost float64) error {
	agent, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	agent.RecordOutcome(success, partial, quality, execSeconds, tokens, cost)
	return r.repo.Update(ctx, agent)
}

// RunSweeper periodically marks agents inactive whose heartbeat lapsed
// beyond inactiveAfter. Blocks until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	now := time.Now().UTC()
	var lapsed []*models.Agent

	r.mu.Lock()
	for id, agent := range r.byID {
		if !agent.IsActive {
			continue
		}
		beat, ok := r.lastBeat[id]
		if !ok {
			beat = agent.LastActiveAt
		}
		if now.Sub(beat) > r.inactiveAfter {
			agent.IsActive = false
			lapsed = append(lapsed, agent)
		}
	}
	r.mu.Unlock()

	for _, agent := range lapsed {
		agentCtx := auth.WithTenantID(ctx, agent.TenantID)
		if err := r.repo.SetActive(agentCtx, agent.ID, false); err != nil {
			r.logger.Warn("Failed to persist lapsed heartbeat", map[string]interface{}{
				"agent_id": agent.ID.String(),
				"error":    err.Error(),
			})
		}
		r.metrics.IncrementCounter("agents.heartbeat_lost", 1)
		r.bus.Publish(agentCtx, events.New(events.EventAgentHeartbeatLost, agent.TenantID, uuid.Nil, map[string]interface{}{
			"agent_id": agent.ID.String(),
			"name":     agent.Name,
		}))
		r.logger.Info("Agent marked inactive after missed heartbeats", map[string]interface{}{
			"agent_id": agent.ID.String(),
		})
	}
}

// index adds the agent to the in-memory lookup structures
func (r *Registry) index(agent *models.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[agent.ID]; ok {
		r.removeFromIndexesLocked(existing)
	}
	r.byID[agent.ID] = agent
	for _, capability := range agent.PrimaryCapabilities {
		r.addCapabilityLocked(capability, agent.ID)
	}
	for _, capability := range agent.SecondaryCapabilities {
		r.addCapabilityLocked(capability, agent.ID)
	}
	for _, tag := range agent.Tags {
		if r.byTag[tag] == nil {
			r.byTag[tag] = map[uuid.UUID]bool{}
		}
		r.byTag[tag][agent.ID] = true
	}
	r.lastBeat[agent.ID] = agent.LastActiveAt
}

func (r *Registry) addCapabilityLocked(capability models.Capability, id uuid.UUID) {
	if r.byCapability[capability] == nil {
		r.byCapability[capability] = map[uuid.UUID]bool{}
	}
	r.byCapability[capability][id] = true
}

func (r *Registry) unindex(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.byID[id]; ok {
		r.removeFromIndexesLocked(agent)
	}
	delete(r.byID, id)
	delete(r.lastBeat, id)
}

func (r *Registry) removeFromIndexesLocked(agent *models.Agent) {
	for _, capability := range agent.PrimaryCapabilities {
		delete(r.byCapability[capability], agent.ID)
	}
	for _, capability := range agent.SecondaryCapabilities {
		delete(r.byCapability[capability], agent.ID)
	}
	for _, tag := range agent.Tags {
		delete(r.byTag[tag], agent.ID)
	}
}

// candidates returns indexed agents of one tenant holding the capability
func (r *Registry) candidates(tenantID uuid.UUID, capability models.Capability) []*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Agent
	for id := range r.byCapability[capability] {
		if agent, ok := r.byID[id]; ok && agent.TenantID == tenantID {
			out = append(out, agent)
		}
	}
	return out
}
