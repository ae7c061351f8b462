package agents

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/sessionmesh/sessionmesh/pkg/auth"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

// Scoring weights; they sum to 1.0 before the tier multiplier
const (
	weightCapability  = 0.25
	weightSuccessRate = 0.30
	weightLoad        = 0.15
	weightTechnology  = 0.15
	weightSessionType = 0.05
	weightComplexity  = 0.10
)

// RouteRequest describes the task needing an agent
type RouteRequest struct {
	RequiredCapabilities []models.Capability `json:"required_capabilities"`
	Complexity           float64             `json:"complexity"`
	Technologies         []string            `json:"technologies,omitempty"`
	SessionType          models.SessionType  `json:"session_type,omitempty"`
}

// RouteResult is the chosen agent with its score breakdown
type RouteResult struct {
	Agent *models.Agent      `json:"agent"`
	Score float64            `json:"score"`
	Parts map[string]float64 `json:"score_parts,omitempty"`
}

// Router selects the best-fit agent for a task
type Router struct {
	registry *Registry
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewRouter creates a router over the registry
func NewRouter(registry *Registry, logger observability.Logger, metrics observability.MetricsClient) *Router {
	return &Router{registry: registry, logger: logger, metrics: metrics}
}

// Route filters and scores the tenant's agents, returning the winner.
// Ties break by lowest load, then earliest last_active_at. Returns
// NO_AGENT_AVAILABLE when nobody qualifies.
func (r *Router) Route(ctx context.Context, req RouteRequest) (*RouteResult, error) {
	tenant, err := auth.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	if len(req.RequiredCapabilities) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "required_capabilities must not be empty")
	}

	candidates := r.eligible(tenant, req)
	if len(candidates) == 0 {
		r.metrics.IncrementCounter("router.no_agent_available", 1)
		return nil, apperrors.New(apperrors.CodeNoAgentAvailable, "no agent satisfies the routing constraints")
	}

	results := make([]*RouteResult, 0, len(candidates))
	for _, agent := range candidates {
		score, parts := r.score(agent, req)
		results = append(results, &RouteResult{Agent: agent, Score: score, Parts: parts})
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Agent.Load.Utilization() != b.Agent.Load.Utilization() {
			return a.Agent.Load.Utilization() < b.Agent.Load.Utilization()
		}
		return a.Agent.LastActiveAt.Before(b.Agent.LastActiveAt)
	})

	winner := results[0]
	r.metrics.IncrementCounterWithLabels("router.routed", 1, map[string]string{
		"agent_type": string(winner.Agent.AgentType),
	})
	r.logger.Debug("Routed task to agent", map[string]interface{}{
		"agent_id": winner.Agent.ID.String(),
		"score":    winner.Score,
	})
	return winner, nil
}

// eligible applies the hard filters: active, not in maintenance, holds
// every required capability, not overloaded, not DEGRADED, and not
// avoiding any of the task's technologies.
func (r *Router) eligible(tenantID uuid.UUID, req RouteRequest) []*models.Agent {
	seen := map[uuid.UUID]bool{}
	var out []*models.Agent

	for _, agent := range r.registry.candidates(tenantID, req.RequiredCapabilities[0]) {
		if seen[agent.ID] {
			continue
		}
		seen[agent.ID] = true

		if !agent.IsActive || agent.MaintenanceMode {
			continue
		}
		if agent.Performance.Tier == models.TierDegraded {
			continue
		}
		if agent.Load.Level() == models.LoadOverloaded {
			continue
		}
		hasAll := true
		for _, capability := range req.RequiredCapabilities {
			if !agent.HasCapability(capability) {
				hasAll = false
				break
			}
		}
		if !hasAll {
			continue
		}
		avoided := false
		for _, tech := range req.Technologies {
			if agent.AvoidsTechnology(tech) {
				avoided = true
				break
			}
		}
		if avoided {
			continue
		}
		out = append(out, agent)
	}
	return out
}

// score computes the weighted suitability in [0, ~1.1]
func (r *Router) score(agent *models.Agent, req RouteRequest) (float64, map[string]float64) {
	capability := 0.0
	for _, required := range req.RequiredCapabilities {
		switch {
		case agent.HasPrimaryCapability(required):
			capability += 1.0
		case agent.HasSecondaryCapability(required):
			capability += 0.7
		default:
			capability += 0.3
		}
	}
	capability /= float64(len(req.RequiredCapabilities))

	success := agent.Performance.OverallSuccessRate()

	headroom := 1 - agent.Load.Utilization()
	if headroom < 0 {
		headroom = 0
	}

	technology := 1.0
	if len(req.Technologies) > 0 {
		matches := 0
		for _, tech := range req.Technologies {
			if agent.PrefersTechnology(tech) {
				matches++
			}
		}
		technology = float64(matches) / float64(len(req.Technologies))
	}

	sessionType := 1.0
	if req.SessionType != "" && !agent.PrefersSessionType(req.SessionType) {
		sessionType = 0.3
	}

	complexity := complexityAlignment(req.Complexity, agent.ComplexityPreference)

	parts := map[string]float64{
		"capability_match": capability,
		"success_rate":     success,
		"load_headroom":    headroom,
		"technology_match": technology,
		"session_type":     sessionType,
		"complexity":       complexity,
	}

	score := weightCapability*capability +
		weightSuccessRate*success +
		weightLoad*headroom +
		weightTechnology*technology +
		weightSessionType*sessionType +
		weightComplexity*complexity

	return score * agent.Performance.Tier.Multiplier(), parts
}

// complexityAlignment is the stepwise factor from the routing table
func complexityAlignment(complexity float64, preference models.ComplexityPreference) float64 {
	prefersComplex := preference == models.PrefComplex || preference == models.PrefExpert
	prefersAtLeastMedium := prefersComplex || preference == models.PrefMedium

	switch {
	case complexity >= 2 && prefersComplex:
		return 1.0
	case complexity >= 1.5 && prefersAtLeastMedium:
		return 0.8
	default:
		return 0.6
	}
}
