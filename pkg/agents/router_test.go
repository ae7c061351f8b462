package agents

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionmesh/sessionmesh/pkg/auth"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

func testRouter(t *testing.T, agents ...*models.Agent) (*Router, *Registry, context.Context) {
	t.Helper()
	repo := newFakeAgentRepo()
	registry := testRegistry(repo)

	var tenant uuid.UUID
	for _, agent := range agents {
		tenant = agent.TenantID
		ctx := auth.WithTenantID(context.Background(), agent.TenantID)
		require.NoError(t, registry.Register(ctx, agent))
	}
	router := NewRouter(registry, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	return router, registry, auth.WithTenantID(context.Background(), tenant)
}

// seedPerformance drives the counters to the requested rate and recomputes
// the tier from them, the same way live outcome recording would.
func seedPerformance(agent *models.Agent, successes, partials, failures int64, quality float64) {
	agent.Performance.Successful = successes
	agent.Performance.Partial = partials
	agent.Performance.Failed = failures
	agent.Performance.Total = successes + partials + failures
	agent.Performance.AvgQuality = quality
	agent.Performance.RecomputeTier()
}

func TestRouteLoadBeatsTier(t *testing.T) {
	tenant := uuid.New()

	idle := implementer(tenant, "Steady Implementer")
	seedPerformance(idle, 84, 0, 16, 0.80)
	require.Equal(t, models.TierCompetent, idle.Performance.Tier)
	idle.Load = models.AgentLoad{Current: 0, Capacity: 5}

	busy := implementer(tenant, "Star Implementer", models.CapTestGeneration)
	seedPerformance(busy, 95, 0, 5, 0.95)
	require.Equal(t, models.TierElite, busy.Performance.Tier)
	busy.Load = models.AgentLoad{Current: 4, Capacity: 5}

	router, registry, ctx := testRouter(t, idle, busy)

	result, err := router.Route(ctx, RouteRequest{
		RequiredCapabilities: []models.Capability{models.CapCodeGeneration},
		Complexity:           1.0,
	})
	require.NoError(t, err)
	assert.Equal(t, idle.ID, result.Agent.ID, "idle competent agent outranks the loaded elite one")

	// Saturate the winner: it drops out of eligibility and the elite
	// agent takes over.
	registry.UpdateLoad(idle.ID, models.AgentLoad{Current: 5, Capacity: 5})
	result, err = router.Route(ctx, RouteRequest{
		RequiredCapabilities: []models.Capability{models.CapCodeGeneration},
		Complexity:           1.0,
	})
	require.NoError(t, err)
	assert.Equal(t, busy.ID, result.Agent.ID)
}

func TestRouteRequiresAllCapabilities(t *testing.T) {
	tenant := uuid.New()
	plain := implementer(tenant, "Plain Implementer")
	full := implementer(tenant, "Full Stack Implementer", models.CapTestGeneration)
	seedPerformance(plain, 9, 0, 1, 0.8)
	seedPerformance(full, 9, 0, 1, 0.8)

	router, _, ctx := testRouter(t, plain, full)

	result, err := router.Route(ctx, RouteRequest{
		RequiredCapabilities: []models.Capability{models.CapCodeGeneration, models.CapTestGeneration},
	})
	require.NoError(t, err)
	assert.Equal(t, full.ID, result.Agent.ID)
}

func TestRouteSkipsDegradedAndMaintenance(t *testing.T) {
	tenant := uuid.New()

	degraded := implementer(tenant, "Struggling Implementer")
	seedPerformance(degraded, 1, 0, 9, 0.3)
	require.Equal(t, models.TierDegraded, degraded.Performance.Tier)

	parked := implementer(tenant, "Parked Implementer")
	seedPerformance(parked, 9, 0, 1, 0.8)
	parked.MaintenanceMode = true

	router, _, ctx := testRouter(t, degraded, parked)

	_, err := router.Route(ctx, RouteRequest{
		RequiredCapabilities: []models.Capability{models.CapCodeGeneration},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoAgentAvailable))
}

func TestRouteSkipsAvoidedTechnology(t *testing.T) {
	tenant := uuid.New()
	averse := implementer(tenant, "Go Only Implementer")
	averse.AvoidedTechnologies = []string{"php"}
	seedPerformance(averse, 9, 0, 1, 0.8)

	router, _, ctx := testRouter(t, averse)

	_, err := router.Route(ctx, RouteRequest{
		RequiredCapabilities: []models.Capability{models.CapCodeGeneration},
		Technologies:         []string{"php"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoAgentAvailable))
}

func TestRoutePrefersPrimaryOverSecondary(t *testing.T) {
	tenant := uuid.New()

	primary := implementer(tenant, "Test Focused Implementer")
	primary.PrimaryCapabilities = []models.Capability{models.CapTestGeneration}
	seedPerformance(primary, 8, 0, 2, 0.8)

	secondary := implementer(tenant, "Generalist Implementer", models.CapTestGeneration)
	seedPerformance(secondary, 8, 0, 2, 0.8)

	router, _, ctx := testRouter(t, primary, secondary)

	result, err := router.Route(ctx, RouteRequest{
		RequiredCapabilities: []models.Capability{models.CapTestGeneration},
	})
	require.NoError(t, err)
	assert.Equal(t, primary.ID, result.Agent.ID)
}

func TestRouteTieBreaksByLoadThenSeniority(t *testing.T) {
	tenant := uuid.New()

	older := implementer(tenant, "First Implementer")
	seedPerformance(older, 8, 0, 2, 0.8)
	older.LastActiveAt = time.Now().UTC().Add(-time.Hour)

	newer := implementer(tenant, "Second Implementer")
	seedPerformance(newer, 8, 0, 2, 0.8)
	newer.LastActiveAt = time.Now().UTC()

	router, _, ctx := testRouter(t, older, newer)

	result, err := router.Route(ctx, RouteRequest{
		RequiredCapabilities: []models.Capability{models.CapCodeGeneration},
	})
	require.NoError(t, err)
	assert.Equal(t, older.ID, result.Agent.ID, "equal scores fall back to the longest-idle agent")
}

func TestRouteIsTenantScoped(t *testing.T) {
	agent := implementer(uuid.New(), "Neighbor Implementer")
	seedPerformance(agent, 9, 0, 1, 0.8)

	router, _, _ := testRouter(t, agent)

	otherTenant := auth.WithTenantID(context.Background(), uuid.New())
	_, err := router.Route(otherTenant, RouteRequest{
		RequiredCapabilities: []models.Capability{models.CapCodeGeneration},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoAgentAvailable))
}

func TestComplexityAlignmentBands(t *testing.T) {
	assert.InDelta(t, 1.0, complexityAlignment(2.5, models.PrefExpert), 1e-9)
	assert.InDelta(t, 1.0, complexityAlignment(2.0, models.PrefComplex), 1e-9)
	assert.InDelta(t, 0.8, complexityAlignment(1.7, models.PrefMedium), 1e-9)
	assert.InDelta(t, 0.8, complexityAlignment(1.5, models.PrefComplex), 1e-9)
	assert.InDelta(t, 0.6, complexityAlignment(1.0, models.PrefMedium), 1e-9)
	assert.InDelta(t, 0.6, complexityAlignment(3.0, models.PrefSimple), 1e-9)
}
