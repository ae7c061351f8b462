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
	"github.com/sessionmesh/sessionmesh/pkg/events"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

func TestRegisterAndGet(t *testing.T) {
	repo := newFakeAgentRepo()
	registry := testRegistry(repo)

	agent := implementer(uuid.New(), "Billing Implementer")
	ctx := auth.WithTenantID(context.Background(), agent.TenantID)
	require.NoError(t, registry.Register(ctx, agent))

	got, err := registry.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)

	// A different tenant cannot see it
	foreign := auth.WithTenantID(context.Background(), uuid.New())
	_, err = registry.Get(foreign, agent.ID)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestHeartbeatRevivesInactiveAgent(t *testing.T) {
	repo := newFakeAgentRepo()
	registry := testRegistry(repo)

	agent := implementer(uuid.New(), "Flaky Implementer")
	ctx := auth.WithTenantID(context.Background(), agent.TenantID)
	require.NoError(t, registry.Register(ctx, agent))

	require.NoError(t, repo.SetActive(ctx, agent.ID, false))
	agent.IsActive = false

	require.NoError(t, registry.Heartbeat(ctx, agent.ID))
	got, err := registry.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

func TestSweepMarksLapsedAgentsInactive(t *testing.T) {
	repo := newFakeAgentRepo()
	logger := observability.NewNoopLogger()
	bus := events.NewBus(nil, logger, observability.NewNoopMetricsClient())
	registry := NewRegistry(repo, bus, logger, observability.NewNoopMetricsClient(), RegistryConfig{
		HeartbeatTimeout: 10 * time.Millisecond,
		InactiveAfter:    20 * time.Millisecond,
	})

	agent := implementer(uuid.New(), "Silent Implementer")
	agent.LastActiveAt = time.Now().UTC().Add(-time.Minute)
	ctx := auth.WithTenantID(context.Background(), agent.TenantID)
	require.NoError(t, registry.Register(ctx, agent))

	registry.sweep(context.Background())

	got, err := registry.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestRecordOutcomePromotesTier(t *testing.T) {
	repo := newFakeAgentRepo()
	registry := testRegistry(repo)

	agent := implementer(uuid.New(), "Improving Implementer")
	ctx := auth.WithTenantID(context.Background(), agent.TenantID)
	require.NoError(t, registry.Register(ctx, agent))
	require.Equal(t, models.TierTrainee, agent.Performance.Tier)

	for i := 0; i < 20; i++ {
		require.NoError(t, registry.RecordOutcome(ctx, agent.ID, true, false, 0.95, 120, 4000, 0.12))
	}

	got, err := registry.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TierElite, got.Performance.Tier)
	assert.EqualValues(t, 20, got.Performance.Total)
}

func TestDeregisterRemovesFromRouting(t *testing.T) {
	repo := newFakeAgentRepo()
	registry := testRegistry(repo)

	agent := implementer(uuid.New(), "Retired Implementer")
	seedPerformance(agent, 9, 0, 1, 0.8)
	ctx := auth.WithTenantID(context.Background(), agent.TenantID)
	require.NoError(t, registry.Register(ctx, agent))
	require.NoError(t, registry.Deregister(ctx, agent.ID, agent.Version))

	router := NewRouter(registry, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	_, err := router.Route(ctx, RouteRequest{
		RequiredCapabilities: []models.Capability{models.CapCodeGeneration},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoAgentAvailable))
}
