package agents

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionmesh/sessionmesh/pkg/auth"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/events"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
	"github.com/sessionmesh/sessionmesh/pkg/repository"
)

// fakeAgentRepo is an in-memory AgentRepository for registry tests
type fakeAgentRepo struct {
	mu     sync.Mutex
	agents map[uuid.UUID]*models.Agent
}

func newFakeAgentRepo() *fakeAgentRepo {
	return &fakeAgentRepo{agents: map[uuid.UUID]*models.Agent{}}
}

func (f *fakeAgentRepo) Create(ctx context.Context, agent *models.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[agent.ID] = agent
	return nil
}

func (f *fakeAgentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	tenant, err := auth.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[id]
	if !ok || agent.TenantID != tenant || agent.DeletedAt != nil {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "agent %s not found", id)
	}
	return agent, nil
}

func (f *fakeAgentRepo) List(ctx context.Context, filter repository.AgentFilter) ([]*models.Agent, error) {
	tenant, err := auth.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Agent
	for _, agent := range f.agents {
		if agent.TenantID != tenant {
			continue
		}
		if filter.ActiveOnly && !agent.IsActive {
			continue
		}
		out = append(out, agent)
	}
	return out, nil
}

func (f *fakeAgentRepo) Update(ctx context.Context, agent *models.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.agents[agent.ID]
	if !ok {
		return apperrors.Newf(apperrors.CodeNotFound, "agent %s not found", agent.ID)
	}
	if stored.Version != agent.Version {
		return apperrors.New(apperrors.CodeStaleVersion, "agent was modified concurrently")
	}
	agent.Version++
	f.agents[agent.ID] = agent
	return nil
}

func (f *fakeAgentRepo) SoftDelete(ctx context.Context, id uuid.UUID, version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[id]
	if !ok {
		return apperrors.Newf(apperrors.CodeNotFound, "agent %s not found", id)
	}
	now := time.Now().UTC()
	agent.DeletedAt = &now
	return nil
}

func (f *fakeAgentRepo) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.agents)), nil
}

func (f *fakeAgentRepo) TouchLastActive(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[id]
	if !ok {
		return apperrors.Newf(apperrors.CodeNotFound, "agent %s not found", id)
	}
	agent.LastActiveAt = at
	agent.IsActive = true
	return nil
}

func (f *fakeAgentRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[id]
	if !ok {
		return apperrors.Newf(apperrors.CodeNotFound, "agent %s not found", id)
	}
	agent.IsActive = active
	return nil
}

func testRegistry(repo repository.AgentRepository) *Registry {
	logger := observability.NewNoopLogger()
	bus := events.NewBus(nil, logger, observability.NewNoopMetricsClient())
	return NewRegistry(repo, bus, logger, observability.NewNoopMetricsClient(), RegistryConfig{})
}

func implementer(tenantID uuid.UUID, name string, secondary ...models.Capability) *models.Agent {
	agent, err := models.NewAgent(tenantID, name, models.AgentTypeImplementer,
		[]models.Capability{models.CapCodeGeneration}, secondary,
		models.AgentModelConfig{
			Model:                "anthropic/claude-sonnet",
			Temperature:          0.2,
			MaxTokens:            4096,
			SystemPromptTemplate: strings.Repeat("You are a careful implementation agent. ", 3),
		})
	if err != nil {
		panic(err)
	}
	return agent
}
