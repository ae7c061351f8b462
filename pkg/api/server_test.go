package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionmesh/sessionmesh/pkg/agents"
	"github.com/sessionmesh/sessionmesh/pkg/auth"
	"github.com/sessionmesh/sessionmesh/pkg/config"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/events"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
	"github.com/sessionmesh/sessionmesh/pkg/repository"
	"github.com/sessionmesh/sessionmesh/pkg/services"
)

type stubSessions struct {
	createFn func(ctx context.Context, req services.CreateSessionRequest) (*models.Session, error)
	getFn    func(ctx context.Context, id uuid.UUID) (*models.Session, error)
	startFn  func(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

func (s *stubSessions) CreateSession(ctx context.Context, req services.CreateSessionRequest) (*models.Session, error) {
	return s.createFn(ctx, req)
}

func (s *stubSessions) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return s.getFn(ctx, id)
}

func (s *stubSessions) ListSessions(ctx context.Context, filter repository.SessionFilter, sorts []repository.Sort, page repository.Pagination) (*repository.Page[*models.Session], error) {
	return &repository.Page[*models.Session]{}, nil
}

func (s *stubSessions) StartSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return s.startFn(ctx, id)
}

func (s *stubSessions) AddCheckpoint(ctx context.Context, id uuid.UUID, data json.RawMessage, tokensUsed int64) (*models.Checkpoint, error) {
	return nil, apperrors.New(apperrors.CodeNotFound, "no such session")
}

func (s *stubSessions) CompleteSession(ctx context.Context, id uuid.UUID, req services.CompleteRequest) (*models.Session, error) {
	return nil, apperrors.New(apperrors.CodeNotFound, "no such session")
}

func (s *stubSessions) FailSession(ctx context.Context, id uuid.UUID, cause string, retryable, timeout bool) (*models.Session, error) {
	return nil, apperrors.New(apperrors.CodeNotFound, "no such session")
}

func (s *stubSessions) RetrySession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return nil, apperrors.New(apperrors.CodeNotFound, "no such session")
}

func (s *stubSessions) CancelSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return nil, apperrors.New(apperrors.CodeNotFound, "no such session")
}

func (s *stubSessions) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return nil
}

func (s *stubSessions) SearchSessions(ctx context.Context, query string, page repository.Pagination) (*repository.Page[*models.Session], error) {
	return &repository.Page[*models.Session]{}, nil
}

func (s *stubSessions) ListCheckpoints(ctx context.Context, id uuid.UUID, sinceSequence int) ([]models.Checkpoint, error) {
	return nil, apperrors.New(apperrors.CodeNotFound, "no such session")
}

func (s *stubSessions) AssignAgent(ctx context.Context, sessionID, taskID uuid.UUID) (*agents.RouteResult, error) {
	return nil, apperrors.New(apperrors.CodeNoAgentAvailable, "no eligible agents")
}

type stubRouter struct {
	routeFn func(ctx context.Context, req agents.RouteRequest) (*agents.RouteResult, error)
}

func (s *stubRouter) Route(ctx context.Context, req agents.RouteRequest) (*agents.RouteResult, error) {
	return s.routeFn(ctx, req)
}

func testServer(t *testing.T, sessions SessionService, router AgentRouter, apiCfg *config.APIConfig) *Server {
	t.Helper()

	logger := observability.NewNoopLogger()
	metrics := observability.NewNoopMetricsClient()

	cfg := config.APIConfig{RateLimitRPS: 1000, RateBurst: 2000}
	if apiCfg != nil {
		cfg = *apiCfg
	}

	return NewServer(ServerConfig{
		API:      cfg,
		Sessions: sessions,
		Router:   router,
		Bus:      events.NewBus(nil, logger, metrics),
		Logger:   logger,
		Metrics:  metrics,
	})
}

func doRequest(t *testing.T, s *Server, method, path string, tenantID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenantID != "" {
		req.Header.Set(auth.TenantHeader, tenantID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestTenantHeaderRequired(t *testing.T) {
	s := testServer(t, &stubSessions{}, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/sessions", "", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "TENANT_REQUIRED", body["code"])
}

func TestCreateSessionReturns201(t *testing.T) {
	tenantID := uuid.New()
	stub := &stubSessions{
		createFn: func(ctx context.Context, req services.CreateSessionRequest) (*models.Session, error) {
			got, err := auth.RequireTenantID(ctx)
			require.NoError(t, err)
			assert.Equal(t, tenantID, got)
			return models.NewSession(tenantID, req.Title, req.InitialPrompt, models.SessionTypeExecution, models.PriorityMedium)
		},
	}
	s := testServer(t, stub, nil, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/sessions", tenantID.String(), map[string]interface{}{
		"title":          "Implement retry backoff for the dispatch client",
		"initial_prompt": "Add exponential backoff with jitter to outbound task dispatch.",
		"session_type":   "EXECUTION",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, tenantID.String(), body["tenant_id"])
}

func TestMalformedSessionIDRejected(t *testing.T) {
	s := testServer(t, &stubSessions{}, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/sessions/not-a-uuid", uuid.New().String(), nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", decodeBody(t, rec)["code"])
}

func TestErrorCodesMapToStatuses(t *testing.T) {
	cases := []struct {
		code   apperrors.Code
		status int
	}{
		{apperrors.CodeNotFound, http.StatusNotFound},
		{apperrors.CodeInvalidTransition, http.StatusConflict},
		{apperrors.CodeQuotaExceeded, http.StatusTooManyRequests},
		{apperrors.CodeLockTimeout, http.StatusConflict},
	}

	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			stub := &stubSessions{
				startFn: func(ctx context.Context, id uuid.UUID) (*models.Session, error) {
					return nil, apperrors.New(tc.code, "induced failure")
				},
			}
			s := testServer(t, stub, nil, nil)

			rec := doRequest(t, s, http.MethodPost,
				"/api/v1/sessions/"+uuid.NewString()+"/start", uuid.New().String(), nil)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, string(tc.code), decodeBody(t, rec)["code"])
		})
	}
}

func TestRouteEndpoint(t *testing.T) {
	agentID := uuid.New()
	router := &stubRouter{
		routeFn: func(ctx context.Context, req agents.RouteRequest) (*agents.RouteResult, error) {
			assert.Equal(t, []models.Capability{models.CapCodeGeneration}, req.RequiredCapabilities)
			return &agents.RouteResult{Agent: &models.Agent{ID: agentID}, Score: 0.91}, nil
		},
	}
	s := testServer(t, &stubSessions{}, router, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/agents/route", uuid.New().String(), map[string]interface{}{
		"required_capabilities": []string{"CODE_GENERATION"},
		"complexity":            1.5,
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.InDelta(t, 0.91, body["score"], 1e-9)
}

func TestRateLimiterReturns429(t *testing.T) {
	cfg := &config.APIConfig{RateLimitRPS: 1, RateBurst: 1}
	s := testServer(t, &stubSessions{
		getFn: func(ctx context.Context, id uuid.UUID) (*models.Session, error) {
			return nil, apperrors.New(apperrors.CodeNotFound, "no such session")
		},
	}, nil, cfg)

	tenant := uuid.New().String()
	path := "/api/v1/sessions/" + uuid.NewString()

	first := doRequest(t, s, http.MethodGet, path, tenant, nil)
	second := doRequest(t, s, http.MethodGet, path, tenant, nil)

	assert.Equal(t, http.StatusNotFound, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestHealthEndpoints(t *testing.T) {
	s := testServer(t, &stubSessions{}, nil, nil)

	health := doRequest(t, s, http.MethodGet, "/health", "", nil)
	ready := doRequest(t, s, http.MethodGet, "/ready", "", nil)

	assert.Equal(t, http.StatusOK, health.Code)
	assert.Equal(t, http.StatusOK, ready.Code)
}
