package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sessionmesh/sessionmesh/pkg/agents"
	"github.com/sessionmesh/sessionmesh/pkg/auth"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/repository"
)

type registerAgentRequest struct {
	Name                  string                  `json:"name"`
	AgentType             models.AgentType        `json:"agent_type"`
	Description           string                  `json:"description,omitempty"`
	ModelVersion          string                  `json:"model_version,omitempty"`
	PrimaryCapabilities   []models.Capability     `json:"primary_capabilities"`
	SecondaryCapabilities []models.Capability     `json:"secondary_capabilities,omitempty"`
	ModelConfig           models.AgentModelConfig `json:"model_config"`
	PreferredTechnologies []string                `json:"preferred_technologies,omitempty"`
	AvoidedTechnologies   []string                `json:"avoided_technologies,omitempty"`
	ComplexityPreference  string                  `json:"complexity_preference,omitempty"`
	PreferredSessionTypes []models.SessionType    `json:"preferred_session_types,omitempty"`
	Tags                  []string                `json:"tags,omitempty"`
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	tenantID, err := auth.RequireTenantID(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.CodeValidation, "malformed request body"))
		return
	}

	agent, err := models.NewAgent(tenantID, req.Name, req.AgentType,
		req.PrimaryCapabilities, req.SecondaryCapabilities, req.ModelConfig)
	if err != nil {
		respondError(c, err)
		return
	}
	agent.Description = req.Description
	agent.ModelVer = req.ModelVersion
	agent.PreferredTechnologies = req.PreferredTechnologies
	agent.AvoidedTechnologies = req.AvoidedTechnologies
	agent.PreferredSessionTypes = req.PreferredSessionTypes
	agent.Tags = req.Tags
	if req.ComplexityPreference != "" {
		agent.ComplexityPreference = models.ComplexityPreference(req.ComplexityPreference)
	}

	if err := s.agents.Register(c.Request.Context(), agent); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleListAgents(c *gin.Context) {
	filter := repository.AgentFilter{
		ActiveOnly: c.Query("active") == "true",
	}
	if agentType := c.Query("type"); agentType != "" {
		t := models.AgentType(agentType)
		filter.AgentType = &t
	}

	list, err := s.agents.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": list, "count": len(list)})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	agent, err := s.agents.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleDeregisterAgent(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	agent, err := s.agents.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.agents.Deregister(c.Request.Context(), id, agent.Version); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRouteAgent(c *gin.Context) {
	var req agents.RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.CodeValidation, "malformed request body"))
		return
	}

	result, err := s.router.Route(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// External agents bring their own endpoint and are dispatched over HTTP
// instead of the in-process executor pool.
type registerExternalAgentRequest struct {
	registerAgentRequest
	Endpoint  string `json:"endpoint"`
	AuthToken string `json:"auth_token,omitempty"`
}

func (s *Server) handleRegisterExternalAgent(c *gin.Context) {
	tenantID, err := auth.RequireTenantID(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	var req registerExternalAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.CodeValidation, "malformed request body"))
		return
	}
	if req.Endpoint == "" {
		respondError(c, apperrors.New(apperrors.CodeValidation, "external agents require an endpoint"))
		return
	}

	agent, err := models.NewAgent(tenantID, req.Name, req.AgentType,
		req.PrimaryCapabilities, req.SecondaryCapabilities, req.ModelConfig)
	if err != nil {
		respondError(c, err)
		return
	}
	agent.Description = req.Description
	agent.PreferredTechnologies = req.PreferredTechnologies
	agent.AvoidedTechnologies = req.AvoidedTechnologies
	agent.Tags = req.Tags
	agent.IsExternal = true
	agent.Endpoint = req.Endpoint
	agent.AuthToken = req.AuthToken

	if err := s.agents.Register(c.Request.Context(), agent); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleAgentHeartbeat(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.agents.Heartbeat(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}
