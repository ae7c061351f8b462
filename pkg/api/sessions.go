package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/repository"
	"github.com/sessionmesh/sessionmesh/pkg/services"
)

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperrors.Newf(apperrors.CodeValidation, "malformed id %q", c.Param("id")))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req services.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.CodeValidation, "malformed request body"))
		return
	}

	session, err := s.sessions.CreateSession(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) handleListSessions(c *gin.Context) {
	page := repository.Pagination{}
	if n, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		page.Page = n
	}
	if n, err := strconv.Atoi(c.DefaultQuery("page_size", "20")); err == nil {
		page.PageSize = n
	}

	if query := c.Query("q"); query != "" {
		result, err := s.sessions.SearchSessions(c.Request.Context(), query, page)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	filter := repository.SessionFilter{}
	if status := c.Query("status"); status != "" {
		filter.Status = []models.SessionStatus{models.SessionStatus(status)}
	}
	if sessionType := c.Query("type"); sessionType != "" {
		filter.Type = []models.SessionType{models.SessionType(sessionType)}
	}
	if priority := c.Query("priority"); priority != "" {
		filter.Priority = []models.Priority{models.Priority(priority)}
	}

	result, err := s.sessions.ListSessions(c.Request.Context(), filter, nil, page)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetSession(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	session, err := s.sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleStartSession(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	session, err := s.sessions.StartSession(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleCompleteSession(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req services.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.CodeValidation, "malformed request body"))
		return
	}
	session, err := s.sessions.CompleteSession(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type failRequest struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
	Timeout   bool   `json:"timeout,omitempty"`
}

func (s *Server) handleFailSession(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.CodeValidation, "malformed request body"))
		return
	}
	session, err := s.sessions.FailSession(c.Request.Context(), id, req.Error, req.Retryable, req.Timeout)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleCancelSession(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	session, err := s.sessions.CancelSession(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleRetrySession(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	session, err := s.sessions.RetrySession(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type checkpointRequest struct {
	Data       json.RawMessage `json:"data"`
	TokensUsed int64           `json:"tokens_used,omitempty"`
}

func (s *Server) handleAddCheckpoint(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req checkpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.CodeValidation, "malformed request body"))
		return
	}
	checkpoint, err := s.sessions.AddCheckpoint(c.Request.Context(), id, req.Data, req.TokensUsed)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, checkpoint)
}

func (s *Server) handleListCheckpoints(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	since := 0
	if n, err := strconv.Atoi(c.DefaultQuery("since", "0")); err == nil {
		since = n
	}
	checkpoints, err := s.sessions.ListCheckpoints(c.Request.Context(), id, since)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": checkpoints, "count": len(checkpoints)})
}

type assignRequest struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (s *Server) handleAssignAgent(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.CodeValidation, "malformed request body"))
		return
	}
	if req.TaskID == uuid.Nil {
		respondError(c, apperrors.New(apperrors.CodeValidation, "task_id is required"))
		return
	}
	result, err := s.sessions.AssignAgent(c.Request.Context(), id, req.TaskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.sessions.DeleteSession(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
