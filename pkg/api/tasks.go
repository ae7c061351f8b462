package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/services"
)

func (s *Server) handleCreateTask(c *gin.Context) {
	var req services.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.CodeValidation, "malformed request body"))
		return
	}

	task, err := s.tasks.CreateTask(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleGetTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	task, err := s.tasks.GetTask(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleUpdateTaskStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req services.UpdateTaskStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.CodeValidation, "malformed request body"))
		return
	}

	task, err := s.tasks.UpdateTaskStatus(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleDecomposeTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req services.DecomposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.CodeValidation, "malformed request body"))
		return
	}

	subtasks, err := s.tasks.DecomposeTask(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subtasks": subtasks, "count": len(subtasks)})
}

func (s *Server) handleListDependencies(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	deps, err := s.tasks.ListDependencies(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dependencies": deps, "count": len(deps)})
}
