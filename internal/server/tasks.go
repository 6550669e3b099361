package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

// idempotencyKey pulls the caller-chosen retry key off the request.
func idempotencyKey(c *gin.Context) string {
	if k := c.GetHeader("Idempotency-Key"); k != "" {
		return k
	}
	return c.Query("idempotency_key")
}

func (s *Server) handleCreateTask(c *gin.Context) {
	projectID, ok := pathID(c)
	if !ok {
		return
	}

	var spec models.TaskSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		respondBadRequest(c, err)
		return
	}

	task, err := s.eng.CreateTask(c.Request.Context(), projectID, spec)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleListTasks(c *gin.Context) {
	var f store.TaskFilter

	if v := c.Query("project_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project_id"})
			return
		}
		f.ProjectID = &id
	}
	if v := c.Query("status"); v != "" {
		st := models.TaskStatus(v)
		if !st.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
			return
		}
		f.Status = &st
	}
	if v := c.Query("assignee"); v != "" {
		f.Assignee = &v
	}
	if v := c.Query("task_type"); v != "" {
		f.TaskType = &v
	}
	f.Tags = c.QueryArray("tag")

	tasks, err := s.eng.ListTasks(c.Request.Context(), f)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleAvailableTasks(c *gin.Context) {
	var (
		tasks []*models.Task
		err   error
	)
	if agent := c.Query("agent"); agent != "" {
		tasks, err = s.eng.AvailableTasksForAgent(c.Request.Context(), agent)
	} else {
		tasks, err = s.eng.AvailableTasks(c.Request.Context())
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	task, err := s.eng.GetTask(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleTaskLogs(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	logs, err := s.eng.TaskLogs(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var body struct {
		Status   *models.TaskStatus `json:"status"`
		Result   json.RawMessage    `json:"result"`
		Assignee *string            `json:"assignee_agent"`
		Priority *int               `json:"priority"`
		Feedback *string            `json:"feedback"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, err)
		return
	}

	task, err := s.eng.UpdateTask(c.Request.Context(), id, store.TaskPatch{
		Status:   body.Status,
		Result:   body.Result,
		Assignee: body.Assignee,
		Priority: body.Priority,
		Feedback: body.Feedback,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleSetDependencies(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var body struct {
		Dependencies []int64 `json:"dependencies"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, err)
		return
	}

	task, err := s.eng.SetTaskDependencies(c.Request.Context(), id, body.Dependencies)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.eng.DeleteTask(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRestoreTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	task, err := s.eng.RestoreTask(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleClaim(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var body struct {
		Agent string `json:"agent" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, err)
		return
	}

	task, err := s.eng.Claim(c.Request.Context(), id, body.Agent, idempotencyKey(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleStart(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var body struct {
		Agent string `json:"agent" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, err)
		return
	}

	task, err := s.eng.Start(c.Request.Context(), id, body.Agent, idempotencyKey(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleSubmit(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var body struct {
		Agent  string          `json:"agent" binding:"required"`
		Result json.RawMessage `json:"result"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, err)
		return
	}

	task, err := s.eng.Submit(c.Request.Context(), id, body.Agent, body.Result, idempotencyKey(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleReview(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var body struct {
		Approved *bool  `json:"approved" binding:"required"`
		Feedback string `json:"feedback"`
		Reviewer string `json:"reviewer"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, err)
		return
	}

	task, err := s.eng.Review(c.Request.Context(), id, *body.Approved, body.Feedback, body.Reviewer, idempotencyKey(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleRelease(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var body struct {
		Actor string `json:"actor"`
	}
	// Body is optional for release.
	_ = c.ShouldBindJSON(&body)

	task, err := s.eng.Release(c.Request.Context(), id, body.Actor, idempotencyKey(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleRetry(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var body struct {
		Actor string `json:"actor"`
	}
	_ = c.ShouldBindJSON(&body)

	task, err := s.eng.Retry(c.Request.Context(), id, body.Actor, idempotencyKey(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
