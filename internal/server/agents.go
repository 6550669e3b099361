package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var spec models.AgentSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		respondBadRequest(c, err)
		return
	}

	agent, err := s.eng.RegisterAgent(c.Request.Context(), spec)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleListAgents(c *gin.Context) {
	var f store.AgentFilter

	if v := c.Query("status"); v != "" {
		st := models.AgentStatus(v)
		if !st.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
			return
		}
		f.Status = &st
	}
	if v := c.Query("skill"); v != "" {
		f.Skill = &v
	}

	agents, err := s.eng.ListAgents(c.Request.Context(), f)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.eng.GetAgent(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(c *gin.Context) {
	if err := s.eng.DeleteAgent(c.Request.Context(), c.Param("name")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var body struct {
		CurrentTaskID *int64 `json:"current_task_id"`
		Channel       string `json:"channel"`
	}
	// An empty heartbeat body is a plain liveness ping.
	_ = c.ShouldBindJSON(&body)

	agent, err := s.eng.Heartbeat(c.Request.Context(), c.Param("name"), body.CurrentTaskID, body.Channel)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleAgentTasks(c *gin.Context) {
	tasks, err := s.eng.AvailableTasksForAgent(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleAgentChannels(c *gin.Context) {
	channels, err := s.eng.AgentChannels(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels, "count": len(channels)})
}
