package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type channelBody struct {
	AgentName string `json:"agent_name" binding:"required"`
	ChannelID string `json:"channel_id" binding:"required"`
}

func (s *Server) handleRegisterChannel(c *gin.Context) {
	var body channelBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, err)
		return
	}

	sighting, err := s.eng.RegisterChannel(c.Request.Context(), body.AgentName, body.ChannelID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sighting)
}

func (s *Server) handleUnregisterChannel(c *gin.Context) {
	var body channelBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, err)
		return
	}

	if err := s.eng.UnregisterChannel(c.Request.Context(), body.AgentName, body.ChannelID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleChannelAgents(c *gin.Context) {
	agents, err := s.eng.ChannelAgents(c.Request.Context(), c.Param("channel_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}
