package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/harrison/foreman/internal/engine"
)

// respondError maps a domain error onto an HTTP status. Anything unmapped is
// a 500 with a generic body; the detail goes to the log, not the client.
func (s *Server) respondError(c *gin.Context, err error) {
	var (
		illegalState *engine.IllegalStateError
		invalidDep   *engine.InvalidDependencyError
		depErr       *engine.DependencyError
		capacity     *engine.CapacityError
		runningElse  *engine.RunningElsewhereError
		maxRetries   *engine.MaxRetriesError
		cycle        *engine.CycleError
	)

	switch {
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrConflict), errors.As(err, &runningElse):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &capacity):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.As(err, &illegalState),
		errors.As(err, &invalidDep),
		errors.As(err, &depErr),
		errors.As(err, &maxRetries),
		errors.As(err, &cycle):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.log.Errorf("request %v failed: %v", c.GetString("request_id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// respondBadRequest reports a malformed request body or parameter.
func respondBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// pathID parses the :id path parameter.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}
