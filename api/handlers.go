package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quotewire/quotewire/internal/scheduler"
)

func (s *Server) handleWS(c *gin.Context) {
	if _, err := s.gw.Accept(c.Writer, c.Request); err != nil {
		// Upgrade failures already wrote a response.
		s.log.Warn("websocket accept failed", zap.Error(err))
	}
}

func (s *Server) handleTrigger(c *gin.Context) {
	name := c.Param("task")
	err := s.sched.Trigger(name)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "task " + name + " completed",
		})
	case errors.Is(err, scheduler.ErrNoSuchTask):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, scheduler.ErrTaskBusy):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tasks":     s.sched.Status(),
		"bus":       s.busState.State(),
		"websocket": s.gw.Stats(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.Stats())
}

// handleSnapshot is the request/response fallback for clients whose push
// channel is unavailable: it serves the gateway's last known quotes.
func (s *Server) handleSnapshot(c *gin.Context) {
	var codes []string
	if raw := c.Query("codes"); raw != "" {
		for _, code := range strings.Split(raw, ",") {
			if code = strings.TrimSpace(code); code != "" {
				codes = append(codes, code)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"quotes":    s.cache.Select(codes),
		"timestamp": time.Now(),
	})
}
