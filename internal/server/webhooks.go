package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/queue"
	"go.uber.org/zap"
)

// handleVerify answers a platform's webhook subscription challenge.
func (s *Server) handleVerify(c *gin.Context) {
	p := models.Platform(c.Param("platform"))
	if _, ok := s.registry.Get(p); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown platform"})
		return
	}
	v, ok := s.registry.Verifier(p)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "platform has no webhook verification"})
		return
	}
	challenge, ok := v.VerifyWebhook(c.Request)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}
	c.String(http.StatusOK, challenge)
}

// handleWebhook parses a platform callback and queues every event it
// carries. Processing happens on the workers so the platform gets a fast
// 200 and retries only when queueing failed.
func (s *Server) handleWebhook(c *gin.Context) {
	p := models.Platform(c.Param("platform"))
	parser, ok := s.registry.Parser(p)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown platform"})
		return
	}

	events, err := parser.ParseWebhook(c.Request)
	if err != nil {
		s.logger.Warn("webhook rejected", zap.String("platform", string(p)), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	for _, evt := range events {
		if evt.Platform == "" {
			evt.Platform = p
		}
		if err := s.queue.Enqueue(c.Request.Context(), queue.InboundTask(evt)); err != nil {
			s.logger.Error("enqueue inbound event", zap.String("platform", string(p)), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not queue event"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "events": len(events)})
}
