package handlers

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"mining-session-backend/internal/services"
)

// DropCounter reports audit entries lost to back-pressure.
type DropCounter interface {
	Dropped() int64
}

type HealthHandler struct {
	workerID  string
	clock     services.Clock
	audit     DropCounter
	startedAt time.Time
}

func NewHealthHandler(workerID string, clock services.Clock, audit DropCounter) *HealthHandler {
	return &HealthHandler{workerID: workerID, clock: clock, audit: audit, startedAt: clock.Now()}
}

func (h *HealthHandler) Health(c *gin.Context) {
	now := h.clock.Now()
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"timestamp":    now.UnixMilli(),
		"uptime":       now.Sub(h.startedAt).Seconds(),
		"workerId":     h.workerID,
		"pid":          os.Getpid(),
		"auditDropped": h.audit.Dropped(),
	})
}
