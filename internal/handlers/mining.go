package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	minerr "mining-session-backend/internal/errors"
	"mining-session-backend/internal/middleware"
	"mining-session-backend/internal/services"
)

// SessionEngine is the part of the mining engine the HTTP layer drives.
type SessionEngine interface {
	StartSession(ctx context.Context, req services.StartRequest) (*services.SessionStarted, error)
	CheckSession(ctx context.Context, req services.CheckRequest) (*services.CheckResult, error)
	Status(ctx context.Context, userID string) (*services.MiningStatus, error)
	ApplyUpgrades(ctx context.Context, userID string, change services.UpgradeChange) error
}

type MiningHandler struct {
	engine SessionEngine
}

func NewMiningHandler(engine SessionEngine) *MiningHandler {
	return &MiningHandler{engine: engine}
}

type StartMiningRequest struct {
	LocalElapsedSeconds *float64 `json:"localElapsedSeconds"`
}

type CheckSessionRequest struct {
	UserID              string   `json:"userId"`
	LocalElapsedSeconds *float64 `json:"localElapsedSeconds"`
}

type AdminUpgradeRequest struct {
	UserID   string         `json:"userId" binding:"required"`
	Upgrades map[string]int `json:"upgrades"`
	Boosts   []string       `json:"boosts"`
}

func (h *MiningHandler) StartMining(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
		return
	}

	var req StartMiningRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	localElapsed, ok := secondsToDuration(req.LocalElapsedSeconds)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	started, err := h.engine.StartSession(c.Request.Context(), services.StartRequest{
		Identity:        id,
		ClientTimestamp: clientTimestamp(c),
		LocalElapsed:    localElapsed,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":          "started",
		"sessionStartedAt": started.StartedAt.UnixMilli(),
		"miningSpeed":      started.MiningSpeed,
		"sessionId":        started.SessionID,
	})
}

func (h *MiningHandler) CheckMiningSession(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
		return
	}

	var req CheckSessionRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	localElapsed, ok := secondsToDuration(req.LocalElapsedSeconds)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	result, err := h.engine.CheckSession(c.Request.Context(), services.CheckRequest{
		Identity:        id,
		UserID:          req.UserID,
		ClientTimestamp: clientTimestamp(c),
		LocalElapsed:    localElapsed,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	if !result.SessionEnded {
		c.JSON(http.StatusOK, gin.H{"sessionEnded": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionEnded": true,
		"earnings":     result.Earnings,
	})
}

func (h *MiningHandler) MiningStatus(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
		return
	}

	status, err := h.engine.Status(c.Request.Context(), id.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *MiningHandler) AdminUpgrades(c *gin.Context) {
	var req AdminUpgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	err := h.engine.ApplyUpgrades(c.Request.Context(), req.UserID, services.UpgradeChange{
		Upgrades: req.Upgrades,
		Boosts:   req.Boosts,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "updated"})
}

// respondError maps engine errors to status codes. Store failures are never reported as
// a started or ended session.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, minerr.ErrAlreadyMining):
		c.JSON(http.StatusConflict, gin.H{"error": "Mining session already active"})
	case errors.Is(err, minerr.ErrUnderReview), errors.Is(err, minerr.ErrAccountSuspended):
		c.JSON(http.StatusForbidden, gin.H{"error": "Account under review"})
	case errors.Is(err, minerr.ErrUserMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "User mismatch"})
	case errors.Is(err, minerr.ErrUnknownUpgrade), errors.Is(err, minerr.ErrUnknownBoost):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case minerr.IsAuthFailure(err):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
	}
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return false
	}
	return true
}

func clientTimestamp(c *gin.Context) time.Time {
	raw := c.GetHeader(middleware.HeaderTimestamp)
	if raw == "" {
		raw = c.Query("ts")
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// maxElapsedSeconds is the largest value that still fits a time.Duration.
const maxElapsedSeconds = float64(math.MaxInt64 / int64(time.Second))

// secondsToDuration converts a client-reported elapsed time. ok is false for values that
// are negative, non-finite or would overflow a time.Duration.
func secondsToDuration(seconds *float64) (d *time.Duration, ok bool) {
	if seconds == nil {
		return nil, true
	}
	s := *seconds
	if math.IsNaN(s) || s < 0 || s > maxElapsedSeconds {
		return nil, false
	}
	v := time.Duration(s * float64(time.Second))
	return &v, true
}
