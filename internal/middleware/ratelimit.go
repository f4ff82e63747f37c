package middleware

import (
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hako/durafmt"

	"mining-session-backend/internal/services"
)

// RateLimitMiddleware counts the request against the windows of class. It must run after
// AuthMiddleware, since the quota key includes the device id.
func RateLimitMiddleware(limiter *services.RateLimiter, class services.EndpointClass, workerID string) gin.HandlerFunc {
	windows := limiter.WindowsFor(class)

	return func(c *gin.Context) {
		id, _ := IdentityFrom(c)
		key := services.IdentityKey(c.ClientIP(), id.DeviceID, workerID)

		decision, err := limiter.CheckAndIncrement(c.Request.Context(), key, windows)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
			c.Abort()
			return
		}

		if !decision.Allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "Too many requests, please try again in " + durafmt.Parse(decision.RetryAfter).LimitFirstN(2).String(),
				"retryAfter": int64(math.Ceil(decision.RetryAfter.Seconds())),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
