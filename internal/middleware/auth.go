package middleware

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	minerr "mining-session-backend/internal/errors"
	"mining-session-backend/internal/services"
)

const (
	ContextIdentity = "identity"
	ContextUserID   = "user_id"

	HeaderDeviceID  = "X-Device-ID"
	HeaderTimestamp = "X-Timestamp"
)

type RequestAuthenticator interface {
	Authenticate(ctx context.Context, req services.AuthRequest) (*services.Identity, error)
}

// AuthDelay sleeps a random duration in [minDelay, maxDelay] before the request is handled.
// A client that disconnects during the wait gets no response.
func AuthDelay(minDelay, maxDelay time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		delay := minDelay
		if span := maxDelay - minDelay; span > 0 {
			delay += rand.N(span + 1)
		}
		if delay <= 0 {
			c.Next()
			return
		}

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			c.Next()
		case <-c.Request.Context().Done():
			c.Abort()
		}
	}
}

func AuthMiddleware(auth RequestAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var tokenString string
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = strings.TrimSpace(parts[1])
			}
		} else {
			tokenString = c.Query("token")
		}

		id, err := auth.Authenticate(c.Request.Context(), services.AuthRequest{
			DeviceID:  headerOrQuery(c, HeaderDeviceID, "device_id"),
			Timestamp: headerOrQuery(c, HeaderTimestamp, "ts"),
			Token:     tokenString,
			ClientIP:  c.ClientIP(),
		})
		if err != nil {
			switch {
			case errors.Is(err, minerr.ErrAccountSuspended):
				c.JSON(http.StatusForbidden, gin.H{"error": "Account under review"})
			case errors.Is(err, minerr.ErrStoreUnavailable):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
			default:
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
			}
			c.Abort()
			return
		}

		c.Set(ContextIdentity, *id)
		c.Set(ContextUserID, id.UserID)

		c.Next()
	}
}

func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok || !id.IsAdmin() {
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func IdentityFrom(c *gin.Context) (services.Identity, bool) {
	v, ok := c.Get(ContextIdentity)
	if !ok {
		return services.Identity{}, false
	}
	id, ok := v.(services.Identity)
	return id, ok
}

func headerOrQuery(c *gin.Context, header, query string) string {
	if v := c.GetHeader(header); v != "" {
		return v
	}
	return c.Query(query)
}
