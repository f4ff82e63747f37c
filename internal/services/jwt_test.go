package services_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mining-session-backend/internal/config"
	"mining-session-backend/internal/services"
)

func TestJWTService_RoundTrip(t *testing.T) {
	svc := services.NewJWTService(&config.Config{JWTSecret: "secret"})

	token, err := svc.GenerateToken("user-1", services.RoleAdmin, time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, services.RoleAdmin, claims.Role)
}

func TestJWTService_Rejects(t *testing.T) {
	svc := services.NewJWTService(&config.Config{JWTSecret: "secret"})
	other := services.NewJWTService(&config.Config{JWTSecret: "other"})

	expired, err := svc.GenerateToken("user-1", services.RoleUser, -time.Minute)
	require.NoError(t, err)
	foreign, err := other.GenerateToken("user-1", services.RoleUser, time.Hour)
	require.NoError(t, err)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong secret", foreign},
		{"none algorithm", noneAlg},
		{"garbage", "not-a-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateToken(tt.token)
			assert.Error(t, err)
		})
	}
}

func TestJWTService_SubjectFallbackAndDefaultRole(t *testing.T) {
	svc := services.NewJWTService(&config.Config{JWTSecret: "secret"})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-9",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-9", claims.UserID)
	assert.Equal(t, services.RoleUser, claims.Role)
}
