package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	minerr "mining-session-backend/internal/errors"
	"mining-session-backend/internal/models"
	"mining-session-backend/internal/services"
)

func newTestAuthenticator() (*services.Authenticator, *services.MemoryStore, *recordingSink, *fakeClock) {
	clock := newFakeClock(testEpoch)
	store := services.NewMemoryStore(clock)
	sink := &recordingSink{}
	return services.NewAuthenticator(testConfig(), fakeVerifier{}, store, sink, clock), store, sink, clock
}

func TestValidateDeviceFingerprint(t *testing.T) {
	denylist := []string{"00000000", "deadbeef", "Test"}

	tests := []struct {
		name     string
		deviceID string
		expected error
	}{
		{"valid", "a1b2c3d4e5", nil},
		{"exactly six", "a1b2c3", nil},
		{"empty", "", minerr.ErrMissingDeviceID},
		{"blank", "   ", minerr.ErrMissingDeviceID},
		{"too short", "abc12", minerr.ErrSuspiciousDeviceID},
		{"literal unknown", "UNKNOWN", minerr.ErrSuspiciousDeviceID},
		{"zero run", "dev-00000000-x", minerr.ErrSuspiciousDeviceID},
		{"case insensitive", "DEADBEEF1234", minerr.ErrSuspiciousDeviceID},
		{"pattern case folded", "my-testphone", minerr.ErrSuspiciousDeviceID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := services.ValidateDeviceFingerprint(tt.deviceID, denylist)
			if tt.expected == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestAuthenticator_TimestampBoundary(t *testing.T) {
	auth, _, _, clock := newTestAuthenticator()
	ctx := context.Background()

	tests := []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"now", 0, true},
		{"299s behind", -299 * time.Second, true},
		{"299s ahead", 299 * time.Second, true},
		{"301s behind", -301 * time.Second, false},
		{"301s ahead", 301 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := auth.Authenticate(ctx, services.AuthRequest{
				DeviceID:  "device-abc-123",
				Timestamp: millis(clock.Now().Add(tt.offset)),
				Token:     "token:user-1",
			})
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, "user-1", id.UserID)
				assert.Equal(t, "device-abc-123", id.DeviceID)
				return
			}
			assert.ErrorIs(t, err, minerr.ErrStaleTimestamp)
			assert.True(t, minerr.IsAuthFailure(err))
		})
	}
}

func TestAuthenticator_Rejections(t *testing.T) {
	auth, store, sink, clock := newTestAuthenticator()
	ctx := context.Background()
	now := millis(clock.Now())

	require.NoError(t, store.ApplySecurity(ctx, "suspended", models.SecurityDelta{SuspicionIncrement: 10}))

	tests := []struct {
		name     string
		req      services.AuthRequest
		expected error
	}{
		{"missing device", services.AuthRequest{Timestamp: now, Token: "token:u"}, minerr.ErrMissingDeviceID},
		{"fake device", services.AuthRequest{DeviceID: "fake-device-1", Timestamp: now, Token: "token:u"}, minerr.ErrSuspiciousDeviceID},
		{"missing timestamp", services.AuthRequest{DeviceID: "device-abc-123", Token: "token:u"}, minerr.ErrMissingTimestamp},
		{"garbage timestamp", services.AuthRequest{DeviceID: "device-abc-123", Timestamp: "yesterday", Token: "token:u"}, minerr.ErrStaleTimestamp},
		{"missing token", services.AuthRequest{DeviceID: "device-abc-123", Timestamp: now}, minerr.ErrMissingToken},
		{"invalid token", services.AuthRequest{DeviceID: "device-abc-123", Timestamp: now, Token: "forged"}, minerr.ErrInvalidToken},
		{"suspended", services.AuthRequest{DeviceID: "device-abc-123", Timestamp: now, Token: "token:suspended"}, minerr.ErrAccountSuspended},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.Authenticate(ctx, tt.req)
			assert.ErrorIs(t, err, tt.expected)
		})
	}

	assert.Equal(t, len(tests), sink.count(services.CategorySecurity))
	assert.Equal(t, 0, sink.count(services.CategoryInfo))
}

func TestAuthenticator_AcceptLogsInfo(t *testing.T) {
	auth, _, sink, clock := newTestAuthenticator()

	id, err := auth.Authenticate(context.Background(), services.AuthRequest{
		DeviceID:  "device-abc-123",
		Timestamp: millis(clock.Now()),
		Token:     "admin:ops",
		ClientIP:  "10.0.0.1",
	})
	require.NoError(t, err)
	assert.True(t, id.IsAdmin())
	assert.Equal(t, 1, sink.count(services.CategoryInfo))
	assert.Equal(t, 0, sink.count(services.CategorySecurity))
}
