package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mining-session-backend/internal/config"
	minerr "mining-session-backend/internal/errors"
)

const minDeviceIDLength = 6

type AuthRequest struct {
	DeviceID  string
	Timestamp string
	Token     string
	ClientIP  string
}

type Identity struct {
	UserID   string
	DeviceID string
	Role     string
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

type Authenticator struct {
	verifier         TokenVerifier
	store            SessionStore
	audit            AuditSink
	clock            Clock
	denylist         []string
	tolerance        time.Duration
	suspendThreshold int
	ioTimeout        time.Duration
}

func NewAuthenticator(cfg *config.Config, verifier TokenVerifier, store SessionStore, audit AuditSink, clock Clock) *Authenticator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Authenticator{
		verifier:         verifier,
		store:            store,
		audit:            audit,
		clock:            clock,
		denylist:         cfg.DeviceDenylist,
		tolerance:        cfg.TimestampTolerance,
		suspendThreshold: cfg.SuspendThreshold,
		ioTimeout:        cfg.IOTimeout,
	}
}

// Authenticate runs the device, freshness, token and suspension checks in that order.
// The returned error identifies the failed check for logging only.
func (a *Authenticator) Authenticate(ctx context.Context, req AuthRequest) (*Identity, error) {
	id, err := a.authenticate(ctx, req)
	if err != nil {
		a.audit.Log(CategorySecurity, "request authentication rejected", Fields{
			"reason":   err.Error(),
			"deviceId": req.DeviceID,
			"clientIp": req.ClientIP,
		})
		return nil, err
	}

	a.audit.Log(CategoryInfo, "request authenticated", Fields{
		"userId":   id.UserID,
		"deviceId": id.DeviceID,
		"clientIp": req.ClientIP,
	})
	return id, nil
}

func (a *Authenticator) authenticate(ctx context.Context, req AuthRequest) (*Identity, error) {
	if err := ValidateDeviceFingerprint(req.DeviceID, a.denylist); err != nil {
		return nil, err
	}
	if err := a.checkTimestamp(req.Timestamp); err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, minerr.ErrMissingToken
	}

	claims, err := a.verifier.ValidateToken(req.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", minerr.ErrInvalidToken, err)
	}

	ioCtx, cancel := context.WithTimeout(ctx, a.ioTimeout)
	defer cancel()
	rec, err := a.store.GetRecord(ioCtx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if rec.Security.SuspiciousActivityCount >= a.suspendThreshold {
		return nil, minerr.ErrAccountSuspended
	}

	return &Identity{
		UserID:   claims.UserID,
		DeviceID: req.DeviceID,
		Role:     claims.Role,
	}, nil
}

func (a *Authenticator) checkTimestamp(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return minerr.ErrMissingTimestamp
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: unparseable", minerr.ErrStaleTimestamp)
	}

	drift := a.clock.Now().Sub(time.UnixMilli(ms))
	if drift < 0 {
		drift = -drift
	}
	if drift > a.tolerance {
		return fmt.Errorf("%w: off by %s", minerr.ErrStaleTimestamp, drift.Truncate(time.Second))
	}
	return nil
}

// ValidateDeviceFingerprint rejects missing, short and known-fake device identifiers.
func ValidateDeviceFingerprint(deviceID string, denylist []string) error {
	if strings.TrimSpace(deviceID) == "" {
		return minerr.ErrMissingDeviceID
	}
	if len(deviceID) < minDeviceIDLength {
		return minerr.ErrSuspiciousDeviceID
	}

	lower := strings.ToLower(deviceID)
	if lower == "unknown" {
		return minerr.ErrSuspiciousDeviceID
	}
	for _, pattern := range denylist {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern != "" && strings.Contains(lower, pattern) {
			return minerr.ErrSuspiciousDeviceID
		}
	}
	return nil
}
