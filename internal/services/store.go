package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	minerr "mining-session-backend/internal/errors"
	"mining-session-backend/internal/models"
)

// SessionStore persists one UserMiningRecord per user. Implementations guarantee per-user
// atomicity of every method and stamp timestamps with their own clock.
type SessionStore interface {
	// GetRecord returns the user's record, creating a zero-value record on first access.
	GetRecord(ctx context.Context, userID string) (*models.UserMiningRecord, error)

	// BeginSession flips an idle user to mining with the given frozen speed.
	// It returns started=false without error when a session is already active.
	BeginSession(ctx context.Context, userID, sessionID string, speed float64) (rec *models.UserMiningRecord, started bool, err error)

	// CheckpointSession records in-flight earnings if the session that began at startedAt is still active.
	CheckpointSession(ctx context.Context, userID string, startedAt time.Time, inFlight float64) error

	// SettleSession credits s and returns the user to idle, only if the session that began at
	// startedAt is still active. settled=false means another caller already settled it.
	SettleSession(ctx context.Context, userID string, startedAt time.Time, s models.Settlement) (settled bool, err error)

	ApplySecurity(ctx context.Context, userID string, d models.SecurityDelta) error

	UpdateRecord(ctx context.Context, userID string, u models.RecordUpdate) error

	// ActiveSessions lists users with a session in progress.
	ActiveSessions(ctx context.Context) ([]string, error)

	Close() error
}

// storeError tags infrastructure failures as transient without hiding the cause.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, minerr.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, minerr.ErrStoreUnavailable, err)
}
