package errors

import (
	"errors"
)

// Request authentication failures. Callers surface all of them with one generic message.
var (
	ErrMissingDeviceID    = errors.New("missing device id")
	ErrSuspiciousDeviceID = errors.New("suspicious device id")
	ErrMissingTimestamp   = errors.New("missing timestamp")
	ErrStaleTimestamp     = errors.New("stale timestamp")
	ErrMissingToken       = errors.New("missing token")
	ErrInvalidToken       = errors.New("invalid token")
	ErrAccountSuspended   = errors.New("account suspended")
)

// Session lifecycle failures.
var (
	ErrAlreadyMining  = errors.New("mining session already active")
	ErrUnderReview    = errors.New("account under review")
	ErrUserMismatch   = errors.New("user id does not match token")
	ErrUnknownUpgrade = errors.New("unknown upgrade")
	ErrUnknownBoost   = errors.New("unknown boost")
)

// ErrStoreUnavailable marks transient infrastructure failures. Safe to retry.
var ErrStoreUnavailable = errors.New("store unavailable")

// IsAuthFailure reports whether err is one of the request authentication rejections.
func IsAuthFailure(err error) bool {
	for _, target := range []error{
		ErrMissingDeviceID,
		ErrSuspiciousDeviceID,
		ErrMissingTimestamp,
		ErrStaleTimestamp,
		ErrMissingToken,
		ErrInvalidToken,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
