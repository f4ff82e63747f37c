package services

import (
	"time"

	"mining-session-backend/internal/config"
	"mining-session-backend/internal/models"
)

const (
	fingerprintMatchRatio = 0.8
	sessionOverrunFactor  = 1.5

	ReasonBlocked           = "suspicion threshold reached"
	ReasonFingerprintDrift  = "device fingerprint drift"
	ReasonRapidRequests     = "rapid requests"
	ReasonSessionOverrun    = "client session exceeds maximum"
	ReasonElapsedDrift      = "client elapsed drift"
	ReasonClientClockOffset = "client clock offset"
)

// Observation is what one request tells the evaluator about the caller.
type Observation struct {
	DeviceID        string
	ClientTimestamp time.Time
	// LocalElapsed is the session length the client claims; nil when not reported.
	LocalElapsed *time.Duration
	// ServerElapsed is the authoritative session length; nil when idle.
	ServerElapsed *time.Duration
	Now           time.Time
}

type Verdict struct {
	Blocked bool
	Reasons []string
	Delta   models.SecurityDelta
}

type AntiCheat struct {
	blockAt        int
	maxSession     time.Duration
	rapidGap       time.Duration
	maxRapid       int
	driftTolerance time.Duration
}

func NewAntiCheat(cfg *config.Config) *AntiCheat {
	return &AntiCheat{
		blockAt:        2 * cfg.SuspiciousActivityThreshold,
		maxSession:     cfg.MaxSession(),
		rapidGap:       cfg.MinRequestInterval / 2,
		maxRapid:       2 * cfg.MaxRapidRequests,
		driftTolerance: 2 * cfg.TimeManipulationThreshold,
	}
}

// Evaluate scores one request against the stored security state. It never mutates state;
// the returned delta is applied by the caller. Blocking looks only at the stored count,
// so a single anomalous request can never block on its own.
func (a *AntiCheat) Evaluate(state models.SecurityState, obs Observation) Verdict {
	v := Verdict{
		Blocked: state.SuspiciousActivityCount >= a.blockAt,
		Delta: models.SecurityDelta{
			RequestAt: obs.Now,
		},
	}
	if v.Blocked {
		v.Reasons = append(v.Reasons, ReasonBlocked)
	}

	switch {
	case state.LastKnownDeviceFingerprint == "":
		v.Delta.Fingerprint = obs.DeviceID
	case FingerprintSimilarity(state.LastKnownDeviceFingerprint, obs.DeviceID) >= fingerprintMatchRatio:
		v.Delta.Fingerprint = obs.DeviceID
	default:
		v.flag(ReasonFingerprintDrift)
	}

	if state.LastRequestAt != nil && obs.Now.Sub(*state.LastRequestAt) < a.rapidGap {
		v.Delta.RapidRequestCount = state.RapidRequestCount + 1
		if v.Delta.RapidRequestCount > a.maxRapid {
			v.flag(ReasonRapidRequests)
		}
	}

	var integrity []string
	if obs.LocalElapsed != nil {
		if float64(*obs.LocalElapsed) > sessionOverrunFactor*float64(a.maxSession) {
			integrity = append(integrity, ReasonSessionOverrun)
		}
		if obs.ServerElapsed != nil && absDuration(*obs.LocalElapsed-*obs.ServerElapsed) > a.driftTolerance {
			integrity = append(integrity, ReasonElapsedDrift)
		}
	}
	// Requests through the authenticator already carry a timestamp within TIMESTAMP_TOLERANCE,
	// so this only fires when that tolerance is configured above the drift tolerance.
	if !obs.ClientTimestamp.IsZero() && absDuration(obs.ClientTimestamp.Sub(obs.Now)) > a.driftTolerance {
		integrity = append(integrity, ReasonClientClockOffset)
	}
	if len(integrity) > 0 {
		v.Delta.SuspicionIncrement++
		v.Reasons = append(v.Reasons, integrity...)
	}

	return v
}

func (v *Verdict) flag(reason string) {
	v.Delta.SuspicionIncrement++
	v.Reasons = append(v.Reasons, reason)
}

// FingerprintSimilarity is the share of positions at which a and b hold the same byte,
// over the longer length.
func FingerprintSimilarity(a, b string) float64 {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	shortest := len(a) + len(b) - longest

	matches := 0
	for i := 0; i < shortest; i++ {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(longest)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
