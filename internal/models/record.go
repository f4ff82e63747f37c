package models

import (
	"sort"
	"time"
)

// UserMiningRecord is the authoritative per-user mining state.
type UserMiningRecord struct {
	UserID           string     `json:"userId"`
	IsMining         bool       `json:"isMining"`
	SessionStartedAt *time.Time `json:"sessionStartedAt"`
	SessionID        string     `json:"sessionId,omitempty"`

	// MiningSpeed is frozen when a session starts.
	MiningSpeed         float64 `json:"miningSpeed"`
	Balance             float64 `json:"balance"`
	EarnedCoinsInFlight float64 `json:"earnedCoinsInFlight"`
	TotalMined          float64 `json:"totalMined"`
	Experience          int64   `json:"experience"`
	MiningLevel         int     `json:"miningLevel"`

	Upgrades Upgrades              `json:"upgrades"`
	Boosts   map[string]BoostState `json:"boosts"`
	Security SecurityState         `json:"security"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Upgrades struct {
	Speed      int `json:"speed"`
	Efficiency int `json:"efficiency"`
	Capacity   int `json:"capacity"`
}

type BoostState struct {
	Purchased bool `json:"purchased"`
}

// SecurityState carries the anti-cheat counters owned by one user.
type SecurityState struct {
	SuspiciousActivityCount    int        `json:"suspiciousActivityCount"`
	LastKnownDeviceFingerprint string     `json:"lastKnownDeviceFingerprint"`
	LastActivityAt             *time.Time `json:"lastActivityAt,omitempty"`
	RapidRequestCount          int        `json:"rapidRequestCount"`
	LastRequestAt              *time.Time `json:"lastRequestAt,omitempty"`
}

// SecurityDelta is the store mutation produced by one anti-cheat evaluation.
type SecurityDelta struct {
	SuspicionIncrement int
	// Fingerprint replaces the stored fingerprint when non-empty.
	Fingerprint       string
	RapidRequestCount int
	RequestAt         time.Time
}

// Settlement is the credit applied when a session closes.
type Settlement struct {
	Earnings       float64
	ExperienceGain int64
}

// RecordUpdate is a partial merge of upgrade levels and boost flags; nil fields are left untouched.
type RecordUpdate struct {
	SpeedLevel      *int
	EfficiencyLevel *int
	CapacityLevel   *int
	Boosts          []string
}

func NewUserMiningRecord(userID string, now time.Time) *UserMiningRecord {
	return &UserMiningRecord{
		UserID:      userID,
		MiningLevel: LevelFromExperience(0),
		Boosts:      map[string]BoostState{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy so callers never share pointers with a store.
func (r *UserMiningRecord) Clone() *UserMiningRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.SessionStartedAt = cloneTime(r.SessionStartedAt)
	out.Security.LastActivityAt = cloneTime(r.Security.LastActivityAt)
	out.Security.LastRequestAt = cloneTime(r.Security.LastRequestAt)
	out.Boosts = make(map[string]BoostState, len(r.Boosts))
	for k, v := range r.Boosts {
		out.Boosts[k] = v
	}
	return &out
}

// PurchasedBoosts lists purchased boost names in sorted order.
func (r *UserMiningRecord) PurchasedBoosts() []string {
	var names []string
	for name, b := range r.Boosts {
		if b.Purchased {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
