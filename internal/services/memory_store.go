package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"mining-session-backend/internal/models"
)

// MemoryStore keeps records in process memory. Used for local development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	clock   Clock
	records map[string]*models.UserMiningRecord
}

func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemoryStore{
		clock:   clock,
		records: make(map[string]*models.UserMiningRecord),
	}
}

func (s *MemoryStore) record(userID string) *models.UserMiningRecord {
	rec, ok := s.records[userID]
	if !ok {
		rec = models.NewUserMiningRecord(userID, s.clock.Now())
		s.records[userID] = rec
	}
	return rec
}

func (s *MemoryStore) GetRecord(ctx context.Context, userID string) (*models.UserMiningRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeError("get record", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record(userID).Clone(), nil
}

func (s *MemoryStore) BeginSession(ctx context.Context, userID, sessionID string, speed float64) (*models.UserMiningRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, storeError("begin session", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(userID)
	if rec.IsMining {
		return rec.Clone(), false, nil
	}
	now := s.clock.Now()
	rec.IsMining = true
	rec.SessionStartedAt = &now
	rec.SessionID = sessionID
	rec.MiningSpeed = speed
	rec.EarnedCoinsInFlight = 0
	rec.UpdatedAt = now
	return rec.Clone(), true, nil
}

func (s *MemoryStore) CheckpointSession(ctx context.Context, userID string, startedAt time.Time, inFlight float64) error {
	if err := ctx.Err(); err != nil {
		return storeError("checkpoint session", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(userID)
	if !sameSession(rec, startedAt) {
		return nil
	}
	rec.EarnedCoinsInFlight = inFlight
	rec.UpdatedAt = s.clock.Now()
	return nil
}

func (s *MemoryStore) SettleSession(ctx context.Context, userID string, startedAt time.Time, st models.Settlement) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storeError("settle session", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(userID)
	if !sameSession(rec, startedAt) {
		return false, nil
	}
	rec.IsMining = false
	rec.SessionStartedAt = nil
	rec.SessionID = ""
	rec.EarnedCoinsInFlight = 0
	rec.Balance += st.Earnings
	rec.TotalMined += st.Earnings
	rec.Experience += st.ExperienceGain
	rec.MiningLevel = models.LevelFromExperience(rec.Experience)
	rec.UpdatedAt = s.clock.Now()
	return true, nil
}

func (s *MemoryStore) ApplySecurity(ctx context.Context, userID string, d models.SecurityDelta) error {
	if err := ctx.Err(); err != nil {
		return storeError("apply security", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(userID)
	now := s.clock.Now()
	rec.Security.SuspiciousActivityCount += d.SuspicionIncrement
	if d.Fingerprint != "" {
		rec.Security.LastKnownDeviceFingerprint = d.Fingerprint
	}
	rec.Security.RapidRequestCount = d.RapidRequestCount
	if !d.RequestAt.IsZero() {
		at := d.RequestAt
		rec.Security.LastRequestAt = &at
	}
	rec.Security.LastActivityAt = &now
	rec.UpdatedAt = now
	return nil
}

func (s *MemoryStore) UpdateRecord(ctx context.Context, userID string, u models.RecordUpdate) error {
	if err := ctx.Err(); err != nil {
		return storeError("update record", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(userID)
	if u.SpeedLevel != nil {
		rec.Upgrades.Speed = *u.SpeedLevel
	}
	if u.EfficiencyLevel != nil {
		rec.Upgrades.Efficiency = *u.EfficiencyLevel
	}
	if u.CapacityLevel != nil {
		rec.Upgrades.Capacity = *u.CapacityLevel
	}
	for _, name := range u.Boosts {
		rec.Boosts[name] = models.BoostState{Purchased: true}
	}
	rec.UpdatedAt = s.clock.Now()
	return nil
}

func (s *MemoryStore) ActiveSessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeError("active sessions", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []string
	for id, rec := range s.records {
		if rec.IsMining {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sameSession(rec *models.UserMiningRecord, startedAt time.Time) bool {
	return rec.IsMining && rec.SessionStartedAt != nil &&
		rec.SessionStartedAt.UnixMilli() == startedAt.UnixMilli()
}
