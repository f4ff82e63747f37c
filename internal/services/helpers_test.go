package services_test

import (
	"fmt"
	"sync"
	"time"

	"mining-session-backend/internal/config"
	"mining-session-backend/internal/services"
)

var testEpoch = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

// fakeClock is a settable Clock for deterministic time-based tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() *config.Config {
	return &config.Config{
		WorkerID:                    "0",
		JWTSecret:                   "test-secret",
		StoreBackend:                "memory",
		RateLimitBackend:            "memory",
		MaxRequestsPerMinute:        config.DefaultMaxRequestsPerMinute,
		MaxRequestsPerHour:          config.DefaultMaxRequestsPerHour,
		MaxMiningRequests:           config.DefaultMaxMiningRequests,
		MaxUpgradeRequests:          config.DefaultMaxUpgradeRequests,
		SuspiciousActivityThreshold: config.DefaultSuspiciousActivityThreshold,
		SuspendThreshold:            config.DefaultSuspendThreshold,
		MaxSessionSeconds:           config.DefaultMaxSessionSeconds,
		TimestampTolerance:          config.DefaultTimestampToleranceSeconds * time.Second,
		TimeManipulationThreshold:   config.DefaultTimeManipulationSeconds * time.Second,
		DeviceDenylist:              config.DefaultDeviceDenylist,
		MinRequestInterval:          config.DefaultMinRequestIntervalMs * time.Millisecond,
		MaxRapidRequests:            config.DefaultMaxRapidRequests,
		IOTimeout:                   time.Second,
		BaseMiningSpeed:             config.DefaultBaseMiningSpeed,
		SpeedIncrement:              config.DefaultSpeedIncrement,
		SweepConcurrency:            4,
	}
}

type loggedEntry struct {
	Category services.Category
	Message  string
	Data     services.Fields
}

type recordingSink struct {
	mu      sync.Mutex
	entries []loggedEntry
}

func (s *recordingSink) Log(category services.Category, message string, data services.Fields) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, loggedEntry{Category: category, Message: message, Data: data})
}

func (s *recordingSink) count(category services.Category) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.Category == category {
			n++
		}
	}
	return n
}

// fakeVerifier accepts tokens of the form "token:<userID>" or "admin:<userID>".
type fakeVerifier struct{}

func (fakeVerifier) ValidateToken(token string) (*services.Claims, error) {
	var userID string
	if n, _ := fmt.Sscanf(token, "token:%s", &userID); n == 1 {
		return &services.Claims{UserID: userID, Role: services.RoleUser}, nil
	}
	if n, _ := fmt.Sscanf(token, "admin:%s", &userID); n == 1 {
		return &services.Claims{UserID: userID, Role: services.RoleAdmin}, nil
	}
	return nil, fmt.Errorf("bad token")
}

func millis(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixMilli())
}
