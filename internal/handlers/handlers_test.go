package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mining-session-backend/internal/config"
	minerr "mining-session-backend/internal/errors"
	"mining-session-backend/internal/handlers"
	"mining-session-backend/internal/middleware"
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

type nopSink struct{}

type droppedEntries int64

func (d droppedEntries) Dropped() int64 { return int64(d) }

func (nopSink) Log(services.Category, string, services.Fields) {}

func testConfig() *config.Config {
	return &config.Config{
		WorkerID:                    "3",
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
		SweepConcurrency:            2,
	}
}

type harness struct {
	clock  *fakeClock
	store  *services.MemoryStore
	engine *services.MiningEngine
	router *gin.Engine
}

func withIdentity(userID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextIdentity, services.Identity{UserID: userID, DeviceID: "device-abc-123", Role: role})
		c.Next()
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testConfig()
	clock := newFakeClock(testEpoch)
	store := services.NewMemoryStore(clock)
	engine := services.NewMiningEngine(cfg, store, services.NewAntiCheat(cfg), nopSink{}, nil, clock)
	h := handlers.NewMiningHandler(engine)

	router := gin.New()
	user := router.Group("/", withIdentity("user-1", services.RoleUser))
	user.POST("/start-mining", h.StartMining)
	user.POST("/check-mining-session", h.CheckMiningSession)
	user.GET("/mining-status", h.MiningStatus)
	router.POST("/admin/upgrades", withIdentity("ops", services.RoleAdmin), h.AdminUpgrades)
	router.GET("/health", handlers.NewHealthHandler(cfg.WorkerID, clock, droppedEntries(4)).Health)

	return &harness{clock: clock, store: store, engine: engine, router: router}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderTimestamp, fmt.Sprintf("%d", h.clock.Now().UnixMilli()))

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return w, out
}

func TestMiningHandler_Lifecycle(t *testing.T) {
	h := newHarness(t)

	w, body := h.do(t, http.MethodPost, "/start-mining", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "started", body["message"])
	assert.Equal(t, float64(testEpoch.UnixMilli()), body["sessionStartedAt"])
	assert.InDelta(t, 0.000116, body["miningSpeed"], 1e-12)
	assert.NotEmpty(t, body["sessionId"])

	h.clock.Advance(5 * time.Second)
	w, body = h.do(t, http.MethodPost, "/start-mining", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Mining session already active", body["error"])

	h.clock.Advance(10 * time.Minute)
	w, body = h.do(t, http.MethodPost, "/check-mining-session", gin.H{"localElapsedSeconds": 605})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["sessionEnded"])
	assert.NotContains(t, body, "earnings")

	h.clock.Advance(2 * time.Hour)
	w, body = h.do(t, http.MethodPost, "/check-mining-session", gin.H{"userId": "user-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["sessionEnded"])
	assert.InDelta(t, 0.8352, body["earnings"], 1e-9)

	w, body = h.do(t, http.MethodGet, "/mining-status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["isMining"])
	assert.InDelta(t, 0.8352, body["balance"], 1e-9)
}

func TestMiningHandler_CheckWithoutSession(t *testing.T) {
	h := newHarness(t)

	w, body := h.do(t, http.MethodPost, "/check-mining-session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["sessionEnded"])
}

func TestMiningHandler_UserMismatch(t *testing.T) {
	h := newHarness(t)

	w, _ := h.do(t, http.MethodPost, "/check-mining-session", gin.H{"userId": "someone-else"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMiningHandler_MalformedBody(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/start-mining", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMiningHandler_AdminUpgrades(t *testing.T) {
	h := newHarness(t)

	w, _ := h.do(t, http.MethodPost, "/admin/upgrades", gin.H{"upgrades": gin.H{"speed": 1}})
	assert.Equal(t, http.StatusBadRequest, w.Code, "userId is required")

	w, _ = h.do(t, http.MethodPost, "/admin/upgrades", gin.H{"userId": "user-1", "upgrades": gin.H{"turbo": 1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.do(t, http.MethodPost, "/admin/upgrades", gin.H{"userId": "user-1", "boosts": []string{"lifetime_9x"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := h.do(t, http.MethodPost, "/admin/upgrades", gin.H{
		"userId":   "user-1",
		"upgrades": gin.H{"speed": 2},
		"boosts":   []string{"lifetime_2x"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "updated", body["message"])

	rec, err := h.store.GetRecord(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Upgrades.Speed)
	assert.True(t, rec.Boosts["lifetime_2x"].Purchased)

	// (0.000116 + 2*0.00002) * 2
	w, body = h.do(t, http.MethodPost, "/start-mining", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 0.000312, body["miningSpeed"], 1e-12)
}

type failingEngine struct {
	err error
}

func (f failingEngine) StartSession(context.Context, services.StartRequest) (*services.SessionStarted, error) {
	return nil, f.err
}

func (f failingEngine) CheckSession(context.Context, services.CheckRequest) (*services.CheckResult, error) {
	return nil, f.err
}

func (f failingEngine) Status(context.Context, string) (*services.MiningStatus, error) {
	return nil, f.err
}

func (f failingEngine) ApplyUpgrades(context.Context, string, services.UpgradeChange) error {
	return f.err
}

func TestMiningHandler_ErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		err     error
		code    int
		message string
	}{
		{"store down", fmt.Errorf("get record: %w", minerr.ErrStoreUnavailable), http.StatusServiceUnavailable, "Service temporarily unavailable"},
		{"under review", minerr.ErrUnderReview, http.StatusForbidden, "Account under review"},
		{"suspended", minerr.ErrAccountSuspended, http.StatusForbidden, "Account under review"},
		{"bad device", minerr.ErrSuspiciousDeviceID, http.StatusUnauthorized, "Authentication failed"},
		{"already mining", minerr.ErrAlreadyMining, http.StatusConflict, "Mining session already active"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := handlers.NewMiningHandler(failingEngine{err: tt.err})
			router := gin.New()
			router.POST("/start-mining", withIdentity("user-1", services.RoleUser), h.StartMining)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/start-mining", nil))

			assert.Equal(t, tt.code, w.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.message, body["error"])
		})
	}
}

func TestHealthHandler(t *testing.T) {
	h := newHarness(t)
	h.clock.Advance(90 * time.Second)

	w, body := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "3", body["workerId"])
	assert.Equal(t, float64(90), body["uptime"])
	assert.NotZero(t, body["pid"])
	assert.Equal(t, float64(4), body["auditDropped"])
}

func TestMiningHandler_LocalElapsedBounds(t *testing.T) {
	h := newHarness(t)

	w, _ := h.do(t, http.MethodPost, "/start-mining", gin.H{"localElapsedSeconds": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.do(t, http.MethodPost, "/start-mining", nil)
	require.Equal(t, http.StatusOK, w.Code)

	for _, elapsed := range []float64{1e19, 1e30} {
		h.clock.Advance(time.Minute)
		w, _ = h.do(t, http.MethodPost, "/check-mining-session", gin.H{"localElapsedSeconds": elapsed})
		assert.Equal(t, http.StatusBadRequest, w.Code, "elapsed %g does not fit a duration", elapsed)
	}

	rec, err := h.store.GetRecord(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, 0, rec.Security.SuspiciousActivityCount)

	// the largest accepted value still trips the overrun check
	h.clock.Advance(time.Minute)
	w, body := h.do(t, http.MethodPost, "/check-mining-session", gin.H{"localElapsedSeconds": 9e9})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["sessionEnded"])

	rec, err = h.store.GetRecord(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Security.SuspiciousActivityCount)
}
