package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mining-session-backend/internal/config"
	"mining-session-backend/internal/models"
)

// RedisService stores one hash per user and backs the shared rate-limit counters.
type RedisService struct {
	client *redis.Client
	clock  Clock
}

func NewRedisService(cfg *config.Config, clock Clock) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisURL,
		Password:     cfg.RedisPass,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.IOTimeout,
		ReadTimeout:  cfg.IOTimeout,
		WriteTimeout: cfg.IOTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.IOTimeout)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %v", err)
	}

	return NewRedisServiceWithClient(client, clock), nil
}

func NewRedisServiceWithClient(client *redis.Client, clock Clock) *RedisService {
	if clock == nil {
		clock = SystemClock{}
	}
	return &RedisService{
		client: client,
		clock:  clock,
	}
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

func recordKey(userID string) string {
	return fmt.Sprintf(KeyMiningRecord, userID)
}

type redisRecord struct {
	UserID            string  `redis:"user_id"`
	IsMining          bool    `redis:"is_mining"`
	SessionStartedAt  int64   `redis:"session_started_at"`
	SessionID         string  `redis:"session_id"`
	MiningSpeed       float64 `redis:"mining_speed"`
	Balance           float64 `redis:"balance"`
	EarnedInFlight    float64 `redis:"earned_in_flight"`
	TotalMined        float64 `redis:"total_mined"`
	Experience        int64   `redis:"experience"`
	MiningLevel       int     `redis:"mining_level"`
	UpgradeSpeed      int     `redis:"upgrade_speed"`
	UpgradeEfficiency int     `redis:"upgrade_efficiency"`
	UpgradeCapacity   int     `redis:"upgrade_capacity"`
	Suspicion         int     `redis:"suspicious_activity_count"`
	LastFingerprint   string  `redis:"last_fingerprint"`
	LastActivityAt    int64   `redis:"last_activity_at"`
	RapidRequests     int     `redis:"rapid_request_count"`
	LastRequestAt     int64   `redis:"last_request_at"`
	CreatedAt         int64   `redis:"created_at"`
	UpdatedAt         int64   `redis:"updated_at"`
}

func (r redisRecord) toModel(raw map[string]string) *models.UserMiningRecord {
	rec := &models.UserMiningRecord{
		UserID:              r.UserID,
		IsMining:            r.IsMining,
		SessionStartedAt:    models.TimeFromMillis(r.SessionStartedAt),
		SessionID:           r.SessionID,
		MiningSpeed:         r.MiningSpeed,
		Balance:             r.Balance,
		EarnedCoinsInFlight: r.EarnedInFlight,
		TotalMined:          r.TotalMined,
		Experience:          r.Experience,
		MiningLevel:         r.MiningLevel,
		Upgrades: models.Upgrades{
			Speed:      r.UpgradeSpeed,
			Efficiency: r.UpgradeEfficiency,
			Capacity:   r.UpgradeCapacity,
		},
		Boosts: map[string]models.BoostState{},
		Security: models.SecurityState{
			SuspiciousActivityCount:    r.Suspicion,
			LastKnownDeviceFingerprint: r.LastFingerprint,
			LastActivityAt:             models.TimeFromMillis(r.LastActivityAt),
			RapidRequestCount:          r.RapidRequests,
			LastRequestAt:              models.TimeFromMillis(r.LastRequestAt),
		},
	}
	if t := models.TimeFromMillis(r.CreatedAt); t != nil {
		rec.CreatedAt = *t
	}
	if t := models.TimeFromMillis(r.UpdatedAt); t != nil {
		rec.UpdatedAt = *t
	}
	if !rec.IsMining {
		rec.SessionStartedAt = nil
	}
	for field, value := range raw {
		if name, ok := strings.CutPrefix(field, boostFieldPrefix); ok {
			rec.Boosts[name] = models.BoostState{Purchased: value == "1"}
		}
	}
	return rec
}

func defaultRecordFields(userID string, nowMs int64) map[string]string {
	now := strconv.FormatInt(nowMs, 10)
	return map[string]string{
		fieldUserID:            userID,
		fieldIsMining:          "0",
		fieldSessionStartedAt:  "0",
		fieldSessionID:         "",
		fieldMiningSpeed:       "0",
		fieldBalance:           "0",
		fieldEarnedInFlight:    "0",
		fieldTotalMined:        "0",
		fieldExperience:        "0",
		fieldMiningLevel:       strconv.Itoa(models.LevelFromExperience(0)),
		fieldUpgradeSpeed:      "0",
		fieldUpgradeEfficiency: "0",
		fieldUpgradeCapacity:   "0",
		fieldSuspicion:         "0",
		fieldLastFingerprint:   "",
		fieldLastActivityAt:    "0",
		fieldRapidRequests:     "0",
		fieldLastRequestAt:     "0",
		fieldCreatedAt:         now,
		fieldUpdatedAt:         now,
	}
}

// GetRecord fills any missing field with its default inside one MULTI block, so the
// lazy create and the read observe the same state.
func (s *RedisService) GetRecord(ctx context.Context, userID string) (*models.UserMiningRecord, error) {
	key := recordKey(userID)
	defaults := defaultRecordFields(userID, s.clock.Now().UnixMilli())

	var all *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, value := range defaults {
			pipe.HSetNX(ctx, key, field, value)
		}
		all = pipe.HGetAll(ctx, key)
		return nil
	})
	if err != nil {
		return nil, storeError("get record", err)
	}

	var raw redisRecord
	if err := all.Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode mining record %s: %v", userID, err)
	}
	return raw.toModel(all.Val()), nil
}

var beginSessionScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call("HGET", key, "is_mining") == "1" then
		return 0
	end

	redis.call("HSET", key,
		"is_mining", "1",
		"session_started_at", ARGV[1],
		"session_id", ARGV[2],
		"mining_speed", ARGV[3],
		"earned_in_flight", "0",
		"updated_at", ARGV[1])
	redis.call("SADD", KEYS[2], ARGV[4])

	return 1
`)

func (s *RedisService) BeginSession(ctx context.Context, userID, sessionID string, speed float64) (*models.UserMiningRecord, bool, error) {
	if _, err := s.GetRecord(ctx, userID); err != nil {
		return nil, false, err
	}

	now := s.clock.Now().UnixMilli()
	started, err := beginSessionScript.Run(ctx, s.client,
		[]string{recordKey(userID), KeyActiveSessions},
		strconv.FormatInt(now, 10), sessionID, formatFloat(speed), userID,
	).Int()
	if err != nil {
		return nil, false, storeError("begin session", err)
	}

	rec, err := s.GetRecord(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return rec, started == 1, nil
}

var checkpointSessionScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call("HGET", key, "is_mining") ~= "1" or redis.call("HGET", key, "session_started_at") ~= ARGV[1] then
		return 0
	end

	redis.call("HSET", key, "earned_in_flight", ARGV[2], "updated_at", ARGV[3])
	return 1
`)

func (s *RedisService) CheckpointSession(ctx context.Context, userID string, startedAt time.Time, inFlight float64) error {
	err := checkpointSessionScript.Run(ctx, s.client,
		[]string{recordKey(userID)},
		strconv.FormatInt(startedAt.UnixMilli(), 10),
		formatFloat(inFlight),
		strconv.FormatInt(s.clock.Now().UnixMilli(), 10),
	).Err()
	return storeError("checkpoint session", err)
}

// The flip back to idle and the credit happen in one script, so a session can only be paid once.
var settleSessionScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call("HGET", key, "is_mining") ~= "1" or redis.call("HGET", key, "session_started_at") ~= ARGV[1] then
		return 0
	end

	redis.call("HSET", key,
		"is_mining", "0",
		"session_started_at", "0",
		"session_id", "",
		"earned_in_flight", "0",
		"updated_at", ARGV[4])
	redis.call("HINCRBYFLOAT", key, "balance", ARGV[2])
	redis.call("HINCRBYFLOAT", key, "total_mined", ARGV[2])

	local xp = tonumber(redis.call("HINCRBY", key, "experience", ARGV[3]))
	local level = math.floor(math.sqrt(xp / 100)) + 1
	redis.call("HSET", key, "mining_level", tostring(level))
	redis.call("SREM", KEYS[2], ARGV[5])

	return 1
`)

func (s *RedisService) SettleSession(ctx context.Context, userID string, startedAt time.Time, st models.Settlement) (bool, error) {
	settled, err := settleSessionScript.Run(ctx, s.client,
		[]string{recordKey(userID), KeyActiveSessions},
		strconv.FormatInt(startedAt.UnixMilli(), 10),
		formatFloat(st.Earnings),
		strconv.FormatInt(st.ExperienceGain, 10),
		strconv.FormatInt(s.clock.Now().UnixMilli(), 10),
		userID,
	).Int()
	if err != nil {
		return false, storeError("settle session", err)
	}
	return settled == 1, nil
}

func (s *RedisService) ApplySecurity(ctx context.Context, userID string, d models.SecurityDelta) error {
	key := recordKey(userID)
	now := strconv.FormatInt(s.clock.Now().UnixMilli(), 10)

	fields := map[string]interface{}{
		fieldRapidRequests:  d.RapidRequestCount,
		fieldLastActivityAt: now,
		fieldUpdatedAt:      now,
	}
	if d.Fingerprint != "" {
		fields[fieldLastFingerprint] = d.Fingerprint
	}
	if !d.RequestAt.IsZero() {
		fields[fieldLastRequestAt] = strconv.FormatInt(d.RequestAt.UnixMilli(), 10)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if d.SuspicionIncrement != 0 {
			pipe.HIncrBy(ctx, key, fieldSuspicion, int64(d.SuspicionIncrement))
		}
		pipe.HSet(ctx, key, fields)
		return nil
	})
	return storeError("apply security", err)
}

func (s *RedisService) UpdateRecord(ctx context.Context, userID string, u models.RecordUpdate) error {
	fields := map[string]interface{}{
		fieldUpdatedAt: strconv.FormatInt(s.clock.Now().UnixMilli(), 10),
	}
	if u.SpeedLevel != nil {
		fields[fieldUpgradeSpeed] = *u.SpeedLevel
	}
	if u.EfficiencyLevel != nil {
		fields[fieldUpgradeEfficiency] = *u.EfficiencyLevel
	}
	if u.CapacityLevel != nil {
		fields[fieldUpgradeCapacity] = *u.CapacityLevel
	}
	for _, name := range u.Boosts {
		fields[boostFieldPrefix+name] = "1"
	}

	return storeError("update record", s.client.HSet(ctx, recordKey(userID), fields).Err())
}

func (s *RedisService) ActiveSessions(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, KeyActiveSessions).Result()
	if err != nil {
		return nil, storeError("active sessions", err)
	}
	sort.Strings(users)
	return users, nil
}

// Hit increments a fixed-window counter and reports the count and time until the window closes.
func (s *RedisService) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to check rate limit: %v", err)
	}

	if count == 1 {
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("failed to set rate limit window: %v", err)
		}
		return count, window, nil
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, fmt.Errorf("failed to read rate limit window: %v", err)
	}
	if ttl <= 0 {
		// Key lost its expiry; restart the window rather than locking the caller out forever.
		_ = s.client.PExpire(ctx, key, window).Err()
		ttl = window
	}
	return count, ttl, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
