package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"
	"golang.org/x/sync/singleflight"

	"mining-session-backend/internal/config"
	minerr "mining-session-backend/internal/errors"
	"mining-session-backend/internal/models"
)

type MiningEngine struct {
	store     SessionStore
	antiCheat *AntiCheat
	audit     AuditSink
	notifier  Notifier
	clock     Clock

	speed            models.SpeedPolicy
	maxSession       time.Duration
	denylist         []string
	ioTimeout        time.Duration
	sweepConcurrency int

	settling singleflight.Group
}

type StartRequest struct {
	Identity        Identity
	ClientTimestamp time.Time
	LocalElapsed    *time.Duration
}

type SessionStarted struct {
	SessionID   string    `json:"sessionId"`
	StartedAt   time.Time `json:"sessionStartedAt"`
	MiningSpeed float64   `json:"miningSpeed"`
}

type CheckRequest struct {
	Identity Identity
	// UserID is the id the client claims in the body; empty means the token's user.
	UserID          string
	ClientTimestamp time.Time
	LocalElapsed    *time.Duration
}

type CheckResult struct {
	SessionEnded bool
	Earnings     float64
}

type MiningStatus struct {
	UserID           string                       `json:"userId"`
	IsMining         bool                         `json:"isMining"`
	SessionStartedAt *time.Time                   `json:"sessionStartedAt"`
	MiningSpeed      float64                      `json:"miningSpeed"`
	EarnedSoFar      float64                      `json:"earnedSoFar"`
	RemainingSeconds int64                        `json:"remainingSeconds"`
	Balance          float64                      `json:"balance"`
	TotalMined       float64                      `json:"totalMined"`
	Experience       int64                        `json:"experience"`
	MiningLevel      int                          `json:"miningLevel"`
	NextSpeed        float64                      `json:"nextSessionSpeed"`
	Upgrades         models.Upgrades              `json:"upgrades"`
	Boosts           map[string]models.BoostState `json:"boosts"`
}

// UpgradeChange is an admin edit of upgrade levels and boost purchases.
type UpgradeChange struct {
	Upgrades map[string]int `json:"upgrades"`
	Boosts   []string       `json:"boosts"`
}

func NewMiningEngine(cfg *config.Config, store SessionStore, antiCheat *AntiCheat, audit AuditSink, notifier Notifier, clock Clock) *MiningEngine {
	if clock == nil {
		clock = SystemClock{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	concurrency := cfg.SweepConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &MiningEngine{
		store:     store,
		antiCheat: antiCheat,
		audit:     audit,
		notifier:  notifier,
		clock:     clock,
		speed: models.SpeedPolicy{
			BaseSpeed:      cfg.BaseMiningSpeed,
			SpeedIncrement: cfg.SpeedIncrement,
		},
		maxSession:       cfg.MaxSession(),
		denylist:         cfg.DeviceDenylist,
		ioTimeout:        cfg.IOTimeout,
		sweepConcurrency: concurrency,
	}
}

func (e *MiningEngine) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.ioTimeout)
}

// screen loads the record, runs the anti-cheat evaluator and persists its delta.
func (e *MiningEngine) screen(ctx context.Context, id Identity, clientTs time.Time, localElapsed *time.Duration) (*models.UserMiningRecord, error) {
	ioCtx, cancel := e.ioContext(ctx)
	defer cancel()

	rec, err := e.store.GetRecord(ioCtx, id.UserID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	obs := Observation{
		DeviceID:        id.DeviceID,
		ClientTimestamp: clientTs,
		LocalElapsed:    localElapsed,
		Now:             now,
	}
	if rec.IsMining && rec.SessionStartedAt != nil {
		elapsed := now.Sub(*rec.SessionStartedAt)
		obs.ServerElapsed = &elapsed
	}

	verdict := e.antiCheat.Evaluate(rec.Security, obs)
	if err := e.store.ApplySecurity(ioCtx, id.UserID, verdict.Delta); err != nil {
		return nil, err
	}

	if verdict.Blocked {
		e.audit.Log(CategorySecurity, "request blocked by anti-cheat", Fields{
			"userId":          id.UserID,
			"deviceId":        id.DeviceID,
			"reasons":         verdict.Reasons,
			"suspiciousCount": rec.Security.SuspiciousActivityCount + verdict.Delta.SuspicionIncrement,
		})
		return nil, minerr.ErrUnderReview
	}
	if verdict.Delta.SuspicionIncrement > 0 {
		e.audit.Log(CategorySecurity, "suspicious activity detected", Fields{
			"userId":          id.UserID,
			"deviceId":        id.DeviceID,
			"reasons":         verdict.Reasons,
			"suspiciousCount": rec.Security.SuspiciousActivityCount + verdict.Delta.SuspicionIncrement,
		})
	}
	return rec, nil
}

// StartSession moves an idle user to mining. The speed is computed once here and frozen
// for the whole session.
func (e *MiningEngine) StartSession(ctx context.Context, req StartRequest) (*SessionStarted, error) {
	if err := ValidateDeviceFingerprint(req.Identity.DeviceID, e.denylist); err != nil {
		return nil, err
	}

	rec, err := e.screen(ctx, req.Identity, req.ClientTimestamp, req.LocalElapsed)
	if err != nil {
		return nil, err
	}
	if rec.IsMining {
		return nil, minerr.ErrAlreadyMining
	}

	speed := e.speed.MiningSpeed(rec.Upgrades, rec.Boosts)
	sessionID := models.GenerateSessionID()

	ioCtx, cancel := e.ioContext(ctx)
	defer cancel()
	updated, started, err := e.store.BeginSession(ioCtx, req.Identity.UserID, sessionID, speed)
	if err != nil {
		return nil, err
	}
	if !started || updated.SessionStartedAt == nil {
		return nil, minerr.ErrAlreadyMining
	}

	result := &SessionStarted{
		SessionID:   sessionID,
		StartedAt:   *updated.SessionStartedAt,
		MiningSpeed: speed,
	}
	e.audit.Log(CategoryMining, "mining session started", Fields{
		"userId":      req.Identity.UserID,
		"sessionId":   sessionID,
		"miningSpeed": speed,
		"speedLevel":  rec.Upgrades.Speed,
		"boosts":      rec.PurchasedBoosts(),
		"startedAt":   result.StartedAt.UnixMilli(),
	})
	e.notifier.NotifyUser(req.Identity.UserID, EventSessionStarted, result)
	return result, nil
}

// CheckSession settles a session that has reached the cap, or checkpoints its in-flight
// earnings otherwise.
func (e *MiningEngine) CheckSession(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	if req.UserID != "" && req.UserID != req.Identity.UserID {
		return nil, minerr.ErrUserMismatch
	}

	rec, err := e.screen(ctx, req.Identity, req.ClientTimestamp, req.LocalElapsed)
	if err != nil {
		return nil, err
	}
	if !rec.IsMining || rec.SessionStartedAt == nil {
		return &CheckResult{SessionEnded: false}, nil
	}

	startedAt := *rec.SessionStartedAt
	elapsed := e.clock.Now().Sub(startedAt)
	if elapsed >= e.maxSession {
		return e.settle(ctx, rec.UserID, startedAt, rec.MiningSpeed, rec.SessionID)
	}

	inFlight := models.SessionEarnings(elapsed, e.maxSession, rec.MiningSpeed)
	ioCtx, cancel := e.ioContext(ctx)
	defer cancel()
	if err := e.store.CheckpointSession(ioCtx, rec.UserID, startedAt, inFlight); err != nil {
		e.audit.Log(CategoryError, "failed to checkpoint session", Fields{
			"userId": rec.UserID,
			"error":  err.Error(),
		})
	}
	return &CheckResult{SessionEnded: false}, nil
}

// settle credits a finished session exactly once. Concurrent callers in this process share
// one store call; callers in other processes lose the store compare-and-swap and still get
// the same result, since earnings depend only on the frozen speed and the cap.
func (e *MiningEngine) settle(ctx context.Context, userID string, startedAt time.Time, speed float64, sessionID string) (*CheckResult, error) {
	key := fmt.Sprintf("%s:%d", userID, startedAt.UnixMilli())

	v, err, _ := e.settling.Do(key, func() (interface{}, error) {
		earnings := models.SessionEarnings(e.maxSession, e.maxSession, speed)
		st := models.Settlement{
			Earnings:       earnings,
			ExperienceGain: models.ExperienceForEarnings(earnings),
		}

		ioCtx, cancel := e.ioContext(context.WithoutCancel(ctx))
		defer cancel()
		settled, err := e.store.SettleSession(ioCtx, userID, startedAt, st)
		if err != nil {
			return nil, err
		}

		if settled {
			e.audit.Log(CategoryMining, "mining session settled", Fields{
				"userId":         userID,
				"sessionId":      sessionID,
				"earnings":       models.FormatCoins(earnings),
				"experienceGain": st.ExperienceGain,
			})
			e.notifier.NotifyUser(userID, EventSessionSettled, Fields{"earnings": earnings})
			if rec, err := e.store.GetRecord(ioCtx, userID); err == nil {
				e.notifier.NotifyUser(userID, EventBalanceUpdate, Fields{
					"balance":     rec.Balance,
					"miningLevel": rec.MiningLevel,
				})
			}
		}
		return &CheckResult{SessionEnded: true, Earnings: earnings}, nil
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*CheckResult)
	return &res, nil
}

func (e *MiningEngine) Status(ctx context.Context, userID string) (*MiningStatus, error) {
	ioCtx, cancel := e.ioContext(ctx)
	defer cancel()
	rec, err := e.store.GetRecord(ioCtx, userID)
	if err != nil {
		return nil, err
	}

	status := &MiningStatus{
		UserID:           rec.UserID,
		IsMining:         rec.IsMining,
		SessionStartedAt: rec.SessionStartedAt,
		MiningSpeed:      rec.MiningSpeed,
		Balance:          rec.Balance,
		TotalMined:       rec.TotalMined,
		Experience:       rec.Experience,
		MiningLevel:      rec.MiningLevel,
		NextSpeed:        e.speed.MiningSpeed(rec.Upgrades, rec.Boosts),
		Upgrades:         rec.Upgrades,
		Boosts:           rec.Boosts,
	}
	if rec.IsMining && rec.SessionStartedAt != nil {
		elapsed := e.clock.Now().Sub(*rec.SessionStartedAt)
		status.EarnedSoFar = models.SessionEarnings(elapsed, e.maxSession, rec.MiningSpeed)
		if remaining := e.maxSession - elapsed; remaining > 0 {
			status.RemainingSeconds = int64(remaining.Seconds())
		}
	} else {
		status.MiningSpeed = status.NextSpeed
	}
	return status, nil
}

// ApplyUpgrades merges upgrade levels and boost purchases into the record. Balance is not
// charged and an active session keeps its frozen speed.
func (e *MiningEngine) ApplyUpgrades(ctx context.Context, userID string, change UpgradeChange) error {
	var update models.RecordUpdate
	for name, level := range change.Upgrades {
		if !models.IsKnownUpgrade(name) || level < 0 {
			return fmt.Errorf("%w: %s", minerr.ErrUnknownUpgrade, name)
		}
		l := level
		switch name {
		case models.UpgradeSpeed:
			update.SpeedLevel = &l
		case models.UpgradeEfficiency:
			update.EfficiencyLevel = &l
		case models.UpgradeCapacity:
			update.CapacityLevel = &l
		}
	}
	for _, name := range change.Boosts {
		if _, ok := models.LifetimeBoosts[name]; !ok {
			return fmt.Errorf("%w: %s", minerr.ErrUnknownBoost, name)
		}
	}
	update.Boosts = change.Boosts

	ioCtx, cancel := e.ioContext(ctx)
	defer cancel()
	if err := e.store.UpdateRecord(ioCtx, userID, update); err != nil {
		return err
	}

	e.audit.Log(CategoryMining, "upgrades applied", Fields{
		"userId":   userID,
		"upgrades": change.Upgrades,
		"boosts":   change.Boosts,
	})
	return nil
}

// SettleExpiredSessions closes every active session past the cap and returns how many it closed.
func (e *MiningEngine) SettleExpiredSessions(ctx context.Context) (int, error) {
	listCtx, cancel := e.ioContext(ctx)
	users, err := e.store.ActiveSessions(listCtx)
	cancel()
	if err != nil {
		return 0, err
	}

	var settled atomic.Int64
	swg := sizedwaitgroup.New(e.sweepConcurrency)
	for _, userID := range users {
		if err := swg.AddWithContext(ctx); err != nil {
			break
		}
		go func(userID string) {
			defer swg.Done()
			if e.settleIfExpired(ctx, userID) {
				settled.Add(1)
			}
		}(userID)
	}
	swg.Wait()

	n := int(settled.Load())
	if n > 0 {
		e.audit.Log(CategoryMining, "expired sessions settled", Fields{"count": n})
	}
	return n, ctx.Err()
}

func (e *MiningEngine) settleIfExpired(ctx context.Context, userID string) bool {
	ioCtx, cancel := e.ioContext(ctx)
	rec, err := e.store.GetRecord(ioCtx, userID)
	cancel()
	if err != nil {
		e.audit.Log(CategoryError, "sweep failed to load record", Fields{"userId": userID, "error": err.Error()})
		return false
	}
	if !rec.IsMining || rec.SessionStartedAt == nil {
		return false
	}
	if e.clock.Now().Sub(*rec.SessionStartedAt) < e.maxSession {
		return false
	}

	if _, err := e.settle(ctx, userID, *rec.SessionStartedAt, rec.MiningSpeed, rec.SessionID); err != nil {
		e.audit.Log(CategoryError, "sweep failed to settle session", Fields{"userId": userID, "error": err.Error()})
		return false
	}
	return true
}
