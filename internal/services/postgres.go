package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mining-session-backend/internal/config"
	"mining-session-backend/internal/models"
)

// PgxPool is the subset of *pgxpool.Pool used by PostgresStore.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type PostgresStore struct {
	db    PgxPool
	clock Clock
}

func NewPostgresPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DB URL: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return pool, nil
}

func NewPostgresStore(db PgxPool, clock Clock) *PostgresStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &PostgresStore{db: db, clock: clock}
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS mining_records (
		user_id                   TEXT PRIMARY KEY,
		is_mining                 BOOLEAN NOT NULL DEFAULT FALSE,
		session_started_at        TIMESTAMPTZ,
		session_id                TEXT NOT NULL DEFAULT '',
		mining_speed              DOUBLE PRECISION NOT NULL DEFAULT 0,
		balance                   NUMERIC(30, 12) NOT NULL DEFAULT 0,
		earned_in_flight          NUMERIC(30, 12) NOT NULL DEFAULT 0,
		total_mined               NUMERIC(30, 12) NOT NULL DEFAULT 0,
		experience                BIGINT NOT NULL DEFAULT 0,
		mining_level              INTEGER NOT NULL DEFAULT 1,
		upgrade_speed             INTEGER NOT NULL DEFAULT 0,
		upgrade_efficiency        INTEGER NOT NULL DEFAULT 0,
		upgrade_capacity          INTEGER NOT NULL DEFAULT 0,
		boosts                    TEXT[] NOT NULL DEFAULT '{}',
		suspicious_activity_count INTEGER NOT NULL DEFAULT 0,
		last_fingerprint          TEXT NOT NULL DEFAULT '',
		last_activity_at          TIMESTAMPTZ,
		rapid_request_count       INTEGER NOT NULL DEFAULT 0,
		last_request_at           TIMESTAMPTZ,
		created_at                TIMESTAMPTZ NOT NULL,
		updated_at                TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS mining_records_active_idx ON mining_records (user_id) WHERE is_mining;
`

// EnsureSchema creates the mining_records table when it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// now is truncated to milliseconds so stored session starts compare equal across stores.
func (s *PostgresStore) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

func (s *PostgresStore) ensureRecord(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mining_records (user_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, s.now())
	return storeError("ensure record", err)
}

func (s *PostgresStore) GetRecord(ctx context.Context, userID string) (*models.UserMiningRecord, error) {
	if err := s.ensureRecord(ctx, userID); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(ctx, `
		SELECT user_id, is_mining, session_started_at, session_id, mining_speed,
			balance, earned_in_flight, total_mined, experience, mining_level,
			upgrade_speed, upgrade_efficiency, upgrade_capacity, boosts,
			suspicious_activity_count, last_fingerprint, last_activity_at,
			rapid_request_count, last_request_at, created_at, updated_at
		FROM mining_records
		WHERE user_id = $1
	`, userID)

	rec := &models.UserMiningRecord{Boosts: map[string]models.BoostState{}}
	var boosts []string
	err := row.Scan(
		&rec.UserID, &rec.IsMining, &rec.SessionStartedAt, &rec.SessionID, &rec.MiningSpeed,
		&rec.Balance, &rec.EarnedCoinsInFlight, &rec.TotalMined, &rec.Experience, &rec.MiningLevel,
		&rec.Upgrades.Speed, &rec.Upgrades.Efficiency, &rec.Upgrades.Capacity, &boosts,
		&rec.Security.SuspiciousActivityCount, &rec.Security.LastKnownDeviceFingerprint, &rec.Security.LastActivityAt,
		&rec.Security.RapidRequestCount, &rec.Security.LastRequestAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, storeError("get record", err)
	}

	for _, name := range boosts {
		rec.Boosts[name] = models.BoostState{Purchased: true}
	}
	if !rec.IsMining {
		rec.SessionStartedAt = nil
	}
	rec.SessionStartedAt = utcPtr(rec.SessionStartedAt)
	rec.Security.LastActivityAt = utcPtr(rec.Security.LastActivityAt)
	rec.Security.LastRequestAt = utcPtr(rec.Security.LastRequestAt)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (s *PostgresStore) BeginSession(ctx context.Context, userID, sessionID string, speed float64) (*models.UserMiningRecord, bool, error) {
	if err := s.ensureRecord(ctx, userID); err != nil {
		return nil, false, err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE mining_records
		SET is_mining = TRUE, session_started_at = $2, session_id = $3,
			mining_speed = $4, earned_in_flight = 0, updated_at = $2
		WHERE user_id = $1 AND NOT is_mining
	`, userID, s.now(), sessionID, speed)
	if err != nil {
		return nil, false, storeError("begin session", err)
	}

	rec, err := s.GetRecord(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return rec, tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CheckpointSession(ctx context.Context, userID string, startedAt time.Time, inFlight float64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE mining_records
		SET earned_in_flight = $3, updated_at = $4
		WHERE user_id = $1 AND is_mining AND session_started_at = $2
	`, userID, startedAt.UTC().Truncate(time.Millisecond), inFlight, s.now())
	return storeError("checkpoint session", err)
}

func (s *PostgresStore) SettleSession(ctx context.Context, userID string, startedAt time.Time, st models.Settlement) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE mining_records
		SET is_mining = FALSE, session_started_at = NULL, session_id = '', earned_in_flight = 0,
			balance = balance + $3, total_mined = total_mined + $3,
			experience = experience + $4,
			mining_level = floor(sqrt((experience + $4) / 100.0))::int + 1,
			updated_at = $5
		WHERE user_id = $1 AND is_mining AND session_started_at = $2
	`, userID, startedAt.UTC().Truncate(time.Millisecond), st.Earnings, st.ExperienceGain, s.now())
	if err != nil {
		return false, storeError("settle session", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ApplySecurity(ctx context.Context, userID string, d models.SecurityDelta) error {
	if err := s.ensureRecord(ctx, userID); err != nil {
		return err
	}

	var requestAt *time.Time
	if !d.RequestAt.IsZero() {
		t := d.RequestAt.UTC().Truncate(time.Millisecond)
		requestAt = &t
	}

	_, err := s.db.Exec(ctx, `
		UPDATE mining_records
		SET suspicious_activity_count = suspicious_activity_count + $2,
			last_fingerprint = COALESCE(NULLIF($3, ''), last_fingerprint),
			rapid_request_count = $4,
			last_request_at = COALESCE($5, last_request_at),
			last_activity_at = $6, updated_at = $6
		WHERE user_id = $1
	`, userID, d.SuspicionIncrement, d.Fingerprint, d.RapidRequestCount, requestAt, s.now())
	return storeError("apply security", err)
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, userID string, u models.RecordUpdate) error {
	if err := s.ensureRecord(ctx, userID); err != nil {
		return err
	}

	boosts := u.Boosts
	if boosts == nil {
		boosts = []string{}
	}

	_, err := s.db.Exec(ctx, `
		UPDATE mining_records
		SET upgrade_speed = COALESCE($2, upgrade_speed),
			upgrade_efficiency = COALESCE($3, upgrade_efficiency),
			upgrade_capacity = COALESCE($4, upgrade_capacity),
			boosts = ARRAY(SELECT DISTINCT b FROM unnest(boosts || $5::text[]) AS b ORDER BY b),
			updated_at = $6
		WHERE user_id = $1
	`, userID, u.SpeedLevel, u.EfficiencyLevel, u.CapacityLevel, boosts, s.now())
	return storeError("update record", err)
}

func (s *PostgresStore) ActiveSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT user_id FROM mining_records WHERE is_mining ORDER BY user_id`)
	if err != nil {
		return nil, storeError("active sessions", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeError("active sessions", err)
		}
		users = append(users, id)
	}
	return users, storeError("active sessions", rows.Err())
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
