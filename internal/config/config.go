package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPort         = "8080"
	DefaultWorkerID     = "0"
	DefaultStoreBackend = "redis"
	DefaultRedisURL     = "localhost:6379"

	DefaultRateLimitBackend     = "memory"
	DefaultMaxRequestsPerMinute = 20
	DefaultMaxRequestsPerHour   = 500
	DefaultMaxMiningRequests    = 5 // per 5 minutes
	DefaultMaxUpgradeRequests   = 3 // per 2 minutes

	DefaultSuspiciousActivityThreshold = 5
	DefaultSuspendThreshold            = 10
	DefaultMaxSessionSeconds           = 7200
	DefaultTimestampToleranceSeconds   = 300
	DefaultTimeManipulationSeconds     = 300
	DefaultMinRequestIntervalMs        = 2000
	DefaultMaxRapidRequests            = 5

	DefaultAuthDelayMinMs = 500
	DefaultAuthDelayMaxMs = 1000
	DefaultIOTimeoutMs    = 3000

	DefaultBaseMiningSpeed = 0.000116
	DefaultSpeedIncrement  = 0.00002

	DefaultSweepIntervalSeconds = 60
	DefaultSweepConcurrency     = 8
)

// DefaultDeviceDenylist holds low-entropy fingerprint fragments emitted by emulators and stubs.
var DefaultDeviceDenylist = []string{"00000000", "ffffffff", "deadbeef", "cafebabe", "unknown", "test", "fake"}

type Config struct {
	Env      string
	Port     string
	WorkerID string

	JWTSecret string

	StoreBackend string
	RedisURL     string
	RedisPass    string
	RedisDB      int
	DatabaseURL  string

	RateLimitBackend     string
	MaxRequestsPerMinute int
	MaxRequestsPerHour   int
	MaxMiningRequests    int
	MaxUpgradeRequests   int

	SuspiciousActivityThreshold int
	SuspendThreshold            int
	MaxSessionSeconds           int
	TimestampTolerance          time.Duration
	TimeManipulationThreshold   time.Duration
	DeviceDenylist              []string
	MinRequestInterval          time.Duration
	MaxRapidRequests            int

	AuthDelayMin time.Duration
	AuthDelayMax time.Duration
	IOTimeout    time.Duration

	BaseMiningSpeed float64
	SpeedIncrement  float64

	AuditLogDir string
	AuditStdout bool

	SweepInterval    time.Duration
	SweepConcurrency int
}

func Load() (*Config, error) {
	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnv("PORT", DefaultPort),
		WorkerID: getEnv("WORKER_ID", DefaultWorkerID),

		JWTSecret: os.Getenv("JWT_SECRET"),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", DefaultStoreBackend)),
		RedisURL:     getEnv("REDIS_URL", DefaultRedisURL),
		RedisPass:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:      getEnvAsInt("REDIS_DB", 0),
		DatabaseURL:  os.Getenv("DATABASE_URL"),

		RateLimitBackend:     strings.ToLower(getEnv("RATE_LIMIT_BACKEND", DefaultRateLimitBackend)),
		MaxRequestsPerMinute: getEnvAsInt("MAX_REQUESTS_PER_MINUTE", DefaultMaxRequestsPerMinute),
		MaxRequestsPerHour:   getEnvAsInt("MAX_REQUESTS_PER_HOUR", DefaultMaxRequestsPerHour),
		MaxMiningRequests:    getEnvAsInt("MAX_MINING_REQUESTS", DefaultMaxMiningRequests),
		MaxUpgradeRequests:   getEnvAsInt("MAX_UPGRADE_REQUESTS", DefaultMaxUpgradeRequests),

		SuspiciousActivityThreshold: getEnvAsInt("SUSPICIOUS_ACTIVITY_THRESHOLD", DefaultSuspiciousActivityThreshold),
		SuspendThreshold:            getEnvAsInt("SUSPEND_THRESHOLD", DefaultSuspendThreshold),
		MaxSessionSeconds:           getEnvAsInt("MAX_SESSION_SECONDS", DefaultMaxSessionSeconds),
		TimestampTolerance:          getEnvAsSeconds("TIMESTAMP_TOLERANCE_SECONDS", DefaultTimestampToleranceSeconds),
		TimeManipulationThreshold:   getEnvAsSeconds("TIME_MANIPULATION_THRESHOLD_SECONDS", DefaultTimeManipulationSeconds),
		DeviceDenylist:              getEnvAsList("DEVICE_ID_DENYLIST", DefaultDeviceDenylist),
		MinRequestInterval:          getEnvAsMillis("MIN_REQUEST_INTERVAL_MS", DefaultMinRequestIntervalMs),
		MaxRapidRequests:            getEnvAsInt("MAX_RAPID_REQUESTS", DefaultMaxRapidRequests),

		AuthDelayMin: getEnvAsMillis("AUTH_DELAY_MIN_MS", DefaultAuthDelayMinMs),
		AuthDelayMax: getEnvAsMillis("AUTH_DELAY_MAX_MS", DefaultAuthDelayMaxMs),
		IOTimeout:    getEnvAsMillis("IO_TIMEOUT_MS", DefaultIOTimeoutMs),

		BaseMiningSpeed: getEnvAsFloat("BASE_MINING_SPEED", DefaultBaseMiningSpeed),
		SpeedIncrement:  getEnvAsFloat("SPEED_INCREMENT", DefaultSpeedIncrement),

		AuditLogDir: os.Getenv("AUDIT_LOG_DIR"),
		AuditStdout: getEnvAsBool("AUDIT_STDOUT", true),

		SweepInterval:    getEnvAsSeconds("SWEEP_INTERVAL_SECONDS", DefaultSweepIntervalSeconds),
		SweepConcurrency: getEnvAsInt("SWEEP_CONCURRENCY", DefaultSweepConcurrency),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("missing required config: JWT_SECRET")
	}
	switch c.StoreBackend {
	case "redis", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("missing required config: DATABASE_URL")
		}
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.RateLimitBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}
	if c.MaxSessionSeconds <= 0 {
		return fmt.Errorf("MAX_SESSION_SECONDS must be positive")
	}
	if c.MaxRequestsPerMinute <= 0 || c.MaxRequestsPerHour <= 0 || c.MaxMiningRequests <= 0 || c.MaxUpgradeRequests <= 0 {
		return fmt.Errorf("rate limit thresholds must be positive")
	}
	if c.SuspiciousActivityThreshold <= 0 || c.SuspendThreshold <= 0 {
		return fmt.Errorf("suspicion thresholds must be positive")
	}
	if c.AuthDelayMax < c.AuthDelayMin {
		return fmt.Errorf("AUTH_DELAY_MAX_MS must not be below AUTH_DELAY_MIN_MS")
	}
	if c.BaseMiningSpeed <= 0 {
		return fmt.Errorf("BASE_MINING_SPEED must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive")
	}
	if c.IOTimeout <= 0 {
		return fmt.Errorf("IO_TIMEOUT_MS must be positive")
	}
	if c.TimestampTolerance <= 0 || c.TimeManipulationThreshold <= 0 {
		return fmt.Errorf("timestamp thresholds must be positive")
	}
	return nil
}

func (c *Config) MaxSession() time.Duration {
	return time.Duration(c.MaxSessionSeconds) * time.Second
}

func getEnv(key string, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(strings.TrimSpace(valStr))
	if err != nil {
		log.Printf("Invalid value for %s, using default %d", key, defaultVal)
		return defaultVal
	}
	return val
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseFloat(strings.TrimSpace(valStr), 64)
	if err != nil {
		log.Printf("Invalid value for %s, using default %g", key, defaultVal)
		return defaultVal
	}
	return val
}

func getEnvAsBool(key string, defaultVal bool) bool {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(strings.TrimSpace(valStr))
	if err != nil {
		log.Printf("Invalid value for %s, using default %t", key, defaultVal)
		return defaultVal
	}
	return val
}

func getEnvAsSeconds(key string, defaultVal int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultVal)) * time.Second
}

func getEnvAsMillis(key string, defaultVal int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultVal)) * time.Millisecond
}

func getEnvAsList(key string, defaultVal []string) []string {
	valStr := os.Getenv(key)
	if valStr == "" {
		return append([]string(nil), defaultVal...)
	}
	var out []string
	for _, part := range strings.Split(valStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
