package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mining-session-backend/internal/config"
)

type EndpointClass int

const (
	ClassGeneral EndpointClass = iota
	ClassMining
	ClassUpgrade
)

// Window is one fixed-window quota. Denials are logged under Category.
type Window struct {
	Name     string
	Limit    int
	Size     time.Duration
	Category Category
}

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Window     Window
}

// WindowCounter increments the counter for key and returns the new count and the time
// left until the window resets.
type WindowCounter interface {
	Hit(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

type RateLimiter struct {
	counter WindowCounter
	audit   AuditSink
	global  []Window
	mining  Window
	upgrade Window
}

func NewRateLimiter(cfg *config.Config, counter WindowCounter, audit AuditSink) *RateLimiter {
	return &RateLimiter{
		counter: counter,
		audit:   audit,
		global: []Window{
			{Name: "minute", Limit: cfg.MaxRequestsPerMinute, Size: time.Minute, Category: CategorySecurity},
			{Name: "hour", Limit: cfg.MaxRequestsPerHour, Size: time.Hour, Category: CategorySecurity},
		},
		mining:  Window{Name: "mining", Limit: cfg.MaxMiningRequests, Size: 5 * time.Minute, Category: CategoryMining},
		upgrade: Window{Name: "upgrade", Limit: cfg.MaxUpgradeRequests, Size: 2 * time.Minute, Category: CategoryMining},
	}
}

// IdentityKey partitions quotas by client address, device and worker process.
func IdentityKey(clientIP, deviceID, workerID string) string {
	return clientIP + ":" + deviceID + ":worker:" + workerID
}

func (r *RateLimiter) WindowsFor(class EndpointClass) []Window {
	windows := append([]Window(nil), r.global...)
	switch class {
	case ClassMining:
		windows = append(windows, r.mining)
	case ClassUpgrade:
		windows = append(windows, r.upgrade)
	}
	return windows
}

// CheckAndIncrement counts the request against each window in order and stops at the first denial.
func (r *RateLimiter) CheckAndIncrement(ctx context.Context, key string, windows []Window) (Decision, error) {
	for _, w := range windows {
		count, ttl, err := r.counter.Hit(ctx, fmt.Sprintf(KeyRateLimit, w.Name, key), w.Size)
		if err != nil {
			return Decision{}, storeError("rate limit", err)
		}
		if count > int64(w.Limit) {
			r.audit.Log(w.Category, "rate limit exceeded", Fields{
				"key":        key,
				"window":     w.Name,
				"limit":      w.Limit,
				"retryAfter": ttl.Seconds(),
			})
			return Decision{Allowed: false, RetryAfter: ttl, Window: w}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

type memoryWindow struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter keeps fixed-window counters in process memory; state is lost on restart.
type MemoryCounter struct {
	mu        sync.Mutex
	clock     Clock
	windows   map[string]*memoryWindow
	lastSweep time.Time
}

func NewMemoryCounter(clock Clock) *MemoryCounter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemoryCounter{
		clock:     clock,
		windows:   make(map[string]*memoryWindow),
		lastSweep: clock.Now(),
	}
}

func (m *MemoryCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if now.Sub(m.lastSweep) >= time.Minute {
		m.sweep(now)
	}

	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		m.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt.Sub(now), nil
}

func (m *MemoryCounter) sweep(now time.Time) {
	for key, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, key)
		}
	}
	m.lastSweep = now
}
