// Package hub contains the server half of the realtime layer: the connection
// hub, room index, presence table, event broadcaster, and admission control.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Traffic classes recognised by the limiter. Authentication attempts are
// throttled far more aggressively than ordinary traffic.
const (
	LimitClassGeneral   = "general"
	LimitClassAuth      = "auth"
	LimitClassEvents    = "events"
	LimitClassHeartbeat = "heartbeat"
)

var (
	errUnknownLimitClass = errors.New("hub: unknown rate limit class")
	errMissingLimitStore = errors.New("hub: counter store is required")
)

// LimitClass is one (window, maxRequests) tuple applied to a traffic class.
// FailClosed flips the store-outage policy from fail-open to deny; only the
// auth class uses it by default.
type LimitClass struct {
	Name        string
	Window      time.Duration
	MaxRequests int
	FailClosed  bool
}

// DefaultLimitClasses returns the shipped traffic-class tuples.
func DefaultLimitClasses() []LimitClass {
	return []LimitClass{
		{Name: LimitClassGeneral, Window: time.Minute, MaxRequests: 300},
		{Name: LimitClassAuth, Window: time.Minute, MaxRequests: 10, FailClosed: true},
		{Name: LimitClassEvents, Window: time.Second, MaxRequests: 50},
		{Name: LimitClassHeartbeat, Window: 10 * time.Second, MaxRequests: 20},
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// CounterStore increments a windowed counter and reports its value. The
// counter must expire once the window passes. A deployment with more than one
// gateway process must point this at a shared store so the limit reflects a
// global view of the key.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisCounterStore backs windowed counters with shared Redis counters.
type RedisCounterStore struct {
	client *redis.Client
}

// NewRedisCounterStore wraps an established Redis client.
func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

func (s *RedisCounterStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if s.client == nil {
		return 0, errors.New("hub: redis client not initialized")
	}
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// MemoryCounterStore keeps counters in process memory. Suitable for tests and
// single-node deployments only; it has no global view of the key.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]*memoryCounter
	clock   func() time.Time
}

type memoryCounter struct {
	count    int64
	expireAt time.Time
}

// NewMemoryCounterStore constructs an empty in-process store.
func NewMemoryCounterStore(clock func() time.Time) *MemoryCounterStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryCounterStore{entries: make(map[string]*memoryCounter), clock: clock}
}

func (s *MemoryCounterStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || now.After(entry.expireAt) {
		entry = &memoryCounter{expireAt: now.Add(ttl)}
		s.entries[key] = entry
	}
	entry.count++
	if len(s.entries) > 4096 {
		for existing, counter := range s.entries {
			if now.After(counter.expireAt) {
				delete(s.entries, existing)
			}
		}
	}
	return entry.count, nil
}

// ClassStats counts admission outcomes per traffic class.
type ClassStats struct {
	Allowed uint64 `json:"allowed"`
	Denied  uint64 `json:"denied"`
}

// Limiter applies fixed-window admission control per (class, key). On store
// failure it fails open and logs, unless the class opted into fail-closed.
type Limiter struct {
	store   CounterStore
	classes map[string]LimitClass
	clock   func() time.Time
	logger  *zap.Logger

	allowed map[string]*atomic.Uint64
	denied  map[string]*atomic.Uint64
}

// LimiterConfig configures admission control.
type LimiterConfig struct {
	Store   CounterStore
	Classes []LimitClass
	Clock   func() time.Time
	Logger  *zap.Logger
}

// NewLimiter constructs a limiter; missing classes fall back to defaults.
func NewLimiter(cfg LimiterConfig) (*Limiter, error) {
	if cfg.Store == nil {
		return nil, errMissingLimitStore
	}
	classes := cfg.Classes
	if len(classes) == 0 {
		classes = DefaultLimitClasses()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := &Limiter{
		store:   cfg.Store,
		classes: make(map[string]LimitClass, len(classes)),
		clock:   clock,
		logger:  logger,
		allowed: make(map[string]*atomic.Uint64, len(classes)),
		denied:  make(map[string]*atomic.Uint64, len(classes)),
	}
	for _, class := range classes {
		name := strings.TrimSpace(class.Name)
		if name == "" || class.Window <= 0 || class.MaxRequests <= 0 {
			return nil, fmt.Errorf("hub: invalid rate limit class %+v", class)
		}
		limiter.classes[name] = class
		limiter.allowed[name] = &atomic.Uint64{}
		limiter.denied[name] = &atomic.Uint64{}
	}
	return limiter, nil
}

// CheckLimit performs one fixed-window admission check: the window index is
// floor(now/window) and the (key, window) counter carries a TTL equal to the
// window size.
func (l *Limiter) CheckLimit(ctx context.Context, className, key string) (Decision, error) {
	class, ok := l.classes[className]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", errUnknownLimitClass, className)
	}

	now := l.clock()
	windowIndex := now.UnixMilli() / class.Window.Milliseconds()
	resetAt := time.UnixMilli((windowIndex + 1) * class.Window.Milliseconds())
	counterKey := fmt.Sprintf("lifeos:ratelimit:%s:%s:%d", class.Name, key, windowIndex)

	count, err := l.store.Incr(ctx, counterKey, class.Window)
	if err != nil {
		if class.FailClosed {
			l.logger.Warn("rate limit store unavailable, failing closed",
				zap.String("class", class.Name), zap.Error(err))
			l.denied[class.Name].Add(1)
			return Decision{Allowed: false, ResetAt: resetAt}, nil
		}
		l.logger.Warn("rate limit store unavailable, failing open",
			zap.String("class", class.Name), zap.Error(err))
		l.allowed[class.Name].Add(1)
		return Decision{Allowed: true, Remaining: class.MaxRequests, ResetAt: resetAt}, nil
	}

	remaining := class.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	decision := Decision{
		Allowed:   count <= int64(class.MaxRequests),
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if decision.Allowed {
		l.allowed[class.Name].Add(1)
	} else {
		l.denied[class.Name].Add(1)
	}
	return decision, nil
}

// Deny converts a denied decision into the error surfaced to the caller.
func Deny(className string, decision Decision) error {
	return &realtime.RateLimitError{Class: className, ResetAt: decision.ResetAt}
}

// Stats returns per-class admission counters for the status surface.
func (l *Limiter) Stats() map[string]ClassStats {
	stats := make(map[string]ClassStats, len(l.classes))
	for name := range l.classes {
		stats[name] = ClassStats{
			Allowed: l.allowed[name].Load(),
			Denied:  l.denied[name].Load(),
		}
	}
	return stats
}
