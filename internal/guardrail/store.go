// Package guardrail implements the broker's shared, TTL'd rate-limit
// and cooldown state (spec.md C10), with in-process and Redis-backed
// implementations mirroring the teacher's dual in-memory/Redis
// approach (internal/circuitbreaker/redis_wrapper.go).
package guardrail

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/execguard/broker/internal/circuitbreaker"
)

// RateLimitEntry is one fixed-window counter (spec.md §4.10).
type RateLimitEntry struct {
	Count       int
	WindowStart int64 // unix ms, floor(now/windowMs)*windowMs
}

// Store is the guardrail state contract (spec.md §4.10). TTL is
// mandatory: any entry past TTL must be treated as absent by every
// implementation.
type Store interface {
	GetRateLimits(ctx context.Context, scopeKeys []string) (map[string]RateLimitEntry, error)
	SetRateLimit(ctx context.Context, scopeKey string, entry RateLimitEntry, ttl time.Duration) error
	GetCooldowns(ctx context.Context, entityKeys []string) (map[string]time.Time, error)
	SetCooldown(ctx context.Context, entityKey string, ts time.Time, ttl time.Duration) error
}

// InProcessStore is the mutex-guarded, per-entry-expiry default Store.
type InProcessStore struct {
	mu        sync.Mutex
	rateLimits map[string]ttlEntry
	cooldowns  map[string]ttlEntry
}

type ttlEntry struct {
	value     interface{}
	expiresAt time.Time
}

func NewInProcessStore() *InProcessStore {
	return &InProcessStore{
		rateLimits: make(map[string]ttlEntry),
		cooldowns:  make(map[string]ttlEntry),
	}
}

func (s *InProcessStore) GetRateLimits(ctx context.Context, scopeKeys []string) (map[string]RateLimitEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make(map[string]RateLimitEntry, len(scopeKeys))
	for _, key := range scopeKeys {
		e, ok := s.rateLimits[key]
		if !ok || now.After(e.expiresAt) {
			continue
		}
		out[key] = e.value.(RateLimitEntry)
	}
	return out, nil
}

func (s *InProcessStore) SetRateLimit(ctx context.Context, scopeKey string, entry RateLimitEntry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimits[scopeKey] = ttlEntry{value: entry, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *InProcessStore) GetCooldowns(ctx context.Context, entityKeys []string) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make(map[string]time.Time, len(entityKeys))
	for _, key := range entityKeys {
		e, ok := s.cooldowns[key]
		if !ok || now.After(e.expiresAt) {
			continue
		}
		out[key] = e.value.(time.Time)
	}
	return out, nil
}

func (s *InProcessStore) SetCooldown(ctx context.Context, entityKey string, ts time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[entityKey] = ttlEntry{value: ts, expiresAt: time.Now().Add(ttl)}
	return nil
}

// CircuitBreakerRedisStore is the shared-deployment Store: every
// Redis round trip goes through a circuit breaker, so a flapping
// shared cache degrades to fast local failures (which the policy
// engine's checkRateLimits/checkCooldowns treat as fail-open) instead
// of piling up blocked evaluations (spec.md C10).
type CircuitBreakerRedisStore struct {
	wrapper *circuitbreaker.RedisWrapper
	prefix  string
}

// NewCircuitBreakerRedisStore wraps client with a circuit breaker
// before use.
func NewCircuitBreakerRedisStore(client *redis.Client, logger *zap.Logger) *CircuitBreakerRedisStore {
	return &CircuitBreakerRedisStore{
		wrapper: circuitbreaker.NewRedisWrapper(client, logger),
		prefix:  "guardrail:",
	}
}

func (s *CircuitBreakerRedisStore) rlKey(scopeKey string) string  { return s.prefix + "rl:" + scopeKey }
func (s *CircuitBreakerRedisStore) cdKey(entityKey string) string { return s.prefix + "cd:" + entityKey }

func (s *CircuitBreakerRedisStore) GetRateLimits(ctx context.Context, scopeKeys []string) (map[string]RateLimitEntry, error) {
	out := make(map[string]RateLimitEntry, len(scopeKeys))
	for _, key := range scopeKeys {
		res := s.wrapper.HGetAll(ctx, s.rlKey(key))
		if res.Err() != nil || len(res.Val()) == 0 {
			continue
		}
		var entry RateLimitEntry
		if v, ok := res.Val()["count"]; ok {
			entry.Count, _ = strconv.Atoi(v)
		}
		if v, ok := res.Val()["windowStart"]; ok {
			entry.WindowStart, _ = strconv.ParseInt(v, 10, 64)
		}
		out[key] = entry
	}
	return out, nil
}

func (s *CircuitBreakerRedisStore) SetRateLimit(ctx context.Context, scopeKey string, entry RateLimitEntry, ttl time.Duration) error {
	return s.wrapper.PipelinedHSetExpire(ctx, s.rlKey(scopeKey), map[string]interface{}{
		"count":       entry.Count,
		"windowStart": entry.WindowStart,
	}, ttl)
}

func (s *CircuitBreakerRedisStore) GetCooldowns(ctx context.Context, entityKeys []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(entityKeys))
	for _, key := range entityKeys {
		res := s.wrapper.Get(ctx, s.cdKey(key))
		if res.Err() == redis.Nil || res.Err() != nil {
			continue
		}
		if unixMilli, err := strconv.ParseInt(res.Val(), 10, 64); err == nil {
			out[key] = time.UnixMilli(unixMilli)
		}
	}
	return out, nil
}

func (s *CircuitBreakerRedisStore) SetCooldown(ctx context.Context, entityKey string, ts time.Time, ttl time.Duration) error {
	return s.wrapper.Set(ctx, s.cdKey(entityKey), ts.UnixMilli(), ttl).Err()
}
