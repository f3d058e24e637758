// Package idempotency implements the broker's pluggable idempotency
// cache (spec.md §4.8 "Idempotency"): the first successful response
// for a caller-supplied key is cached for a TTL window, and later
// calls with the same key replay the cached response instead of
// re-running resolveAndPropose.
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWindow is spec.md §6's IDEMPOTENCY_WINDOW_MS default (5 min).
const DefaultWindow = 5 * time.Minute

// Store caches one opaque response blob per idempotency key. Get
// reports found=false once the TTL has elapsed, matching the
// guardrail store's "past TTL must be treated as absent" contract.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// PutIfAbsent stores value under key with the given ttl only if no
	// value is already stored; it reports stored=false (and the
	// existing value) when a concurrent caller won the race, so callers
	// never overwrite an already-cached first response.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (stored bool, existing []byte, err error)
}

type inProcessEntry struct {
	value     []byte
	expiresAt time.Time
}

// InProcessStore keeps cached responses in a mutex-guarded map,
// grounded in the teacher's processedUsage map + idempotencyMu pattern
// (internal/budget/manager.go), generalized from a bare "seen" flag to
// a cached response payload.
type InProcessStore struct {
	mu      sync.Mutex
	entries map[string]inProcessEntry
}

func NewInProcessStore() *InProcessStore {
	return &InProcessStore{entries: make(map[string]inProcessEntry)}
}

func (s *InProcessStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *InProcessStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && !time.Now().After(e.expiresAt) {
		return false, e.value, nil
	}
	s.entries[key] = inProcessEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return true, nil, nil
}

// RedisStore backs the idempotency cache with a native-TTL external
// KV, the same dual in-memory/Redis shape as internal/guardrail.Store.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "idem:"}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// PutIfAbsent uses Redis SETNX semantics (SetNX) so two concurrent
// first-calls for the same key race safely: exactly one stores, the
// other observes stored=false and reads back the winner's value.
func (s *RedisStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, []byte, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, value, ttl).Result()
	if err != nil {
		return false, nil, err
	}
	if ok {
		return true, nil, nil
	}
	existing, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// CachedResponse is the envelope wrapped around whatever response
// value a cacheable operation returns.
type CachedResponse struct {
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body"`
}

// Execute runs fn under key's idempotency protection: if a cached
// response already exists for key, it is decoded into out and
// replayed without calling fn; otherwise fn runs once, its result (on
// success) is cached for ttl, and subsequent calls replay it. GET-
// equivalent reads should not go through Execute, per spec.md §4.8.
func Execute(ctx context.Context, s Store, key string, ttl time.Duration, fn func() (CachedResponse, error)) (CachedResponse, bool, error) {
	if key == "" {
		resp, err := fn()
		return resp, false, err
	}

	if cached, found, err := s.Get(ctx, key); err == nil && found {
		var resp CachedResponse
		if err := json.Unmarshal(cached, &resp); err == nil {
			return resp, true, nil
		}
	}

	resp, err := fn()
	if err != nil {
		return resp, false, err
	}

	encoded, mErr := json.Marshal(resp)
	if mErr == nil {
		stored, existing, pErr := s.PutIfAbsent(ctx, key, encoded, ttl)
		if pErr == nil && !stored {
			var raced CachedResponse
			if json.Unmarshal(existing, &raced) == nil {
				return raced, true, nil
			}
		}
	}
	return resp, false, nil
}
