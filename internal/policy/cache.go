package policy

import (
	"sync"
	"time"

	"github.com/execguard/broker/internal/store"
)

// policyCache caches the active policy list per (cartridgeId,
// organizationId) with a TTL, generalized from the teacher's
// decisionCache (engine.go's map+TTL eviction pattern) — but keyed by
// (cartridgeId, organizationId) per spec.md §4.4, not per full decision
// input, since the policy list itself (not the decision) is what's safe
// to reuse across calls. Entries leave the cache when their TTL expires
// or when Clear is called.
type policyCache struct {
	ttl time.Duration
	mu  sync.Mutex
	m   map[string]policyCacheEntry
}

type policyCacheEntry struct {
	policies  []store.Policy
	expiresAt time.Time
}

func newPolicyCache(ttl time.Duration) *policyCache {
	return &policyCache{ttl: ttl, m: make(map[string]policyCacheEntry)}
}

func policyCacheKey(cartridgeID, organizationID string) string {
	return cartridgeID + "\x00" + organizationID
}

func (c *policyCache) Get(cartridgeID, organizationID string) ([]store.Policy, bool) {
	key := policyCacheKey(cartridgeID, organizationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.m[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.m, key)
		return nil, false
	}
	return entry.policies, true
}

func (c *policyCache) Set(cartridgeID, organizationID string, policies []store.Policy) {
	key := policyCacheKey(cartridgeID, organizationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = policyCacheEntry{policies: policies, expiresAt: time.Now().Add(c.ttl)}
}

// Clear drops every cached entry; Engine.InvalidateCache calls it.
func (c *policyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[string]policyCacheEntry)
}
