package approval

import (
	"strings"
	"time"

	"github.com/execguard/broker/internal/store"
)

// ChainHop is one grantor→grantee step in a resolved delegation chain.
type ChainHop struct {
	Grantor string
	Grantee string
	Scope   string
}

// ChainResult is what resolveDelegationChain returns.
type ChainResult struct {
	Authorized    bool
	Chain         []ChainHop
	Depth         int
	EffectiveScope string
}

const defaultMaxDepth = 5

// ResolveDelegationChain walks backward from principal through
// DelegationRules (grantee → grantor) looking for a grantor in
// approverIDs, per spec.md §4.6. Rules are fetched hop by hop through
// lookupByGrantee (callers typically back it with
// DelegationStore.RulesByGrantee).
//
// lookupByGrantee returns the rules under which grantee was granted
// authority (i.e. rules where rule.Grantee == grantee), letting the
// walk step from a grantee back to its grantor without loading the
// entire rule set into memory.
func ResolveDelegationChain(
	principal string,
	approverIDs []string,
	lookupByGrantee func(grantee string) []store.DelegationRule,
	now time.Time,
	requiredScope string,
) ChainResult {
	approverSet := make(map[string]struct{}, len(approverIDs))
	for _, a := range approverIDs {
		approverSet[a] = struct{}{}
	}

	type frontier struct {
		grantee string
		depth   int
		scope   string
		chain   []ChainHop
	}

	visited := map[string]struct{}{principal: {}}
	queue := []frontier{{grantee: principal, depth: 0, scope: "*", chain: nil}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, rule := range lookupByGrantee(cur.grantee) {
			if rule.ExpiresAt != nil && !rule.ExpiresAt.After(now) {
				continue
			}
			maxDepth := rule.MaxChainDepth
			if maxDepth <= 0 {
				maxDepth = 1
			}
			if maxDepth > defaultMaxDepth {
				maxDepth = defaultMaxDepth
			}
			if cur.depth+1 > maxDepth {
				continue
			}
			if _, seen := visited[rule.Grantor]; seen {
				continue
			}

			scope := narrowScope(cur.scope, rule.Scope)
			if scope == "" {
				continue
			}

			hop := ChainHop{Grantor: rule.Grantor, Grantee: rule.Grantee, Scope: rule.Scope}
			chain := append(append([]ChainHop{}, cur.chain...), hop)

			if _, isApprover := approverSet[rule.Grantor]; isApprover {
				if requiredScope == "" || scopeCovers(scope, requiredScope) {
					return ChainResult{
						Authorized:     true,
						Chain:          chain,
						Depth:          cur.depth + 1,
						EffectiveScope: scope,
					}
				}
			}

			visited[rule.Grantor] = struct{}{}
			queue = append(queue, frontier{grantee: rule.Grantor, depth: cur.depth + 1, scope: scope, chain: chain})
		}
	}

	return ChainResult{Authorized: false}
}

// narrowScope implements spec.md §4.6's scope-narrowing rule: "*"
// defers to the other side, equal scopes return equal, a
// prefix-wildcard subset ("a.b.*" covering "a.b.c") returns the
// narrower scope, otherwise scopes cannot be reconciled and narrowing
// returns "" (none). Scopes can only narrow along a chain, never widen.
func narrowScope(parent, child string) string {
	if parent == "*" {
		return child
	}
	if child == "*" {
		return parent
	}
	if parent == child {
		return parent
	}
	if scopeCovers(parent, child) {
		return child
	}
	if scopeCovers(child, parent) {
		return parent
	}
	return ""
}

// scopeCovers reports whether broad covers narrow, where a trailing
// ".*" on broad matches any suffix of narrow at that prefix.
func scopeCovers(broad, narrow string) bool {
	if broad == narrow || broad == "*" {
		return true
	}
	if strings.HasSuffix(broad, ".*") {
		prefix := strings.TrimSuffix(broad, "*")
		return strings.HasPrefix(narrow, prefix)
	}
	return false
}
