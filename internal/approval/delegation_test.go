package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/execguard/broker/internal/store"
)

func rulesIndex(rules []store.DelegationRule) func(grantee string) []store.DelegationRule {
	byGrantee := map[string][]store.DelegationRule{}
	for _, r := range rules {
		byGrantee[r.Grantee] = append(byGrantee[r.Grantee], r)
	}
	return func(grantee string) []store.DelegationRule { return byGrantee[grantee] }
}

func TestResolveDelegationChainDirectGrant(t *testing.T) {
	rules := []store.DelegationRule{
		{Grantor: "manager1", Grantee: "agent1", Scope: "*", MaxChainDepth: 1},
	}
	res := ResolveDelegationChain("agent1", []string{"manager1"}, rulesIndex(rules), time.Now(), "")
	require.True(t, res.Authorized)
	require.Equal(t, 1, res.Depth)
}

func TestResolveDelegationChainMultiHop(t *testing.T) {
	rules := []store.DelegationRule{
		{Grantor: "agent1", Grantee: "agent2", Scope: "ads.*", MaxChainDepth: 2},
		{Grantor: "manager1", Grantee: "agent1", Scope: "ads.campaign.*", MaxChainDepth: 2},
	}
	res := ResolveDelegationChain("agent2", []string{"manager1"}, rulesIndex(rules), time.Now(), "ads.campaign.pause")
	require.True(t, res.Authorized)
	require.Equal(t, 2, res.Depth)
}

func TestResolveDelegationChainRejectsExpiredRule(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	rules := []store.DelegationRule{
		{Grantor: "manager1", Grantee: "agent1", Scope: "*", MaxChainDepth: 1, ExpiresAt: &past},
	}
	res := ResolveDelegationChain("agent1", []string{"manager1"}, rulesIndex(rules), time.Now(), "")
	require.False(t, res.Authorized)
}

func TestResolveDelegationChainRespectsMaxChainDepth(t *testing.T) {
	rules := []store.DelegationRule{
		{Grantor: "agent1", Grantee: "agent2", Scope: "*", MaxChainDepth: 1},
		{Grantor: "manager1", Grantee: "agent1", Scope: "*", MaxChainDepth: 1},
	}
	// manager1 is two hops from agent2, but each rule's own MaxChainDepth
	// is 1, so hop 2 exceeds the manager1→agent1 rule's allowance.
	res := ResolveDelegationChain("agent2", []string{"manager1"}, rulesIndex(rules), time.Now(), "")
	require.False(t, res.Authorized)
}

func TestResolveDelegationChainDetectsCycles(t *testing.T) {
	rules := []store.DelegationRule{
		{Grantor: "agent2", Grantee: "agent1", Scope: "*", MaxChainDepth: 5},
		{Grantor: "agent1", Grantee: "agent2", Scope: "*", MaxChainDepth: 5},
	}
	res := ResolveDelegationChain("agent1", []string{"nonexistent"}, rulesIndex(rules), time.Now(), "")
	require.False(t, res.Authorized)
}

func TestNarrowScopeRules(t *testing.T) {
	require.Equal(t, "ads.campaign.pause", narrowScope("*", "ads.campaign.pause"))
	require.Equal(t, "ads.campaign.pause", narrowScope("ads.campaign.pause", "*"))
	require.Equal(t, "ads.*", narrowScope("ads.*", "ads.*"))
	require.Equal(t, "ads.campaign.pause", narrowScope("ads.*", "ads.campaign.pause"))
	require.Equal(t, "", narrowScope("ads.*", "crm.contact.delete"))
}
