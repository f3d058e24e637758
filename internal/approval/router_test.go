package approval

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/execguard/broker/internal/identity"
	"github.com/execguard/broker/internal/store"
)

func TestComputeBindingHashDeterministic(t *testing.T) {
	in := BindingInput{ActionType: "ads.campaign.pause", Parameters: map[string]interface{}{"id": "camp_1"}, PrincipalID: "p1", CartridgeID: "ads"}
	h1, err := ComputeBindingHash(in)
	require.NoError(t, err)
	h2, err := ComputeBindingHash(in)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	in.Parameters["id"] = "camp_2"
	h3, err := ComputeBindingHash(in)
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestRouteNoneWhenToleranceIsNone(t *testing.T) {
	res := Route(RouteInput{
		RiskCategory: "low",
		Identity:     identity.ResolvedIdentity{RiskTolerance: map[string]store.ApprovalLevel{"low": store.ApprovalNone}},
	})
	require.Equal(t, store.ApprovalNone, res.ApprovalRequired)
	require.False(t, res.Escalated)
}

func TestRoutePrefersDelegatedApprovers(t *testing.T) {
	res := Route(RouteInput{
		RiskCategory:     "high",
		Identity:         identity.ResolvedIdentity{RiskTolerance: map[string]store.ApprovalLevel{"high": store.ApprovalElevated}, DelegatedApprovers: []string{"u1"}},
		RoutingDefaults:  []string{"u2"},
		FallbackApprover: "u3",
	})
	require.Equal(t, store.ApprovalElevated, res.ApprovalRequired)
	require.Equal(t, []string{"u1"}, res.Approvers)
}

func TestRouteFallsBackToRoutingDefaultsThenFallback(t *testing.T) {
	res := Route(RouteInput{
		RiskCategory:    "high",
		Identity:        identity.ResolvedIdentity{RiskTolerance: map[string]store.ApprovalLevel{"high": store.ApprovalElevated}},
		RoutingDefaults: []string{"u2"},
	})
	require.Equal(t, []string{"u2"}, res.Approvers)

	res2 := Route(RouteInput{
		RiskCategory:     "high",
		Identity:         identity.ResolvedIdentity{RiskTolerance: map[string]store.ApprovalLevel{"high": store.ApprovalElevated}},
		FallbackApprover: "u3",
	})
	require.Equal(t, []string{"u3"}, res2.Approvers)
}

func TestRouteEscalatesToMandatoryWhenNoApproverReachable(t *testing.T) {
	res := Route(RouteInput{
		RiskCategory: "critical",
		Identity:     identity.ResolvedIdentity{RiskTolerance: map[string]store.ApprovalLevel{"critical": store.ApprovalElevated}},
	})
	require.True(t, res.Escalated)
	require.Equal(t, store.ApprovalMandatory, res.ApprovalRequired)
	require.Empty(t, res.Approvers)
}

func TestExpiryForOrdering(t *testing.T) {
	cfg := DefaultExpiryConfig()
	require.Less(t, ExpiryFor(store.ApprovalMandatory, cfg), ExpiryFor(store.ApprovalElevated, cfg))
	require.Less(t, ExpiryFor(store.ApprovalElevated, cfg), ExpiryFor(store.ApprovalStandard, cfg))
}
