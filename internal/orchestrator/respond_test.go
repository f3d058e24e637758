package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/execguard/broker/internal/errs"
	"github.com/execguard/broker/internal/store"
)

// standardApprovalHarness drives a pauseRequest through ResolveAndPropose
// to a real pending approval with a known, single-entry approver list,
// so RespondToApproval's authorization path can be exercised against an
// approval the orchestrator itself produced rather than a hand-built one.
func standardApprovalHarness(t *testing.T, approvers []string) (*harness, store.Approval) {
	t.Helper()
	h := newHarness(t)
	h.putIdentity(store.IdentitySpec{
		RiskTolerance:      map[string]store.ApprovalLevel{"medium": store.ApprovalStandard},
		DelegatedApprovers: approvers,
	})
	h.cart.riskInput = store.RiskInput{BaseRisk: "high", DollarsAtRisk: 10, BlastRadius: 1, Reversibility: "full"}

	proposed, err := h.orch.ResolveAndPropose(context.Background(), pauseRequest())
	require.NoError(t, err)
	require.NotNil(t, proposed.ApprovalRequest)
	require.Equal(t, approvers, proposed.ApprovalRequest.Request.Approvers)

	appr, err := h.approvals.Get(context.Background(), proposed.ApprovalRequest.Request.ID)
	require.NoError(t, err)
	return h, appr
}

// A named approver can respond directly.
func TestRespondToApprovalDirectApproverAllowed(t *testing.T) {
	h, appr := standardApprovalHarness(t, []string{"alice"})

	result, err := h.orch.RespondToApproval(context.Background(), RespondRequest{
		ApprovalID:  appr.Request.ID,
		Action:      RespondApprove,
		RespondedBy: "alice",
	})
	require.NoError(t, err)
	require.False(t, result.Denied)
	require.Equal(t, store.ApprovalApproved, result.ApprovalRequest.State.Status)
}

// A principal reaching a named approver through a valid delegation
// chain may respond on that approver's behalf.
func TestRespondToApprovalDelegateAllowed(t *testing.T) {
	h, appr := standardApprovalHarness(t, []string{"alice"})

	require.NoError(t, h.delegations.Put(context.Background(), store.DelegationRule{
		Grantor:       "alice",
		Grantee:       "bob",
		Scope:         "*",
		MaxChainDepth: 5,
	}))

	result, err := h.orch.RespondToApproval(context.Background(), RespondRequest{
		ApprovalID:  appr.Request.ID,
		Action:      RespondApprove,
		RespondedBy: "bob",
	})
	require.NoError(t, err)
	require.False(t, result.Denied)
	require.Equal(t, store.ApprovalApproved, result.ApprovalRequest.State.Status)
	require.Equal(t, "bob", result.ApprovalRequest.State.RespondedBy)
}

// An expired delegation rule does not authorize the response.
func TestRespondToApprovalExpiredDelegationRejected(t *testing.T) {
	h, appr := standardApprovalHarness(t, []string{"alice"})

	expired := h.clock.now.Add(-time.Hour)
	require.NoError(t, h.delegations.Put(context.Background(), store.DelegationRule{
		Grantor:       "alice",
		Grantee:       "bob",
		Scope:         "*",
		ExpiresAt:     &expired,
		MaxChainDepth: 5,
	}))

	_, err := h.orch.RespondToApproval(context.Background(), RespondRequest{
		ApprovalID:  appr.Request.ID,
		Action:      RespondApprove,
		RespondedBy: "bob",
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.Sentinel(errs.KindUnauthorizedResponder)))
}

// A caller who is neither an approver nor reachable through a
// delegation chain is rejected outright.
func TestRespondToApprovalUnrelatedResponderRejected(t *testing.T) {
	h, appr := standardApprovalHarness(t, []string{"alice"})

	_, err := h.orch.RespondToApproval(context.Background(), RespondRequest{
		ApprovalID:  appr.Request.ID,
		Action:      RespondApprove,
		RespondedBy: "mallory",
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.Sentinel(errs.KindUnauthorizedResponder)))

	// Rejection must not have mutated the pending approval's state.
	reloaded, getErr := h.approvals.Get(context.Background(), appr.Request.ID)
	require.NoError(t, getErr)
	require.Equal(t, store.ApprovalPending, reloaded.State.Status)
}
