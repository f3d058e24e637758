package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/execguard/broker/internal/canon"
	"github.com/execguard/broker/internal/guardrail"
	"github.com/execguard/broker/internal/identity"
	"github.com/execguard/broker/internal/risk"
	"github.com/execguard/broker/internal/store"
)

func newTestEngine(t *testing.T, policies []store.Policy) (*Engine, store.PolicyStore) {
	t.Helper()
	ps := store.NewMemoryPolicyStore()
	for _, p := range policies {
		_, err := ps.Create(context.Background(), p)
		require.NoError(t, err)
	}
	e := NewEngine(ps, guardrail.NewInProcessStore(), nil, zaptest.NewLogger(t), DefaultConfig())
	return e, ps
}

func baseInput() Input {
	return Input{
		ActionType: "ads.campaign.pause",
		Parameters: map[string]interface{}{"amount": 50.0},
		Identity: identity.ResolvedIdentity{
			RiskTolerance: map[string]store.ApprovalLevel{"low": store.ApprovalNone},
		},
		CartridgeID:    "ads",
		OrganizationID: "org_1",
		Now:            time.Now(),
		Risk:           risk.Output{RawScore: 10, Category: risk.CategoryLow},
	}
}

func TestEvaluateDefaultDenyWhenNoPolicyMatches(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	d, err := e.Evaluate(context.Background(), baseInput())
	require.NoError(t, err)
	require.Equal(t, store.EffectDeny, d.Effect)
}

func TestEvaluateAllowTerminalWins(t *testing.T) {
	policies := []store.Policy{
		{
			ID: "p-allow", Priority: 10, Active: true,
			Rule:   store.Condition{Field: "actionType", Operator: "eq", Value: mustValue(t, "ads.campaign.pause")},
			Effect: store.EffectAllow,
		},
	}
	e, _ := newTestEngine(t, policies)
	d, err := e.Evaluate(context.Background(), baseInput())
	require.NoError(t, err)
	require.Equal(t, store.EffectAllow, d.Effect)
	require.Len(t, d.Trace.Checks, 1)
	require.True(t, d.Trace.Checks[0].Matched)
}

func TestEvaluateRequireApprovalContinuesToLowerPriority(t *testing.T) {
	policies := []store.Policy{
		{
			ID: "p-approval", Priority: 5, Active: true,
			Rule:                store.Condition{Field: "actionType", Operator: "eq", Value: mustValue(t, "ads.campaign.pause")},
			Effect:              store.EffectRequireApproval,
			ApprovalRequirement: string(store.ApprovalElevated),
		},
		{
			ID: "p-noop", Priority: 10, Active: true,
			Rule:   store.Condition{Field: "actionType", Operator: "eq", Value: mustValue(t, "nothing.else")},
			Effect: store.EffectDeny,
		},
	}
	e, _ := newTestEngine(t, policies)
	d, err := e.Evaluate(context.Background(), baseInput())
	require.NoError(t, err)
	require.Equal(t, store.EffectRequireApproval, d.Effect)
	require.Equal(t, store.ApprovalElevated, d.ApprovalRequired)
	// both policies should have been evaluated (trace has 2 checks)
	require.Len(t, d.Trace.Checks, 2)
}

func TestEvaluateTransformMutatesParametersAndContinues(t *testing.T) {
	policies := []store.Policy{
		{
			ID: "p-transform", Priority: 1, Active: true,
			Rule:      store.Condition{Field: "parameters.amount", Operator: "gt", Value: mustValue(t, 10.0)},
			Effect:    store.EffectTransform,
			Transform: map[string]canon.Value{"amount": mustValue(t, 9.99)},
		},
		{
			ID: "p-allow-if-capped", Priority: 2, Active: true,
			Rule:   store.Condition{Field: "parameters.amount", Operator: "lte", Value: mustValue(t, 10.0)},
			Effect: store.EffectAllow,
		},
	}
	e, _ := newTestEngine(t, policies)
	d, err := e.Evaluate(context.Background(), baseInput())
	require.NoError(t, err)
	require.Equal(t, store.EffectAllow, d.Effect)
	require.InDelta(t, 9.99, d.Parameters["amount"].(float64), 0.001)
}

func TestEvaluateForbiddenBehaviorOverridesAllow(t *testing.T) {
	policies := []store.Policy{
		{ID: "p-allow", Priority: 1, Active: true, Rule: store.Condition{Field: "actionType", Operator: "eq", Value: mustValue(t, "ads.campaign.pause")}, Effect: store.EffectAllow},
	}
	e, _ := newTestEngine(t, policies)
	in := baseInput()
	in.Identity.ForbiddenBehaviors = []string{"ads.campaign.pause"}
	d, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, store.EffectDeny, d.Effect)
}

func TestEvaluateTrustBehaviorDowngradesApprovalToAllow(t *testing.T) {
	policies := []store.Policy{
		{
			ID: "p-approval", Priority: 1, Active: true,
			Rule:                store.Condition{Field: "actionType", Operator: "eq", Value: mustValue(t, "ads.campaign.pause")},
			Effect:              store.EffectRequireApproval,
			ApprovalRequirement: string(store.ApprovalStandard),
		},
	}
	e, _ := newTestEngine(t, policies)
	in := baseInput()
	in.Identity.TrustBehaviors = []string{"ads.campaign.pause"}
	d, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, store.EffectAllow, d.Effect)
	require.Equal(t, store.ApprovalNone, d.ApprovalRequired)
}

func TestEvaluateProtectedEntityDenies(t *testing.T) {
	policies := []store.Policy{
		{ID: "p-allow", Priority: 1, Active: true, Rule: store.Condition{Field: "actionType", Operator: "eq", Value: mustValue(t, "ads.campaign.pause")}, Effect: store.EffectAllow},
	}
	e, _ := newTestEngine(t, policies)
	in := baseInput()
	in.Guardrails = store.Guardrails{ProtectedEntities: []string{"camp_999"}}
	in.EntityIDs = []string{"camp_999"}
	d, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, store.EffectDeny, d.Effect)
}

func TestEvaluateRateLimitDeniesOverQuota(t *testing.T) {
	policies := []store.Policy{
		{ID: "p-allow", Priority: 1, Active: true, Rule: store.Condition{Field: "actionType", Operator: "eq", Value: mustValue(t, "ads.campaign.pause")}, Effect: store.EffectAllow},
	}
	e, _ := newTestEngine(t, policies)
	in := baseInput()
	in.Guardrails = store.Guardrails{RateLimits: []store.RateLimitSpec{{Scope: "actionType", Max: 1, WindowMs: 60_000}}}

	d1, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, store.EffectAllow, d1.Effect)

	d2, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, store.EffectDeny, d2.Effect)
}

func TestEvaluateCooldownDeniesWithinWindow(t *testing.T) {
	policies := []store.Policy{
		{ID: "p-allow", Priority: 1, Active: true, Rule: store.Condition{Field: "actionType", Operator: "eq", Value: mustValue(t, "ads.campaign.pause")}, Effect: store.EffectAllow},
	}
	gs := guardrail.NewInProcessStore()
	require.NoError(t, gs.SetCooldown(context.Background(), "campaignPause:camp_1", time.Now(), time.Minute))
	ps := store.NewMemoryPolicyStore()
	for _, p := range policies {
		_, err := ps.Create(context.Background(), p)
		require.NoError(t, err)
	}
	e := NewEngine(ps, gs, nil, zaptest.NewLogger(t), DefaultConfig())

	in := baseInput()
	in.Guardrails = store.Guardrails{Cooldowns: []store.CooldownSpec{{EntityKey: "campaignPause", CooldownMs: 60_000}}}
	in.EntityIDs = []string{"camp_1"}
	d, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, store.EffectDeny, d.Effect)
}

func TestPolicyCacheInvalidation(t *testing.T) {
	e, ps := newTestEngine(t, nil)
	_, err := ps.Create(context.Background(), store.Policy{
		ID: "p-allow", Priority: 1, Active: true,
		Rule: store.Condition{Field: "actionType", Operator: "eq", Value: mustValue(t, "ads.campaign.pause")}, Effect: store.EffectAllow,
	})
	require.NoError(t, err)

	// Cache is empty on first call, so the freshly-created policy is
	// picked up without needing an explicit invalidation.
	d, err := e.Evaluate(context.Background(), baseInput())
	require.NoError(t, err)
	require.Equal(t, store.EffectAllow, d.Effect)

	require.NoError(t, ps.Delete(context.Background(), "p-allow"))
	e.InvalidateCache()
	d2, err := e.Evaluate(context.Background(), baseInput())
	require.NoError(t, err)
	require.Equal(t, store.EffectDeny, d2.Effect)
}

func mustValue(t *testing.T, v interface{}) canon.Value {
	t.Helper()
	val, err := canon.New(v)
	require.NoError(t, err)
	return val
}
