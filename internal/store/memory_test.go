package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/execguard/broker/internal/canon"
)

func TestMemoryEnvelopeStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEnvelopeStore()

	e, err := s.Create(ctx, Envelope{PrincipalID: "p1", Status: EnvelopeProposed})
	require.NoError(t, err)
	require.Equal(t, 1, e.Version)

	e.Status = EnvelopeApproved
	updated, err := s.Update(ctx, e)
	require.NoError(t, err)
	require.Equal(t, 2, updated.Version)

	// Re-using the stale version must fail.
	e.Status = EnvelopeDenied
	_, err = s.Update(ctx, e)
	require.ErrorContains(t, err, "version")
}

func TestMemoryPolicyStoreListOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPolicyStore()

	_, _ = s.Create(ctx, Policy{ID: "b", Priority: 5, Active: true})
	_, _ = s.Create(ctx, Policy{ID: "a", Priority: 5, Active: true})
	_, _ = s.Create(ctx, Policy{ID: "z", Priority: 1, Active: true})
	cid := "ads-spend"
	_, _ = s.Create(ctx, Policy{ID: "scoped", Priority: 0, Active: true, CartridgeID: &cid})
	otherCid := "payments"
	_, _ = s.Create(ctx, Policy{ID: "other-scoped", Priority: 0, Active: true, CartridgeID: &otherCid})

	out, err := s.List(ctx, PolicyFilter{CartridgeID: "ads-spend"})
	require.NoError(t, err)

	var ids []string
	for _, p := range out {
		ids = append(ids, p.ID)
	}
	require.Equal(t, []string{"scoped", "z", "a", "b"}, ids)
}

func TestMemoryApprovalStoreOptimisticVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryApprovalStore()

	a, err := s.Create(ctx, Approval{
		Request: ApprovalRequest{ActionID: "act-1", EnvelopeID: "env-1"},
		State:   ApprovalState{Status: ApprovalPending, Version: 1},
	})
	require.NoError(t, err)

	_, err = s.UpdateState(ctx, a.Request.ID, ApprovalState{Status: ApprovalApproved, Version: 1})
	require.NoError(t, err)

	// Stale version (still 1) must fail now that stored version is 2.
	_, err = s.UpdateState(ctx, a.Request.ID, ApprovalState{Status: ApprovalRejected, Version: 1})
	require.ErrorContains(t, err, "version")
}

func TestMemoryCartridgeRegistryRejectsDowngrade(t *testing.T) {
	r := NewMemoryCartridgeRegistry()

	fired := 0
	r.OnChange(func() { fired++ })

	require.NoError(t, r.Register(fakeCartridge{id: "ads-spend", version: "1.2.0"}))
	require.Equal(t, 1, fired)

	err := r.Register(fakeCartridge{id: "ads-spend", version: "1.1.0"})
	require.Error(t, err)
	require.Equal(t, 1, fired, "failed registration must not fire onChange")

	require.NoError(t, r.Register(fakeCartridge{id: "ads-spend", version: "1.3.0-rc.1"}))
	require.NoError(t, r.Register(fakeCartridge{id: "ads-spend", version: "1.3.0"}))
	require.Equal(t, 3, fired)
}

type fakeCartridge struct {
	id      string
	version string
}

func (f fakeCartridge) Manifest() CartridgeManifest {
	return CartridgeManifest{ID: f.id, Version: f.version}
}
func (f fakeCartridge) Initialize(ctx context.Context) error { return nil }
func (f fakeCartridge) EnrichContext(ctx context.Context, actionType string, params canon.Value, rctx RequestContext) (canon.Value, error) {
	return params, nil
}
func (f fakeCartridge) Execute(ctx context.Context, actionType string, params canon.Value, rctx RequestContext) (ExecutionResult, error) {
	return ExecutionResult{Success: true}, nil
}
func (f fakeCartridge) GetRiskInput(ctx context.Context, actionType string, params canon.Value, rctx RequestContext) (RiskInput, error) {
	return RiskInput{}, nil
}
func (f fakeCartridge) GetGuardrails(ctx context.Context) (Guardrails, error) { return Guardrails{}, nil }
func (f fakeCartridge) HealthCheck(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{Status: "connected"}, nil
}
