package cartridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/execguard/broker/internal/canon"
	"github.com/execguard/broker/internal/errs"
	"github.com/execguard/broker/internal/store"
)

type fakeCartridge struct {
	manifest store.CartridgeManifest
	executed int
}

func (f *fakeCartridge) Manifest() store.CartridgeManifest { return f.manifest }
func (f *fakeCartridge) Initialize(ctx context.Context) error { return nil }
func (f *fakeCartridge) EnrichContext(ctx context.Context, actionType string, params canon.Value, rctx store.RequestContext) (canon.Value, error) {
	return params, nil
}
func (f *fakeCartridge) Execute(ctx context.Context, actionType string, params canon.Value, rctx store.RequestContext) (store.ExecutionResult, error) {
	f.executed++
	return store.ExecutionResult{Success: true, Summary: "done"}, nil
}
func (f *fakeCartridge) GetRiskInput(ctx context.Context, actionType string, params canon.Value, rctx store.RequestContext) (store.RiskInput, error) {
	return store.RiskInput{}, nil
}
func (f *fakeCartridge) GetGuardrails(ctx context.Context) (store.Guardrails, error) {
	return store.Guardrails{}, nil
}
func (f *fakeCartridge) HealthCheck(ctx context.Context) (store.HealthStatus, error) {
	return store.HealthStatus{Status: "connected"}, nil
}

func newFakeCartridge(id string) *fakeCartridge {
	return &fakeCartridge{manifest: store.CartridgeManifest{ID: id, Actions: []store.CartridgeManifestAction{
		{ActionType: "ads.campaign.pause"},
		{ActionType: "ads.campaign.*"},
	}}}
}

func TestExecuteForbiddenWithoutBoundToken(t *testing.T) {
	tokens := NewTokenSet()
	inner := newFakeCartridge("ads")
	g := NewGuardedCartridge(inner, tokens)

	_, err := g.Execute(context.Background(), "ads.campaign.pause", canon.Null(), store.RequestContext{})
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.KindDirectExecutionForbidden, e.Kind)
	require.Equal(t, 0, inner.executed)
}

func TestExecuteForbiddenWithStaleToken(t *testing.T) {
	tokens := NewTokenSet()
	inner := newFakeCartridge("ads")
	g := NewGuardedCartridge(inner, tokens)

	tok := tokens.BeginExecution()
	g.BindToken(tok)
	tokens.EndExecution(tok)

	_, err := g.Execute(context.Background(), "ads.campaign.pause", canon.Null(), store.RequestContext{})
	require.True(t, errors.Is(err, errs.Sentinel(errs.KindDirectExecutionForbidden)))
}

func TestExecuteSucceedsWithBoundActiveToken(t *testing.T) {
	tokens := NewTokenSet()
	inner := newFakeCartridge("ads")
	g := NewGuardedCartridge(inner, tokens)

	tok := tokens.BeginExecution()
	g.BindToken(tok)
	defer tokens.EndExecution(tok)

	result, err := g.Execute(context.Background(), "ads.campaign.pause", canon.Null(), store.RequestContext{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, inner.executed)
	require.GreaterOrEqual(t, result.DurationMs, int64(0))
}

type vetoInterceptor struct{}

func (vetoInterceptor) BeforeEnrich(ctx context.Context, actionType string, params canon.Value, rctx store.RequestContext) (BeforeEnrichResult, error) {
	return BeforeEnrichResult{Parameters: params}, nil
}
func (vetoInterceptor) BeforeExecute(ctx context.Context, actionType string, params canon.Value, rctx store.RequestContext) (BeforeExecuteResult, error) {
	return BeforeExecuteResult{Proceed: false, Reason: "blocked by guardrail"}, nil
}
func (vetoInterceptor) AfterExecute(ctx context.Context, actionType string, params canon.Value, result store.ExecutionResult, rctx store.RequestContext) (store.ExecutionResult, error) {
	return result, nil
}

func TestExecuteVetoedByInterceptorSkipsInnerExecute(t *testing.T) {
	tokens := NewTokenSet()
	inner := newFakeCartridge("ads")
	g := NewGuardedCartridge(inner, tokens, vetoInterceptor{})

	tok := tokens.BeginExecution()
	g.BindToken(tok)
	defer tokens.EndExecution(tok)

	result, err := g.Execute(context.Background(), "ads.campaign.pause", canon.Null(), store.RequestContext{})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, 0, inner.executed)
}

func TestInferCartridgeIDExactAndWildcard(t *testing.T) {
	registry := store.NewMemoryCartridgeRegistry()
	require.NoError(t, registry.Register(newFakeCartridge("ads")))

	id, err := InferCartridgeID("ads.campaign.pause", registry)
	require.NoError(t, err)
	require.Equal(t, "ads", id)

	id2, err := InferCartridgeID("ads.campaign.resume", registry)
	require.NoError(t, err)
	require.Equal(t, "ads", id2)
}

func TestInferCartridgeIDUnknownActionType(t *testing.T) {
	registry := store.NewMemoryCartridgeRegistry()
	require.NoError(t, registry.Register(newFakeCartridge("ads")))

	_, err := InferCartridgeID("crm.contact.delete", registry)
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.KindCannotInferCartridge, e.Kind)
}

func TestResolveCartridgeExplicitID(t *testing.T) {
	registry := store.NewMemoryCartridgeRegistry()
	require.NoError(t, registry.Register(newFakeCartridge("ads")))

	c, id, err := ResolveCartridge("ads", "ads.campaign.pause", registry)
	require.NoError(t, err)
	require.Equal(t, "ads", id)
	require.NotNil(t, c)
}

func TestResolveCartridgeUnknownExplicitID(t *testing.T) {
	registry := store.NewMemoryCartridgeRegistry()
	_, _, err := ResolveCartridge("nope", "ads.campaign.pause", registry)
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.KindUnknownCartridge, e.Kind)
}
