// Package cartridge implements the guarded cartridge wrapper (spec.md
// C7): a process-wide active-execution-token set that makes the
// lifecycle orchestrator the only legal caller of a cartridge's
// Execute method, plus a beforeEnrich/beforeExecute/afterExecute
// interceptor chain.
package cartridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/execguard/broker/internal/canon"
	"github.com/execguard/broker/internal/errs"
	"github.com/execguard/broker/internal/store"
)

// Token is an opaque execution permit minted by BeginExecution.
type Token string

// TokenSet is the process-wide set of live execution tokens (spec.md
// §4.7/§5): mutated only by BeginExecution/EndExecution, consulted by
// every GuardedCartridge.Execute call.
type TokenSet struct {
	mu     sync.Mutex
	active map[Token]struct{}
}

func NewTokenSet() *TokenSet {
	return &TokenSet{active: make(map[Token]struct{})}
}

// BeginExecution mints and registers a new token.
func (s *TokenSet) BeginExecution() Token {
	t := Token(uuid.NewString())
	s.mu.Lock()
	s.active[t] = struct{}{}
	s.mu.Unlock()
	return t
}

// EndExecution removes a token from the active set; idempotent.
func (s *TokenSet) EndExecution(t Token) {
	s.mu.Lock()
	delete(s.active, t)
	s.mu.Unlock()
}

func (s *TokenSet) isActive(t Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[t]
	return ok
}

// BeforeEnrichResult is what a beforeEnrich interceptor returns.
type BeforeEnrichResult struct {
	Parameters canon.Value
}

// BeforeExecuteResult is what a beforeExecute interceptor returns; a
// gate that can veto execution.
type BeforeExecuteResult struct {
	Proceed    bool
	Parameters canon.Value
	Reason     string
}

// Interceptor is the per-phase hook chain (spec.md §4.7).
type Interceptor interface {
	BeforeEnrich(ctx context.Context, actionType string, params canon.Value, rctx store.RequestContext) (BeforeEnrichResult, error)
	BeforeExecute(ctx context.Context, actionType string, params canon.Value, rctx store.RequestContext) (BeforeExecuteResult, error)
	AfterExecute(ctx context.Context, actionType string, params canon.Value, result store.ExecutionResult, rctx store.RequestContext) (store.ExecutionResult, error)
}

// GuardedCartridge wraps a store.Cartridge instance: all state-mutating
// calls go through a bound token that must belong to the shared
// TokenSet, and through the interceptor chain.
type GuardedCartridge struct {
	inner        store.Cartridge
	tokens       *TokenSet
	interceptors []Interceptor

	mu         sync.Mutex
	boundToken Token
	hasBound   bool
}

func NewGuardedCartridge(inner store.Cartridge, tokens *TokenSet, interceptors ...Interceptor) *GuardedCartridge {
	return &GuardedCartridge{inner: inner, tokens: tokens, interceptors: interceptors}
}

func (g *GuardedCartridge) Manifest() store.CartridgeManifest { return g.inner.Manifest() }

func (g *GuardedCartridge) Initialize(ctx context.Context) error { return g.inner.Initialize(ctx) }

func (g *GuardedCartridge) GetRiskInput(ctx context.Context, actionType string, params canon.Value, rctx store.RequestContext) (store.RiskInput, error) {
	return g.inner.GetRiskInput(ctx, actionType, params, rctx)
}

func (g *GuardedCartridge) GetGuardrails(ctx context.Context) (store.Guardrails, error) {
	return g.inner.GetGuardrails(ctx)
}

func (g *GuardedCartridge) HealthCheck(ctx context.Context) (store.HealthStatus, error) {
	healthCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return g.inner.HealthCheck(healthCtx)
}

// BindToken attaches t to this guarded instance, permitting one
// Execute call. UnbindToken must follow in all paths (spec.md §4.7).
func (g *GuardedCartridge) BindToken(t Token) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.boundToken = t
	g.hasBound = true
}

// UnbindToken detaches the bound token.
func (g *GuardedCartridge) UnbindToken() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hasBound = false
	g.boundToken = ""
}

// EnrichContext runs beforeEnrich interceptors then delegates to the
// wrapped cartridge. Enrichment is read-only with respect to the
// active-token gate — only Execute is guarded.
func (g *GuardedCartridge) EnrichContext(ctx context.Context, actionType string, params canon.Value, rctx store.RequestContext) (canon.Value, error) {
	for _, ic := range g.interceptors {
		res, err := ic.BeforeEnrich(ctx, actionType, params, rctx)
		if err != nil {
			return canon.Null(), err
		}
		params = res.Parameters
	}
	return g.inner.EnrichContext(ctx, actionType, params, rctx)
}

// Execute enforces the active-token gate, runs beforeExecute/
// afterExecute interceptors, and delegates to the wrapped cartridge.
// It fails with direct-execution-forbidden unless the bound token is
// currently registered in the shared TokenSet, which makes the
// orchestrator (the only caller that mints and binds tokens) the only
// legal caller.
func (g *GuardedCartridge) Execute(ctx context.Context, actionType string, params canon.Value, rctx store.RequestContext) (store.ExecutionResult, error) {
	g.mu.Lock()
	token, bound := g.boundToken, g.hasBound
	g.mu.Unlock()

	if !bound || !g.tokens.isActive(token) {
		return store.ExecutionResult{}, errs.New(errs.KindDirectExecutionForbidden, "execute called without a bound, active execution token")
	}

	start := time.Now()

	for _, ic := range g.interceptors {
		gate, err := ic.BeforeExecute(ctx, actionType, params, rctx)
		if err != nil {
			return store.ExecutionResult{}, err
		}
		if !gate.Proceed {
			return store.ExecutionResult{
				Success:         false,
				Summary:         "execution vetoed by interceptor",
				PartialFailures: []string{gate.Reason},
				DurationMs:      time.Since(start).Milliseconds(),
			}, nil
		}
		params = gate.Parameters
	}

	result, err := g.inner.Execute(ctx, actionType, params, rctx)
	if err != nil {
		return store.ExecutionResult{}, errs.Wrap(errs.KindCartridgeExecutionFailed, "cartridge execute failed", err)
	}
	result.DurationMs = time.Since(start).Milliseconds()

	for _, ic := range g.interceptors {
		result, err = ic.AfterExecute(ctx, actionType, params, result, rctx)
		if err != nil {
			return store.ExecutionResult{}, err
		}
	}
	return result, nil
}
