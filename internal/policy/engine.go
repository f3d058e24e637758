package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/execguard/broker/internal/canon"
	"github.com/execguard/broker/internal/guardrail"
	"github.com/execguard/broker/internal/ratecontrol"
	"github.com/execguard/broker/internal/store"
	"github.com/execguard/broker/internal/telemetry"
)

// Config tunes the engine's non-functional knobs (spec.md §4.4/§6).
type Config struct {
	// DefaultEffect applies when no policy's rule matches; spec.md
	// calls for a safe default of deny, configurable.
	DefaultEffect store.PolicyEffect
	PolicyCacheTTL time.Duration
}

func DefaultConfig() Config {
	return Config{DefaultEffect: store.EffectDeny, PolicyCacheTTL: 60 * time.Second}
}

// Engine is the native condition-tree governance engine (spec.md C4).
type Engine struct {
	policies   store.PolicyStore
	guardrails guardrail.Store
	recorder   *telemetry.Recorder
	logger     *zap.Logger
	cfg        Config
	cache      *policyCache
	burst      *ratecontrol.Limiter
}

func NewEngine(policies store.PolicyStore, guardrails guardrail.Store, recorder *telemetry.Recorder, logger *zap.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = telemetry.NewNop()
	}
	if cfg.PolicyCacheTTL <= 0 {
		cfg.PolicyCacheTTL = 60 * time.Second
	}
	if cfg.DefaultEffect == "" {
		cfg.DefaultEffect = store.EffectDeny
	}
	return &Engine{
		policies:   policies,
		guardrails: guardrails,
		recorder:   recorder,
		logger:     logger,
		cfg:        cfg,
		cache:      newPolicyCache(cfg.PolicyCacheTTL),
		burst:      ratecontrol.NewLimiter(),
	}
}

// InvalidateCache drops every cached policy list. cmd/brokerd
// registers it with CartridgeRegistry.OnChange; writes made directly
// through the PolicyStore do not call it, so a list cached before such
// a write is served until PolicyCacheTTL elapses.
func (e *Engine) InvalidateCache() { e.cache.Clear() }

// Evaluate runs the full C4 pipeline: priority-ordered rule tree
// evaluation, then the independent forbidden/rate-limit/cooldown/
// protected-entity checks, producing a Decision with a full trace.
func (e *Engine) Evaluate(ctx context.Context, in Input) (decision Decision, err error) {
	start := time.Now()
	defer func() {
		e.recorder.ObservePolicyEvalMs(string(decision.Effect), float64(time.Since(start).Milliseconds()))
	}()

	policies, err := e.loadPolicies(ctx, in.CartridgeID, in.OrganizationID)
	if err != nil {
		return Decision{}, fmt.Errorf("load policies: %w", err)
	}

	var trace []store.CheckResult
	params := in.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	approvalFloor := store.ApprovalNone
	effect := e.cfg.DefaultEffect
	terminalHit := false

	workingIn := in
	workingIn.Parameters = params
	evalCtx := buildEvalContext(workingIn)

	for _, p := range policies {
		if !p.Active {
			continue
		}
		matched := evaluate(p.Rule, evalCtx, &trace)
		if !matched {
			continue
		}
		switch p.Effect {
		case store.EffectAllow, store.EffectDeny:
			effect = p.Effect
			terminalHit = true
		case store.EffectRequireApproval:
			lvl := store.ApprovalLevel(p.ApprovalRequirement)
			if lvl == "" {
				lvl = store.ApprovalStandard
			}
			approvalFloor = approvalFloor.Max(lvl)
		case store.EffectTransform:
			params = applyTransform(params, p.Transform)
			workingIn.Parameters = params
			evalCtx = buildEvalContext(workingIn)
		}
		if terminalHit {
			break
		}
	}

	if !terminalHit {
		if approvalFloor != store.ApprovalNone {
			effect = store.EffectRequireApproval
		} else {
			effect = e.cfg.DefaultEffect
		}
	}

	// Independent checks (spec.md §4.4 step 3) — these can only
	// escalate toward deny or relax an approval requirement, never
	// override an explicit terminal allow/deny decided above into
	// something looser.
	if contains(in.Identity.ForbiddenBehaviors, in.ActionType) {
		trace = append(trace, store.CheckResult{
			Code: "forbiddenBehaviors", Matched: true, Effect: string(store.EffectDeny),
			HumanDetail: fmt.Sprintf("%s is a forbidden behavior for this identity", in.ActionType),
		})
		effect = store.EffectDeny
	}

	if effect == store.EffectRequireApproval && contains(in.Identity.TrustBehaviors, in.ActionType) {
		trace = append(trace, store.CheckResult{
			Code: "trustBehaviors", Matched: true,
			HumanDetail: fmt.Sprintf("%s is a trusted behavior; approval requirement downgraded to none", in.ActionType),
		})
		approvalFloor = store.ApprovalNone
		effect = store.EffectAllow
	}

	if e.guardrails != nil {
		if failed, detail := e.checkRateLimits(ctx, in, effect); failed {
			trace = append(trace, store.CheckResult{Code: "rateLimit", Matched: true, Effect: string(store.EffectDeny), HumanDetail: detail})
			effect = store.EffectDeny
		}
		if failed, detail := e.checkCooldowns(ctx, in); failed {
			trace = append(trace, store.CheckResult{Code: "cooldown", Matched: true, Effect: string(store.EffectDeny), HumanDetail: detail})
			effect = store.EffectDeny
		}
	}

	if protectedHit := firstIntersection(in.Guardrails.ProtectedEntities, in.EntityIDs); protectedHit != "" {
		trace = append(trace, store.CheckResult{
			Code: "protectedEntity", Matched: true, Effect: string(store.EffectDeny),
			HumanDetail: fmt.Sprintf("entity %s is protected", protectedHit),
		})
		effect = store.EffectDeny
	}

	if effect != store.EffectRequireApproval {
		approvalFloor = store.ApprovalNone
	}

	decision = Decision{
		Effect:           effect,
		ApprovalRequired: approvalFloor,
		Parameters:       params,
		Trace: store.DecisionTrace{
			Checks:           trace,
			RiskScore:        in.Risk.RawScore,
			RiskCategory:     string(in.Risk.Category),
			Decision:         string(effect),
			ApprovalRequired: string(approvalFloor),
			Explanation:      explain(effect, approvalFloor, trace),
			EvaluatedAt:      in.Now,
		},
	}
	return decision, nil
}

func explain(effect store.PolicyEffect, approval store.ApprovalLevel, trace []store.CheckResult) string {
	var matched []string
	for _, c := range trace {
		if c.Matched {
			matched = append(matched, c.Code)
		}
	}
	switch effect {
	case store.EffectDeny:
		return fmt.Sprintf("denied (matched: %s)", strings.Join(matched, ", "))
	case store.EffectRequireApproval:
		return fmt.Sprintf("requires %s approval (matched: %s)", approval, strings.Join(matched, ", "))
	default:
		return fmt.Sprintf("allowed (matched: %s)", strings.Join(matched, ", "))
	}
}

func applyTransform(params map[string]interface{}, overrides map[string]canon.Value) map[string]interface{} {
	if len(overrides) == 0 {
		return params
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v.ToInterface()
	}
	return out
}

func contains(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

func firstIntersection(a, b []string) string {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; ok {
			return s
		}
	}
	return ""
}

// loadPolicies returns the applicable, priority-ordered policy list,
// going through the (cartridgeId, organizationId)-keyed cache first.
func (e *Engine) loadPolicies(ctx context.Context, cartridgeID, organizationID string) ([]store.Policy, error) {
	if cached, ok := e.cache.Get(cartridgeID, organizationID); ok {
		return cached, nil
	}
	policies, err := e.policies.List(ctx, store.PolicyFilter{CartridgeID: cartridgeID, OrganizationID: organizationID})
	if err != nil {
		return nil, err
	}
	e.cache.Set(cartridgeID, organizationID, policies)
	return policies, nil
}

// checkRateLimits enforces in.Guardrails.RateLimits; a "global" scope
// and an "actionType" scope are both understood as scope-name
// sentinels, per spec.md §4.4's "rate limit per scope (actionType,
// global)". On anything but deny, the matching counters are
// incremented; on deny, they are left stale (an explicit
// implementation choice spec.md §4.4 allows).
func (e *Engine) checkRateLimits(ctx context.Context, in Input, effect store.PolicyEffect) (bool, string) {
	specs := in.Guardrails.RateLimits
	if len(specs) == 0 {
		return false, ""
	}
	keys := make([]string, 0, len(specs))
	keyFor := func(scope string) string {
		if scope == "actionType" {
			return in.ActionType
		}
		return scope
	}
	for _, spec := range specs {
		keys = append(keys, keyFor(spec.Scope))
	}
	entries, err := e.guardrails.GetRateLimits(ctx, keys)
	if err != nil {
		e.logger.Warn("rate limit lookup failed, failing open", zap.Error(err))
		return false, ""
	}

	failed := false
	var detail string
	for _, spec := range specs {
		key := keyFor(spec.Scope)
		windowMs := spec.WindowMs
		if windowMs <= 0 {
			windowMs = 60_000
		}
		nowMs := in.Now.UnixMilli()
		windowStart := (nowMs / windowMs) * windowMs

		entry := entries[key]
		if entry.WindowStart != windowStart {
			entry = guardrail.RateLimitEntry{Count: 0, WindowStart: windowStart}
		}
		if entry.Count+1 > spec.Max {
			failed = true
			detail = fmt.Sprintf("rate limit exceeded for %s: %d/%d in current window", key, entry.Count, spec.Max)
			continue
		}
		if e.burst != nil && !e.burst.Allow(key, spec.Max, windowMs) {
			failed = true
			detail = fmt.Sprintf("rate limit exceeded for %s: local burst gate tripped ahead of the %d/%s window", key, spec.Max, time.Duration(windowMs)*time.Millisecond)
			continue
		}
		if effect != store.EffectDeny {
			entry.Count++
			ttl := time.Duration(windowMs) * time.Millisecond
			if err := e.guardrails.SetRateLimit(ctx, key, entry, ttl); err != nil {
				e.logger.Warn("rate limit write failed", zap.Error(err))
			}
		}
	}
	return failed, detail
}

// checkCooldowns enforces in.Guardrails.Cooldowns against in.EntityIDs,
// per spec.md §4.4's "cooldown per (actionType, scoped entity)".
func (e *Engine) checkCooldowns(ctx context.Context, in Input) (bool, string) {
	specs := in.Guardrails.Cooldowns
	if len(specs) == 0 {
		return false, ""
	}
	entityIDs := in.EntityIDs
	if len(entityIDs) == 0 {
		entityIDs = []string{in.ActionType}
	}

	var keys []string
	for _, spec := range specs {
		for _, entityID := range entityIDs {
			keys = append(keys, spec.EntityKey+":"+entityID)
		}
	}
	cooldowns, err := e.guardrails.GetCooldowns(ctx, keys)
	if err != nil {
		e.logger.Warn("cooldown lookup failed, failing open", zap.Error(err))
		return false, ""
	}

	for _, spec := range specs {
		cooldownMs := spec.CooldownMs
		if cooldownMs <= 0 {
			continue
		}
		for _, entityID := range entityIDs {
			key := spec.EntityKey + ":" + entityID
			lastTs, ok := cooldowns[key]
			if !ok {
				continue
			}
			if in.Now.Sub(lastTs) < time.Duration(cooldownMs)*time.Millisecond {
				return true, fmt.Sprintf("%s is in cooldown until %s", key, lastTs.Add(time.Duration(cooldownMs)*time.Millisecond))
			}
		}
	}
	return false, ""
}
