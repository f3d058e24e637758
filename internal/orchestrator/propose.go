package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/execguard/broker/internal/approval"
	"github.com/execguard/broker/internal/audit"
	"github.com/execguard/broker/internal/canon"
	"github.com/execguard/broker/internal/cartridge"
	"github.com/execguard/broker/internal/idempotency"
	"github.com/execguard/broker/internal/identity"
	"github.com/execguard/broker/internal/policy"
	"github.com/execguard/broker/internal/queue"
	"github.com/execguard/broker/internal/risk"
	"github.com/execguard/broker/internal/store"
)

// EntityRef is one caller-supplied reference a cartridge must resolve
// to a concrete entity before an envelope is created (spec.md §4.8
// step 2).
type EntityRef struct {
	InputRef   string
	EntityType string
}

// ProposeRequest is resolveAndPropose's input (spec.md §4.8).
type ProposeRequest struct {
	ActionType     string
	Parameters     map[string]interface{}
	PrincipalID    string
	OrganizationID string
	CartridgeID    string
	EntityRefs     []EntityRef
	Message        string
	TraceID        string
	IdempotencyKey string

	// ParentEnvelopeID and MinApprovalRequired are set when this
	// proposal is an undo of a prior envelope (spec.md §4.10):
	// ParentEnvelopeID links the child for chain-depth enforcement, and
	// MinApprovalRequired applies the original undoRecipe's floor
	// regardless of what policy/routing would otherwise compute.
	ParentEnvelopeID    string
	MinApprovalRequired store.ApprovalLevel
}

// ProposeResult is resolveAndPropose's output. Exactly one of
// {NotFound, NeedsClarification, Denied, ApprovalRequest != nil, plain
// success} describes the outcome; Envelope is unset for the first two
// (spec.md §7: "no envelope created" on entity-resolution failure).
type ProposeResult struct {
	Envelope           store.Envelope
	DecisionTrace      *store.DecisionTrace
	Denied             bool
	Explanation        string
	NotFound           bool
	NeedsClarification bool
	Question           string
	ApprovalRequest    *store.Approval
}

// ResolveAndPropose runs spec.md §4.8's nine-step pipeline. An
// idempotency key, when supplied, makes the first successful response
// cacheable and replayed verbatim on retry within the configured
// window.
func (o *Orchestrator) ResolveAndPropose(ctx context.Context, req ProposeRequest) (ProposeResult, error) {
	ctx, span := o.recorder.StartSpan(ctx, "orchestrator.resolveAndPropose")
	defer span.End()

	if req.IdempotencyKey == "" {
		return o.resolveAndPropose(ctx, req)
	}

	cached, _, err := idempotency.Execute(ctx, o.idempotency, req.IdempotencyKey, o.cfg.IdempotencyWindow, func() (idempotency.CachedResponse, error) {
		result, err := o.resolveAndPropose(ctx, req)
		if err != nil {
			return idempotency.CachedResponse{}, err
		}
		body, mErr := json.Marshal(result)
		if mErr != nil {
			return idempotency.CachedResponse{}, mErr
		}
		return idempotency.CachedResponse{StatusCode: 200, Body: body}, nil
	})
	if err != nil {
		return ProposeResult{}, err
	}
	var result ProposeResult
	if err := json.Unmarshal(cached.Body, &result); err != nil {
		return ProposeResult{}, err
	}
	return result, nil
}

func (o *Orchestrator) resolveAndPropose(ctx context.Context, req ProposeRequest) (ProposeResult, error) {
	// Step 1: resolve or infer the cartridge.
	rawCartridge, cartridgeID, err := cartridge.ResolveCartridge(req.CartridgeID, req.ActionType, o.registry)
	if err != nil {
		return ProposeResult{}, err
	}
	guarded := o.guard(rawCartridge)

	rctx := store.RequestContext{PrincipalID: req.PrincipalID, OrganizationID: req.OrganizationID, TraceID: req.TraceID}

	// Step 2: resolve entity refs, if any, before any envelope exists.
	resolvedEntities, notFoundResult, clarifyResult, err := o.resolveEntityRefs(ctx, rawCartridge, req.EntityRefs)
	if err != nil {
		return ProposeResult{}, err
	}
	if notFoundResult != nil {
		return *notFoundResult, nil
	}
	if clarifyResult != nil {
		return *clarifyResult, nil
	}

	params, err := canon.New(req.Parameters)
	if err != nil {
		return ProposeResult{}, fmt.Errorf("invalid parameters: %w", err)
	}

	// Step 3: create the envelope, status=proposed.
	now := o.now()
	entityIDs := make([]string, 0, len(resolvedEntities))
	for _, e := range resolvedEntities {
		entityIDs = append(entityIDs, e.EntityID)
	}
	env := store.Envelope{
		ID:             uuid.NewString(),
		PrincipalID:    req.PrincipalID,
		OrganizationID: req.OrganizationID,
		CartridgeID:    cartridgeID,
		Proposals: []store.Proposal{{
			ID:         uuid.NewString(),
			ActionType: req.ActionType,
			Parameters: params,
			Confidence: 1,
		}},
		ResolvedEntities: resolvedEntities,
		Status:           store.EnvelopeProposed,
		ParentEnvelopeID: req.ParentEnvelopeID,
		TraceID:          req.TraceID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	env, err = o.envelopes.Create(ctx, env)
	if err != nil {
		return ProposeResult{}, err
	}

	// Step 4: enrich context via the guarded cartridge.
	enriched, err := guarded.EnrichContext(ctx, req.ActionType, params, rctx)
	if err != nil {
		return ProposeResult{}, err
	}
	if enriched.Kind() == canon.KindObject {
		rctx.Enriched = toStringMap(enriched)
	}

	// Step 5/6: risk input + score come first since overlay conditions
	// can gate on riskCategory (spec.md §4.3), so identity resolution
	// happens once, after the risk score is known.
	riskInput, err := guarded.GetRiskInput(ctx, req.ActionType, enriched, rctx)
	if err != nil {
		return ProposeResult{}, err
	}
	riskOutput := o.scorer.Score(risk.FromCartridgeInput(riskInput))

	resolvedIdentity, err := o.resolveIdentityFor(ctx, req.PrincipalID, req.OrganizationID, cartridgeID, req.ActionType, string(riskOutput.Category), now)
	if err != nil {
		return ProposeResult{}, err
	}

	guardrails, err := guarded.GetGuardrails(ctx)
	if err != nil {
		return ProposeResult{}, err
	}

	// Step 7 input: evaluate policies.
	decision, err := o.policies.Evaluate(ctx, policy.Input{
		ActionType:     req.ActionType,
		Parameters:     req.Parameters,
		Identity:       resolvedIdentity,
		CartridgeID:    cartridgeID,
		OrganizationID: req.OrganizationID,
		Now:            now,
		Risk:           riskOutput,
		Guardrails:     guardrails,
		EntityIDs:      entityIDs,
	})
	if err != nil {
		return ProposeResult{}, err
	}

	if decision.Effect == store.EffectDeny {
		return o.denyEnvelope(ctx, env, decision)
	}

	// The policy-authored floor and the identity's own risk-tolerance
	// formula (spec.md §4.6) are independent sources of an approval
	// requirement; the stricter of the two governs. Route is consulted
	// whenever the policy effect didn't already deny, so a tolerance-
	// driven requirement can raise the bar even when no policy rule
	// matched one explicitly.
	route := approval.Route(approval.RouteInput{
		RiskCategory:     string(riskOutput.Category),
		Identity:         resolvedIdentity,
		RoutingDefaults:  o.cfg.RoutingDefaults,
		FallbackApprover: o.cfg.FallbackApprover,
	})
	finalLevel := decision.ApprovalRequired.Max(route.ApprovalRequired).Max(req.MinApprovalRequired)

	if finalLevel == store.ApprovalNone {
		return o.approveAndContinue(ctx, env, decision, riskOutput)
	}

	if route.Escalated && o.cfg.DenyWhenNoApprovers {
		decision.Trace.Checks = append(decision.Trace.Checks, store.CheckResult{
			Code: "noApproversReachable", Matched: true, Effect: string(store.EffectDeny),
			HumanDetail: "approval is required but no approver could be resolved",
		})
		decision.Effect = store.EffectDeny
		decision.Trace.Decision = string(store.EffectDeny)
		decision.Trace.Explanation = "denied: approval required but no approver reachable"
		return o.denyEnvelope(ctx, env, decision)
	}

	return o.routeForApproval(ctx, env, decision, riskOutput, finalLevel, route, cartridgeID, req.PrincipalID, req.ActionType, req.Parameters)
}

// resolveEntityRefs resolves every ref via the cartridge's optional
// EntityResolver capability. A cartridge that doesn't implement it
// treats each ref's InputRef as an already-resolved entity id.
func (o *Orchestrator) resolveEntityRefs(ctx context.Context, c store.Cartridge, refs []EntityRef) ([]store.ResolvedEntity, *ProposeResult, *ProposeResult, error) {
	if len(refs) == 0 {
		return nil, nil, nil, nil
	}
	resolver, ok := c.(store.EntityResolver)
	if !ok {
		out := make([]store.ResolvedEntity, len(refs))
		for i, r := range refs {
			out[i] = store.ResolvedEntity{InputRef: r.InputRef, EntityType: r.EntityType, EntityID: r.InputRef, Confidence: 1}
		}
		return out, nil, nil, nil
	}

	var resolved []store.ResolvedEntity
	for _, r := range refs {
		outcome, err := resolver.ResolveEntity(ctx, r.InputRef, r.EntityType)
		if err != nil {
			return nil, nil, nil, err
		}
		if outcome.Found {
			resolved = append(resolved, outcome.Entity)
			continue
		}
		if len(outcome.Alternatives) == 0 {
			return nil, &ProposeResult{
				NotFound:    true,
				Explanation: fmt.Sprintf("no match for %q (%s)", r.InputRef, r.EntityType),
			}, nil, nil
		}
		return nil, nil, &ProposeResult{
			NeedsClarification: true,
			Question:           clarificationQuestion(r, outcome.Alternatives),
		}, nil
	}
	return resolved, nil, nil, nil
}

func clarificationQuestion(r EntityRef, alts []store.ResolvedEntity) string {
	q := fmt.Sprintf("Multiple %s entities match %q, which did you mean?", r.EntityType, r.InputRef)
	for _, a := range alts {
		q += " " + a.Label + " (" + a.EntityID + ")"
	}
	return q
}

func (o *Orchestrator) resolveIdentityFor(ctx context.Context, principalID, organizationID, cartridgeID, actionType, riskCategory string, now time.Time) (identity.ResolvedIdentity, error) {
	spec, err := o.identities.GetSpec(ctx, principalID)
	if err != nil {
		spec = store.IdentitySpec{PrincipalID: principalID, OrganizationID: organizationID}
	}
	overlays, err := o.identities.ActiveOverlays(ctx, principalID)
	if err != nil {
		overlays = nil
	}
	resolved := identity.Resolve(spec, overlays, identity.Context{CartridgeID: cartridgeID, RiskCategory: riskCategory, Now: now})

	if o.competence != nil && actionType != "" {
		rec, cErr := o.competence.GetAdjustment(ctx, principalID, actionType)
		if cErr == nil {
			resolved = identity.ApplyCompetenceAdjustments(resolved, []identity.CompetenceAdjustment{
				{ActionType: actionType, ShouldTrust: o.competence.ShouldTrust(rec)},
			})
		}
	}
	return resolved, nil
}

func (o *Orchestrator) denyEnvelope(ctx context.Context, env store.Envelope, decision policy.Decision) (ProposeResult, error) {
	env.DecisionTrace = &decision.Trace
	env.Status = store.EnvelopeDenied
	env.UpdatedAt = o.now()
	env, err := o.envelopes.Update(ctx, env)
	if err != nil {
		return ProposeResult{}, err
	}

	entry, err := o.appendAudit(ctx, func(prev string) (audit.Entry, error) {
		return audit.Entry{
			EventType:        audit.EventActionDenied,
			Timestamp:        o.now(),
			ActorType:        audit.ActorSystem,
			ActorID:          "orchestrator",
			EntityType:       "envelope",
			EntityID:         env.ID,
			RiskCategory:     decision.Trace.RiskCategory,
			VisibilityLevel:  audit.VisibilityOperator,
			Summary:          decision.Trace.Explanation,
			EnvelopeID:       env.ID,
			OrganizationID:   env.OrganizationID,
			TraceID:          env.TraceID,
		}, nil
	})
	if err != nil {
		return ProposeResult{}, err
	}
	env.AuditEntryIDs = append(env.AuditEntryIDs, entry.ID)
	env, err = o.envelopes.Update(ctx, env)
	if err != nil {
		return ProposeResult{}, err
	}

	o.recorder.ProposalOutcome("denied")
	return ProposeResult{Envelope: env, DecisionTrace: &decision.Trace, Denied: true, Explanation: decision.Trace.Explanation}, nil
}

func (o *Orchestrator) approveAndContinue(ctx context.Context, env store.Envelope, decision policy.Decision, riskOutput risk.Output) (ProposeResult, error) {
	env.DecisionTrace = &decision.Trace
	env.Status = store.EnvelopeApproved
	env.UpdatedAt = o.now()
	env, err := o.envelopes.Update(ctx, env)
	if err != nil {
		return ProposeResult{}, err
	}

	actionType := ""
	if len(env.Proposals) > 0 {
		actionType = env.Proposals[0].ActionType
	}
	proposedEntry, err := o.appendAudit(ctx, func(prev string) (audit.Entry, error) {
		return audit.Entry{
			EventType:       audit.EventActionProposed,
			Timestamp:       o.now(),
			ActorType:       audit.ActorPrincipal,
			ActorID:         env.PrincipalID,
			EntityType:      "envelope",
			EntityID:        env.ID,
			RiskCategory:    decision.Trace.RiskCategory,
			VisibilityLevel: audit.VisibilityOperator,
			Summary:         fmt.Sprintf("proposed %s", actionType),
			EnvelopeID:      env.ID,
			OrganizationID:  env.OrganizationID,
			TraceID:         env.TraceID,
		}, nil
	})
	if err != nil {
		return ProposeResult{}, err
	}
	env.AuditEntryIDs = append(env.AuditEntryIDs, proposedEntry.ID)
	env, err = o.envelopes.Update(ctx, env)
	if err != nil {
		return ProposeResult{}, err
	}
	o.recorder.ProposalOutcome("approved")

	switch o.cfg.ExecutionMode {
	case ExecutionQueue:
		if o.queueWorker != nil {
			if err := o.queueWorker.Enqueue(ctx, queue.Job{EnvelopeID: env.ID, EnqueuedAt: o.now(), TraceID: env.TraceID}); err != nil {
				return ProposeResult{}, err
			}
		}
		return ProposeResult{Envelope: env, DecisionTrace: &decision.Trace}, nil
	default:
		if execErr := o.ExecuteApproved(ctx, env.ID); execErr != nil {
			o.logger.Warn("inline execute failed after auto-approval", zap.String("envelopeId", env.ID), zap.Error(execErr))
			return ProposeResult{Envelope: env, DecisionTrace: &decision.Trace}, nil
		}
		final, err := o.envelopes.Get(ctx, env.ID)
		if err != nil {
			return ProposeResult{}, err
		}
		return ProposeResult{Envelope: final, DecisionTrace: &decision.Trace}, nil
	}
}

func (o *Orchestrator) routeForApproval(
	ctx context.Context,
	env store.Envelope,
	decision policy.Decision,
	riskOutput risk.Output,
	level store.ApprovalLevel,
	route approval.RouteResult,
	cartridgeID, principalID, actionType string,
	parameters map[string]interface{},
) (ProposeResult, error) {
	bindingHash, err := approval.ComputeBindingHash(approval.BindingInput{
		ActionType: actionType, Parameters: parameters, PrincipalID: principalID, CartridgeID: cartridgeID,
	})
	if err != nil {
		return ProposeResult{}, err
	}

	expiryHours := approval.ExpiryFor(level, o.cfg.ExpiryConfig)
	expiresAt := o.now().Add(time.Duration(expiryHours * float64(time.Hour)))

	appReq := store.ApprovalRequest{
		ID:              uuid.NewString(),
		ActionID:        env.Proposals[0].ID,
		EnvelopeID:      env.ID,
		Summary:         fmt.Sprintf("%s requires %s approval", actionType, level),
		RiskCategory:    string(riskOutput.Category),
		BindingHash:     bindingHash,
		Approvers:       route.Approvers,
		FallbackApprover: o.cfg.FallbackApprover,
		ExpiresAt:       expiresAt,
		ExpiredBehavior: "deny",
		CreatedAt:       o.now(),
	}
	approvalRec, err := o.approvals.Create(ctx, store.Approval{
		Request: appReq,
		State:   store.ApprovalState{ID: appReq.ID, Status: store.ApprovalPending, ExpiresAt: expiresAt, Version: 1},
	})
	if err != nil {
		return ProposeResult{}, err
	}

	env.DecisionTrace = &decision.Trace
	env.ApprovalRequestID = approvalRec.Request.ID
	env.Status = store.EnvelopePendingApproval
	env.UpdatedAt = o.now()
	env, err = o.envelopes.Update(ctx, env)
	if err != nil {
		return ProposeResult{}, err
	}

	proposedEntry, err := o.appendAudit(ctx, func(prev string) (audit.Entry, error) {
		return audit.Entry{
			EventType:       audit.EventActionProposed,
			Timestamp:       o.now(),
			ActorType:       audit.ActorPrincipal,
			ActorID:         principalID,
			EntityType:      "envelope",
			EntityID:        env.ID,
			RiskCategory:    decision.Trace.RiskCategory,
			VisibilityLevel: audit.VisibilityOperator,
			Summary:         fmt.Sprintf("proposed %s", actionType),
			EnvelopeID:      env.ID,
			OrganizationID:  env.OrganizationID,
			TraceID:         env.TraceID,
		}, nil
	})
	if err != nil {
		return ProposeResult{}, err
	}
	createdEntry, err := o.appendAudit(ctx, func(prev string) (audit.Entry, error) {
		return audit.Entry{
			EventType:       audit.EventApprovalCreated,
			Timestamp:       o.now(),
			ActorType:       audit.ActorSystem,
			ActorID:         "orchestrator",
			EntityType:      "approval",
			EntityID:        appReq.ID,
			RiskCategory:    decision.Trace.RiskCategory,
			VisibilityLevel: audit.VisibilityOperator,
			Summary:         appReq.Summary,
			EnvelopeID:      env.ID,
			OrganizationID:  env.OrganizationID,
			TraceID:         env.TraceID,
		}, nil
	})
	if err != nil {
		return ProposeResult{}, err
	}
	env.AuditEntryIDs = append(env.AuditEntryIDs, proposedEntry.ID, createdEntry.ID)
	env, err = o.envelopes.Update(ctx, env)
	if err != nil {
		return ProposeResult{}, err
	}

	o.recorder.ApprovalCreated(string(level))
	o.recorder.ProposalOutcome("pending_approval")

	if nErr := o.notifier.Notify(ctx, Notification{
		ApprovalID: appReq.ID, EnvelopeID: env.ID, Summary: appReq.Summary,
		RiskCategory: appReq.RiskCategory, BindingHash: bindingHash, ExpiresAt: expiresAt, Approvers: route.Approvers,
	}); nErr != nil {
		o.logger.Warn("approval notification failed", zap.Error(nErr))
	}

	return ProposeResult{Envelope: env, DecisionTrace: &decision.Trace, ApprovalRequest: &approvalRec}, nil
}

// toStringMap converts an object-kind canon.Value to the plain map
// RequestContext.Enriched carries.
func toStringMap(v canon.Value) map[string]interface{} {
	out := v.ToInterface()
	m, _ := out.(map[string]interface{})
	return m
}
