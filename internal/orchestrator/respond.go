package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/execguard/broker/internal/approval"
	"github.com/execguard/broker/internal/audit"
	"github.com/execguard/broker/internal/canon"
	"github.com/execguard/broker/internal/errs"
	"github.com/execguard/broker/internal/queue"
	"github.com/execguard/broker/internal/store"
)

// RespondAction is the caller's decision on an ApprovalRequest.
type RespondAction string

const (
	RespondApprove RespondAction = "approve"
	RespondReject  RespondAction = "reject"
	RespondPatch   RespondAction = "patch"
)

// RespondRequest is respondToApproval's input (spec.md §4.8).
type RespondRequest struct {
	ApprovalID      string
	Action          RespondAction
	RespondedBy     string
	PatchValue      map[string]interface{}
	BindingHash     string
	ExpectedVersion int
}

// RespondToApproval transitions an ApprovalRequest's state per the
// caller's decision, verifies the binding hash when supplied, and
// mirrors the outcome onto the envelope: approved/patched moves it to
// approved and, for inline execution mode, runs it immediately;
// rejected moves it to denied. A quorum request only advances the
// envelope once enough entries have accumulated.
func (o *Orchestrator) RespondToApproval(ctx context.Context, req RespondRequest) (ProposeResult, error) {
	ctx, span := o.recorder.StartSpan(ctx, "orchestrator.respondToApproval")
	defer span.End()

	appr, err := o.approvals.Get(ctx, req.ApprovalID)
	if err != nil {
		return ProposeResult{}, err
	}

	if req.BindingHash != "" && req.BindingHash != appr.Request.BindingHash {
		return ProposeResult{}, errs.New(errs.KindBindingMismatch, "supplied binding hash does not match the approval request")
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != appr.State.Version {
		return ProposeResult{}, errs.New(errs.KindStaleVersion, "approval state has moved on since the caller last read it")
	}
	if appr.State.Status != store.ApprovalPending {
		return ProposeResult{}, errs.New(errs.KindCannotTransition, fmt.Sprintf("approval %s is %s, not pending", req.ApprovalID, appr.State.Status))
	}

	env, err := o.envelopes.Get(ctx, appr.Request.EnvelopeID)
	if err != nil {
		return ProposeResult{}, err
	}

	if o.now().After(appr.State.ExpiresAt) {
		return o.expireApproval(ctx, appr, env)
	}

	if err := o.authorizeResponder(ctx, appr, env, req.RespondedBy); err != nil {
		return ProposeResult{}, err
	}

	switch req.Action {
	case RespondReject:
		return o.finalizeApproval(ctx, appr, env, store.ApprovalRejected, req.RespondedBy, canon.Value{})
	case RespondPatch:
		patch, err := canon.New(req.PatchValue)
		if err != nil {
			return ProposeResult{}, fmt.Errorf("invalid patch value: %w", err)
		}
		return o.finalizeApproval(ctx, appr, env, store.ApprovalPatched, req.RespondedBy, patch)
	case RespondApprove:
		return o.handleApprove(ctx, appr, env, req.RespondedBy)
	default:
		return ProposeResult{}, errs.New(errs.KindValidation, "unknown respond action "+string(req.Action))
	}
}

// authorizeResponder enforces that RespondedBy is either named
// directly in the approval request's approver list, or reaches one of
// those approvers through a valid delegation chain (spec.md §4.6's
// "hardest subpart", C6). Without this check, RespondToApproval would
// accept a response attributed to any caller-supplied string.
func (o *Orchestrator) authorizeResponder(ctx context.Context, appr store.Approval, env store.Envelope, respondedBy string) error {
	for _, a := range appr.Request.Approvers {
		if a == respondedBy {
			return nil
		}
	}
	if len(appr.Request.Approvers) == 0 || o.delegations == nil {
		return errs.New(errs.KindUnauthorizedResponder, fmt.Sprintf("%s is not an approver for %s", respondedBy, appr.Request.ID))
	}

	requiredScope := ""
	if len(env.Proposals) > 0 {
		requiredScope = env.Proposals[0].ActionType
	}
	result := approval.ResolveDelegationChain(respondedBy, appr.Request.Approvers, o.lookupDelegationsByGrantee(ctx), o.now(), requiredScope)
	if !result.Authorized {
		return errs.New(errs.KindUnauthorizedResponder, fmt.Sprintf("%s is not an approver for %s and no delegation chain authorizes it", respondedBy, appr.Request.ID))
	}
	return nil
}

// lookupDelegationsByGrantee adapts store.DelegationStore's
// context-carrying, error-returning method to the synchronous
// grantee->rules function ResolveDelegationChain's backward walk
// expects. A lookup failure is treated as "no rules" rather than
// aborting the walk, so a transient store error denies the response
// instead of silently authorizing it.
func (o *Orchestrator) lookupDelegationsByGrantee(ctx context.Context) func(grantee string) []store.DelegationRule {
	return func(grantee string) []store.DelegationRule {
		rules, err := o.delegations.RulesByGrantee(ctx, grantee)
		if err != nil {
			o.logger.Warn("delegation lookup failed during approval response authorization", zap.String("grantee", grantee), zap.Error(err))
			return nil
		}
		return rules
	}
}

func (o *Orchestrator) handleApprove(ctx context.Context, appr store.Approval, env store.Envelope, respondedBy string) (ProposeResult, error) {
	if appr.State.Quorum == nil {
		return o.finalizeApproval(ctx, appr, env, store.ApprovalApproved, respondedBy, canon.Value{})
	}

	params, _ := env.Proposals[0].Parameters.ToInterface().(map[string]interface{})
	hash, err := approval.ComputeBindingHash(approval.BindingInput{
		ActionType:  env.Proposals[0].ActionType,
		Parameters:  params,
		PrincipalID: env.PrincipalID,
		CartridgeID: env.CartridgeID,
	})
	if err != nil {
		return ProposeResult{}, err
	}

	quorum := *appr.State.Quorum
	quorum.Entries = append(quorum.Entries, store.QuorumEntry{ApproverID: respondedBy, Hash: hash, ApprovedAt: o.now()})

	newState := appr.State
	newState.Quorum = &quorum

	if len(quorum.Entries) < quorum.Required {
		updated, err := o.approvals.UpdateState(ctx, appr.Request.ID, newState)
		if err != nil {
			return ProposeResult{}, err
		}
		o.recorder.ApprovalResponded("quorum_partial")
		return ProposeResult{Envelope: env, ApprovalRequest: &updated}, nil
	}

	newState.Status = store.ApprovalApproved
	respondedAt := o.now()
	newState.RespondedAt = &respondedAt
	newState.RespondedBy = respondedBy
	return o.commitApprovalOutcome(ctx, appr, env, newState, canon.Value{})
}

// finalizeApproval handles the non-quorum single-approver terminal
// transitions: approved, rejected, patched.
func (o *Orchestrator) finalizeApproval(ctx context.Context, appr store.Approval, env store.Envelope, status store.ApprovalStatus, respondedBy string, patch canon.Value) (ProposeResult, error) {
	respondedAt := o.now()
	newState := appr.State
	newState.Status = status
	newState.RespondedBy = respondedBy
	newState.RespondedAt = &respondedAt
	if status == store.ApprovalPatched {
		newState.PatchValue = patch
	}
	return o.commitApprovalOutcome(ctx, appr, env, newState, patch)
}

func (o *Orchestrator) commitApprovalOutcome(ctx context.Context, appr store.Approval, env store.Envelope, newState store.ApprovalState, patch canon.Value) (ProposeResult, error) {
	updated, err := o.approvals.UpdateState(ctx, appr.Request.ID, newState)
	if err != nil {
		return ProposeResult{}, err
	}

	entry, err := o.appendAudit(ctx, func(prev string) (audit.Entry, error) {
		return audit.Entry{
			EventType:       audit.EventApprovalResponded,
			Timestamp:       o.now(),
			ActorType:       audit.ActorPrincipal,
			ActorID:         newState.RespondedBy,
			EntityType:      "approval",
			EntityID:        appr.Request.ID,
			VisibilityLevel: audit.VisibilityOperator,
			Summary:         fmt.Sprintf("approval %s responded with %s", appr.Request.ID, newState.Status),
			EnvelopeID:      env.ID,
			OrganizationID:  env.OrganizationID,
			TraceID:         env.TraceID,
		}, nil
	})
	if err != nil {
		return ProposeResult{}, err
	}
	o.recorder.ApprovalResponded(string(newState.Status))

	switch newState.Status {
	case store.ApprovalRejected:
		env.Status = store.EnvelopeDenied
	case store.ApprovalApproved:
		env.Status = store.EnvelopeApproved
	case store.ApprovalPatched:
		if patch.Kind() == canon.KindObject && len(env.Proposals) > 0 {
			env.Proposals[0].Parameters = patch
		}
		env.Status = store.EnvelopeApproved
	}
	env.UpdatedAt = o.now()
	env.AuditEntryIDs = append(env.AuditEntryIDs, entry.ID)
	env, err = o.envelopes.Update(ctx, env)
	if err != nil {
		return ProposeResult{}, err
	}

	if env.Status != store.EnvelopeApproved {
		return ProposeResult{Envelope: env, ApprovalRequest: &updated}, nil
	}

	switch o.cfg.ExecutionMode {
	case ExecutionQueue:
		if o.queueWorker != nil {
			job := queue.Job{EnvelopeID: env.ID, EnqueuedAt: o.now(), TraceID: env.TraceID}
			if qErr := o.queueWorker.Enqueue(ctx, job); qErr != nil {
				return ProposeResult{}, qErr
			}
		}
		return ProposeResult{Envelope: env, ApprovalRequest: &updated}, nil
	default:
		if execErr := o.ExecuteApproved(ctx, env.ID); execErr != nil {
			o.logger.Warn("inline execute failed after approval", zap.String("envelopeId", env.ID), zap.Error(execErr))
			return ProposeResult{Envelope: env, ApprovalRequest: &updated}, nil
		}
		final, err := o.envelopes.Get(ctx, env.ID)
		if err != nil {
			return ProposeResult{}, err
		}
		return ProposeResult{Envelope: final, ApprovalRequest: &updated}, nil
	}
}

// ExpirePendingApprovals scans every pending approval and expires the
// ones past their deadline, used by the periodic expiry job (spec.md
// §4.12). It returns how many it expired.
func (o *Orchestrator) ExpirePendingApprovals(ctx context.Context, organizationID string) (int, error) {
	pending, err := o.approvals.ListPending(ctx, organizationID)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, appr := range pending {
		if !o.now().After(appr.State.ExpiresAt) {
			continue
		}
		env, err := o.envelopes.Get(ctx, appr.Request.EnvelopeID)
		if err != nil {
			o.logger.Warn("expiry scan: envelope lookup failed", zap.String("approvalId", appr.Request.ID), zap.Error(err))
			continue
		}
		if _, err := o.expireApproval(ctx, appr, env); err != nil {
			o.logger.Warn("expiry scan: failed to expire approval", zap.String("approvalId", appr.Request.ID), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

func (o *Orchestrator) expireApproval(ctx context.Context, appr store.Approval, env store.Envelope) (ProposeResult, error) {
	newState := appr.State
	newState.Status = store.ApprovalExpired
	updated, err := o.approvals.UpdateState(ctx, appr.Request.ID, newState)
	if err != nil {
		return ProposeResult{}, err
	}

	entry, err := o.appendAudit(ctx, func(prev string) (audit.Entry, error) {
		return audit.Entry{
			EventType:       audit.EventApprovalExpired,
			Timestamp:       o.now(),
			ActorType:       audit.ActorSystem,
			ActorID:         "orchestrator",
			EntityType:      "approval",
			EntityID:        appr.Request.ID,
			VisibilityLevel: audit.VisibilityOperator,
			Summary:         fmt.Sprintf("approval %s expired", appr.Request.ID),
			EnvelopeID:      env.ID,
			OrganizationID:  env.OrganizationID,
			TraceID:         env.TraceID,
		}, nil
	})
	if err != nil {
		return ProposeResult{}, err
	}

	env.Status = store.EnvelopeExpired
	env.UpdatedAt = o.now()
	env.AuditEntryIDs = append(env.AuditEntryIDs, entry.ID)
	env, err = o.envelopes.Update(ctx, env)
	if err != nil {
		return ProposeResult{}, err
	}

	return ProposeResult{Envelope: env, ApprovalRequest: &updated, Denied: true, Explanation: "approval expired"}, nil
}
