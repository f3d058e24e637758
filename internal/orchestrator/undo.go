package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/execguard/broker/internal/audit"
	"github.com/execguard/broker/internal/errs"
	"github.com/execguard/broker/internal/store"
)

// UndoRequest is requestUndo's input (spec.md §4.10).
type UndoRequest struct {
	OriginalEnvelopeID string
	RequestedBy        string
	IdempotencyKey     string
}

// RequestUndo reverses an executed envelope by proposing its recorded
// undoRecipe as a fresh, ordinary proposal, linked back to the
// original via ParentEnvelopeID and floored at the recipe's own
// undoApprovalRequired level. A denial here never mutates the
// original envelope; only a successfully executed undo marks it
// rolledBack.
func (o *Orchestrator) RequestUndo(ctx context.Context, req UndoRequest) (ProposeResult, error) {
	ctx, span := o.recorder.StartSpan(ctx, "orchestrator.requestUndo")
	defer span.End()

	orig, err := o.envelopes.Get(ctx, req.OriginalEnvelopeID)
	if err != nil {
		return ProposeResult{}, err
	}
	if orig.Status != store.EnvelopeExecuted {
		return ProposeResult{}, errs.New(errs.KindCannotTransition, fmt.Sprintf("envelope %s is %s, not executed", req.OriginalEnvelopeID, orig.Status))
	}
	if orig.ExecutionResult == nil || orig.ExecutionResult.UndoRecipe == nil {
		return ProposeResult{Denied: true, Explanation: "this action has no recorded undo recipe"}, nil
	}
	recipe := orig.ExecutionResult.UndoRecipe
	if o.now().After(recipe.UndoExpiresAt) {
		return ProposeResult{Denied: true, Explanation: "the undo window for this action has expired"}, nil
	}

	depth, err := o.parentChainDepth(ctx, req.OriginalEnvelopeID)
	if err != nil {
		return ProposeResult{}, err
	}
	if depth+1 >= o.cfg.MaxParentChainDepth {
		return ProposeResult{Denied: true, Explanation: "undo chain depth limit reached"}, nil
	}

	params, _ := recipe.ReverseParameters.ToInterface().(map[string]interface{})
	if params == nil {
		params = map[string]interface{}{}
	}

	actionType := orig.Proposals[0].ActionType
	result, err := o.ResolveAndPropose(ctx, ProposeRequest{
		ActionType:          recipe.ReverseActionType,
		Parameters:          params,
		PrincipalID:         req.RequestedBy,
		OrganizationID:      orig.OrganizationID,
		CartridgeID:         orig.CartridgeID,
		TraceID:             orig.TraceID,
		IdempotencyKey:      req.IdempotencyKey,
		ParentEnvelopeID:    orig.ID,
		MinApprovalRequired: store.ApprovalLevel(recipe.UndoApprovalRequired),
	})
	if err != nil {
		return ProposeResult{}, err
	}

	if result.Envelope.Status == store.EnvelopeExecuted {
		if err := o.markRolledBack(ctx, orig, actionType, result.Envelope.ID); err != nil {
			o.logger.Warn("failed to finalize rollback bookkeeping", zap.Error(err))
		}
	}

	return result, nil
}

// parentChainDepth counts how many ancestors envelopeID already has,
// walking ParentEnvelopeID links (spec.md §4.10's chain-depth guard
// against repeated undo-of-undo proposals).
func (o *Orchestrator) parentChainDepth(ctx context.Context, envelopeID string) (int, error) {
	depth := 0
	current := envelopeID
	for {
		env, err := o.envelopes.Get(ctx, current)
		if err != nil {
			return 0, err
		}
		if env.ParentEnvelopeID == "" {
			return depth, nil
		}
		depth++
		current = env.ParentEnvelopeID
		if depth > o.cfg.MaxParentChainDepth+1 {
			return depth, nil
		}
	}
}

// markRolledBack records the rollback against the original envelope's
// competence history and transitions its status once its undo has
// itself executed successfully.
func (o *Orchestrator) markRolledBack(ctx context.Context, orig store.Envelope, actionType, undoEnvelopeID string) error {
	if o.competence != nil {
		if _, err := o.competence.RecordRollback(ctx, orig.PrincipalID, actionType); err != nil {
			return err
		}
	}

	orig.Status = store.EnvelopeRolledBack
	orig.UpdatedAt = o.now()
	orig, err := o.envelopes.Update(ctx, orig)
	if err != nil {
		return err
	}

	entry, err := o.appendAudit(ctx, func(prev string) (audit.Entry, error) {
		return audit.Entry{
			EventType:       audit.EventActionRolledBack,
			Timestamp:       o.now(),
			ActorType:       audit.ActorSystem,
			ActorID:         "orchestrator",
			EntityType:      "envelope",
			EntityID:        orig.ID,
			VisibilityLevel: audit.VisibilityOperator,
			Summary:         fmt.Sprintf("rolled back via undo envelope %s", undoEnvelopeID),
			EnvelopeID:      orig.ID,
			OrganizationID:  orig.OrganizationID,
			TraceID:         orig.TraceID,
		}, nil
	})
	if err != nil {
		return err
	}
	orig.AuditEntryIDs = append(orig.AuditEntryIDs, entry.ID)
	_, err = o.envelopes.Update(ctx, orig)
	return err
}
