package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/execguard/broker/internal/audit"
	"github.com/execguard/broker/internal/errs"
	"github.com/execguard/broker/internal/store"
)

// ExecuteApproved runs spec.md §4.8's execution steps for an envelope
// already in status approved (or executing, for a crash-recovered
// retry): it binds the process-wide execution token, calls through
// the guarded cartridge, and on return persists executed/failed,
// records the undo recipe and competence outcome, and appends exactly
// one audit entry. A transient failure instead leaves the envelope
// executing, appends no entry and returns the error for a retry. It
// also satisfies queue.ExecuteApprovedActivities,
// so it can be registered directly as a Temporal activity or driven by
// the in-process queue worker.
func (o *Orchestrator) ExecuteApproved(ctx context.Context, envelopeID string) error {
	ctx, span := o.recorder.StartSpan(ctx, "orchestrator.executeApproved")
	defer span.End()

	env, err := o.envelopes.Get(ctx, envelopeID)
	if err != nil {
		return err
	}
	if env.Status != store.EnvelopeApproved && env.Status != store.EnvelopeExecuting {
		return errs.New(errs.KindCannotTransition, fmt.Sprintf("envelope %s is %s, not approved", envelopeID, env.Status))
	}
	if len(env.Proposals) == 0 {
		return errs.New(errs.KindValidation, "envelope has no proposal to execute")
	}
	proposal := env.Proposals[0]

	rawCartridge, ok := o.registry.Get(env.CartridgeID)
	if !ok {
		return errs.New(errs.KindUnknownCartridge, "cartridge "+env.CartridgeID+" is not registered")
	}
	guarded := o.guard(rawCartridge)

	env.Status = store.EnvelopeExecuting
	env.UpdatedAt = o.now()
	env, err = o.envelopes.Update(ctx, env)
	if err != nil {
		return err
	}

	rctx := store.RequestContext{PrincipalID: env.PrincipalID, OrganizationID: env.OrganizationID, TraceID: env.TraceID}

	token := o.tokens.BeginExecution()
	guarded.BindToken(token)
	defer func() {
		guarded.UnbindToken()
		o.tokens.EndExecution(token)
	}()

	start := o.now()
	result, execErr := guarded.Execute(ctx, proposal.ActionType, proposal.Parameters, rctx)
	o.recorder.ObserveExecuteMs(env.CartridgeID, float64(o.now().Sub(start).Milliseconds()))

	if execErr != nil {
		return o.handleExecuteFailure(ctx, env, proposal, execErr)
	}

	return o.handleExecuteSuccess(ctx, env, proposal, result)
}

func (o *Orchestrator) handleExecuteSuccess(ctx context.Context, env store.Envelope, proposal store.Proposal, result store.ExecutionResult) error {
	env.Status = store.EnvelopeExecuted
	env.ExecutionResult = &result
	env.UpdatedAt = o.now()
	env, err := o.envelopes.Update(ctx, env)
	if err != nil {
		return err
	}

	if o.guardrails != nil {
		o.applyCooldowns(ctx, env)
	}

	if o.competence != nil {
		if _, cErr := o.competence.RecordSuccess(ctx, env.PrincipalID, proposal.ActionType); cErr != nil {
			o.logger.Warn("failed to record competence success", zap.Error(cErr))
		}
	}

	entry, err := o.appendAudit(ctx, func(prev string) (audit.Entry, error) {
		return audit.Entry{
			EventType:       audit.EventActionExecuted,
			Timestamp:       o.now(),
			ActorType:       audit.ActorSystem,
			ActorID:         "orchestrator",
			EntityType:      "envelope",
			EntityID:        env.ID,
			VisibilityLevel: audit.VisibilityOperator,
			Summary:         result.Summary,
			EnvelopeID:      env.ID,
			OrganizationID:  env.OrganizationID,
			TraceID:         env.TraceID,
		}, nil
	})
	if err != nil {
		return err
	}
	env.AuditEntryIDs = append(env.AuditEntryIDs, entry.ID)
	if _, err := o.envelopes.Update(ctx, env); err != nil {
		return err
	}

	o.recorder.Execution(true)
	return nil
}

func (o *Orchestrator) handleExecuteFailure(ctx context.Context, env store.Envelope, proposal store.Proposal, execErr error) error {
	transient := o.isTransient(execErr.Error())

	if transient {
		// Leave status=executing; the queue worker (or a crash-recovery
		// scan) retries ExecuteApproved, which accepts executing as a
		// startable state. A terminal exhaustion is the caller's concern
		// (dead-lettering records the failure without mutating the
		// envelope further here).
		o.recorder.Execution(false)
		return execErr
	}

	env.Status = store.EnvelopeFailed
	env.UpdatedAt = o.now()
	env, err := o.envelopes.Update(ctx, env)
	if err != nil {
		return err
	}

	if o.competence != nil {
		if _, cErr := o.competence.RecordFailure(ctx, env.PrincipalID, proposal.ActionType); cErr != nil {
			o.logger.Warn("failed to record competence failure", zap.Error(cErr))
		}
	}

	entry, aErr := o.appendAudit(ctx, func(prev string) (audit.Entry, error) {
		return audit.Entry{
			EventType:       audit.EventActionFailed,
			Timestamp:       o.now(),
			ActorType:       audit.ActorSystem,
			ActorID:         "orchestrator",
			EntityType:      "envelope",
			EntityID:        env.ID,
			VisibilityLevel: audit.VisibilityOperator,
			Summary:         execErr.Error(),
			EnvelopeID:      env.ID,
			OrganizationID:  env.OrganizationID,
			TraceID:         env.TraceID,
		}, nil
	})
	if aErr != nil {
		return aErr
	}
	env.AuditEntryIDs = append(env.AuditEntryIDs, entry.ID)
	if _, err := o.envelopes.Update(ctx, env); err != nil {
		return err
	}

	o.recorder.Execution(false)
	return execErr
}

// ExecuteQueued adapts ExecuteApproved to queue.ExecuteFunc's
// (transient, err) shape for wiring into queue.InProcessWorker.
func (o *Orchestrator) ExecuteQueued(ctx context.Context, envelopeID string) (bool, error) {
	err := o.ExecuteApproved(ctx, envelopeID)
	if err == nil {
		return false, nil
	}
	return o.isTransient(err.Error()), err
}

// applyCooldowns sets a cooldown for every entity the cartridge's
// guardrails name, using the resolved entity ids the envelope carries
// as the cooldown scope (spec.md §4.9).
func (o *Orchestrator) applyCooldowns(ctx context.Context, env store.Envelope) {
	rawCartridge, ok := o.registry.Get(env.CartridgeID)
	if !ok {
		return
	}
	guardrails, err := rawCartridge.GetGuardrails(ctx)
	if err != nil {
		return
	}
	now := o.now()
	for _, cd := range guardrails.Cooldowns {
		for _, e := range env.ResolvedEntities {
			key := cd.EntityKey + ":" + e.EntityID
			if err := o.guardrails.SetCooldown(ctx, key, now, time.Duration(cd.CooldownMs)*time.Millisecond); err != nil {
				o.logger.Warn("failed to set cooldown", zap.String("key", key), zap.Error(err))
			}
		}
	}
}
