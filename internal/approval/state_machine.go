package approval

import (
	"time"

	"github.com/execguard/broker/internal/canon"
	"github.com/execguard/broker/internal/errs"
	"github.com/execguard/broker/internal/store"
)

// Action is the closed set of responses a caller can make to a pending
// approval.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionPatch   Action = "patch"
)

// RespondInput is the caller-supplied half of a response (spec.md §4.6).
type RespondInput struct {
	Action          Action
	ApproverID      string
	PatchValue      *canon.Value
	BindingHash     string
	ExpectedVersion int
	Now             time.Time
}

// Respond computes the next ApprovalState for req/state given in, pure
// and side-effect-free; the caller persists the result through
// ApprovalStore.UpdateState, which performs the authoritative
// optimistic-version check against the stored row. This function's own
// version check lets callers fail fast without a round trip.
//
// Binding hash (spec.md §4.6): when the caller supplies a hash, it
// must match the hash captured at request creation, proving they are
// responding to the envelope they actually saw. An empty caller hash
// skips this comparison, and a patch's PatchValue is not re-hashed.
func Respond(req store.ApprovalRequest, state store.ApprovalState, in RespondInput) (store.ApprovalState, error) {
	if state.Status != store.ApprovalPending {
		return store.ApprovalState{}, errs.New(errs.KindCannotTransition, "approval is not pending: "+string(state.Status))
	}
	if state.IsExpired(in.Now) {
		return store.ApprovalState{}, errs.New(errs.KindCannotTransition, "approval has expired")
	}
	if in.ExpectedVersion != state.Version {
		return store.ApprovalState{}, errs.Sentinel(errs.KindStaleVersion)
	}
	if in.BindingHash != "" && req.BindingHash != "" && in.BindingHash != req.BindingHash {
		return store.ApprovalState{}, errs.New(errs.KindBindingMismatch, "binding hash does not match approval request")
	}

	next := state
	next.Version = state.Version + 1
	next.RespondedBy = in.ApproverID
	respondedAt := in.Now
	next.RespondedAt = &respondedAt

	switch in.Action {
	case ActionApprove:
		return respondApprove(req, next, in)
	case ActionReject:
		if next.Quorum != nil {
			// Any reject short-circuits quorum to rejected (spec.md §4.6).
			next.Status = store.ApprovalRejected
			return next, nil
		}
		next.Status = store.ApprovalRejected
		return next, nil
	case ActionPatch:
		if state.Quorum != nil {
			return store.ApprovalState{}, errs.New(errs.KindCannotTransition, "patch is disallowed under quorum")
		}
		if in.PatchValue == nil {
			return store.ApprovalState{}, errs.New(errs.KindValidation, "patch requires a patchValue")
		}
		next.Status = store.ApprovalPatched
		next.PatchValue = *in.PatchValue
		return next, nil
	default:
		return store.ApprovalState{}, errs.New(errs.KindValidation, "unknown approval action: "+string(in.Action))
	}
}

func respondApprove(req store.ApprovalRequest, next store.ApprovalState, in RespondInput) (store.ApprovalState, error) {
	if next.Quorum == nil {
		next.Status = store.ApprovalApproved
		return next, nil
	}

	for _, e := range next.Quorum.Entries {
		if e.ApproverID == in.ApproverID {
			return store.ApprovalState{}, errs.New(errs.KindDuplicateApprover, "approver already contributed to this quorum: "+in.ApproverID)
		}
	}

	quorum := *next.Quorum
	entries := make([]store.QuorumEntry, len(quorum.Entries), len(quorum.Entries)+1)
	copy(entries, quorum.Entries)
	entries = append(entries, store.QuorumEntry{
		ApproverID: in.ApproverID,
		Hash:       in.BindingHash,
		ApprovedAt: in.Now,
	})
	quorum.Entries = entries
	next.Quorum = &quorum

	if len(entries) >= quorum.Required {
		next.Status = store.ApprovalApproved
	}
	// else stays pending, accumulating quorum entries.
	return next, nil
}
