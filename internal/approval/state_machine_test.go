package approval

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/execguard/broker/internal/canon"
	"github.com/execguard/broker/internal/errs"
	"github.com/execguard/broker/internal/store"
)

func basicRequest() store.ApprovalRequest {
	return store.ApprovalRequest{ID: "ar_1", BindingHash: "abc123", ExpiresAt: time.Now().Add(time.Hour)}
}

func basicState() store.ApprovalState {
	return store.ApprovalState{ID: "ar_1", Status: store.ApprovalPending, ExpiresAt: time.Now().Add(time.Hour), Version: 1}
}

func TestRespondApproveSingleApprover(t *testing.T) {
	next, err := Respond(basicRequest(), basicState(), RespondInput{
		Action: ActionApprove, ApproverID: "u1", BindingHash: "abc123", ExpectedVersion: 1, Now: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, store.ApprovalApproved, next.Status)
	require.Equal(t, 2, next.Version)
	require.Equal(t, "u1", next.RespondedBy)
}

func TestRespondRejectsOnStaleVersion(t *testing.T) {
	_, err := Respond(basicRequest(), basicState(), RespondInput{
		Action: ActionApprove, ApproverID: "u1", ExpectedVersion: 99, Now: time.Now(),
	})
	require.True(t, errors.Is(err, errs.Sentinel(errs.KindStaleVersion)))
}

func TestRespondRejectsOnBindingMismatch(t *testing.T) {
	_, err := Respond(basicRequest(), basicState(), RespondInput{
		Action: ActionApprove, ApproverID: "u1", BindingHash: "wrong", ExpectedVersion: 1, Now: time.Now(),
	})
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.KindBindingMismatch, e.Kind)
}

func TestRespondCannotTransitionFromTerminalState(t *testing.T) {
	state := basicState()
	state.Status = store.ApprovalApproved
	_, err := Respond(basicRequest(), state, RespondInput{Action: ActionApprove, ApproverID: "u1", ExpectedVersion: 1, Now: time.Now()})
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.KindCannotTransition, e.Kind)
}

func TestRespondCannotTransitionWhenExpired(t *testing.T) {
	state := basicState()
	state.ExpiresAt = time.Now().Add(-time.Minute)
	_, err := Respond(basicRequest(), state, RespondInput{Action: ActionApprove, ApproverID: "u1", ExpectedVersion: 1, Now: time.Now()})
	require.Error(t, err)
}

func TestRespondPatchSetsPatchedStatus(t *testing.T) {
	pv, err := canon.New(map[string]interface{}{"amount": 42.0})
	require.NoError(t, err)
	next, err := Respond(basicRequest(), basicState(), RespondInput{
		Action: ActionPatch, ApproverID: "u1", PatchValue: &pv, BindingHash: "abc123", ExpectedVersion: 1, Now: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, store.ApprovalPatched, next.Status)
}

func TestRespondPatchDisallowedUnderQuorum(t *testing.T) {
	state := basicState()
	state.Quorum = &store.Quorum{Required: 2}
	pv, _ := canon.New(map[string]interface{}{"amount": 1.0})
	_, err := Respond(basicRequest(), state, RespondInput{Action: ActionPatch, ApproverID: "u1", PatchValue: &pv, ExpectedVersion: 1, Now: time.Now()})
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.KindCannotTransition, e.Kind)
}

func TestRespondQuorumAccumulatesUntilThreshold(t *testing.T) {
	state := basicState()
	state.Quorum = &store.Quorum{Required: 2}

	next1, err := Respond(basicRequest(), state, RespondInput{Action: ActionApprove, ApproverID: "u1", ExpectedVersion: 1, Now: time.Now()})
	require.NoError(t, err)
	require.Equal(t, store.ApprovalPending, next1.Status)
	require.Len(t, next1.Quorum.Entries, 1)

	next2, err := Respond(basicRequest(), next1, RespondInput{Action: ActionApprove, ApproverID: "u2", ExpectedVersion: 2, Now: time.Now()})
	require.NoError(t, err)
	require.Equal(t, store.ApprovalApproved, next2.Status)
	require.Len(t, next2.Quorum.Entries, 2)
}

func TestRespondQuorumRejectsDuplicateApprover(t *testing.T) {
	state := basicState()
	state.Quorum = &store.Quorum{Required: 2, Entries: []store.QuorumEntry{{ApproverID: "u1"}}}
	_, err := Respond(basicRequest(), state, RespondInput{Action: ActionApprove, ApproverID: "u1", ExpectedVersion: 1, Now: time.Now()})
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.KindDuplicateApprover, e.Kind)
}

func TestRespondQuorumRejectShortCircuits(t *testing.T) {
	state := basicState()
	state.Quorum = &store.Quorum{Required: 3, Entries: []store.QuorumEntry{{ApproverID: "u1"}}}
	next, err := Respond(basicRequest(), state, RespondInput{Action: ActionReject, ApproverID: "u2", ExpectedVersion: 1, Now: time.Now()})
	require.NoError(t, err)
	require.Equal(t, store.ApprovalRejected, next.Status)
}
