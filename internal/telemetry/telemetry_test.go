package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecorderNopDoesNotPanic(t *testing.T) {
	r := NewNop()
	r.ProposalOutcome("approved")
	r.ApprovalCreated("standard")
	r.ApprovalResponded("approve")
	r.Execution(true)
	r.AuditAppended()
	r.ObservePolicyEvalMs("allow", 12.5)
	r.ObserveExecuteMs("ads-spend", 80)
	r.ObserveQueueWaitMs(5)

	ctx, span := r.StartSpan(context.Background(), "propose")
	require.NotNil(t, ctx)
	span.End()
}

func TestTwoRecordersDoNotCollide(t *testing.T) {
	require.NotPanics(t, func() {
		NewNop()
		NewNop()
	})
}
