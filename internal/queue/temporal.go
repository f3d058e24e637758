package queue

import (
	"context"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// ExecuteApprovedWorkflowInput is the Temporal workflow's input,
// mirroring the queue job payload (spec.md §6).
type ExecuteApprovedWorkflowInput struct {
	EnvelopeID string
	EnqueuedAt time.Time
	TraceID    string
}

// ExecuteApprovedActivities is implemented by the orchestrator and
// registered as the workflow's activity set; kept as a narrow
// interface so the workflow file has no orchestrator import cycle.
type ExecuteApprovedActivities interface {
	ExecuteApproved(ctx context.Context, envelopeID string) error
}

// ExecuteApprovedWorkflow calls the ExecuteApproved activity with the
// retry policy spec.md §4.9/§6 specifies: 3 attempts, exponential
// backoff starting at 2s with coefficient 2.0, matching the teacher's
// workflow.ActivityOptions{RetryPolicy: &temporal.RetryPolicy{...}}
// idiom (internal/workflows/agent_selection.go).
func ExecuteApprovedWorkflow(ctx workflow.Context, in ExecuteApprovedWorkflowInput) error {
	activityCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    3,
		},
	})

	var activities *Activities
	return workflow.ExecuteActivity(activityCtx, activities.ExecuteApproved, in.EnvelopeID).Get(ctx, nil)
}

// Activities bundles the activity implementations registered with the
// Temporal worker; ExecuteApproved delegates to the injected
// orchestrator-backed executor.
type Activities struct {
	Exec ExecuteApprovedActivities
}

// ExecuteApproved is the Temporal activity. It returns the executor's
// error unchanged and does not mark non-transient errors with
// temporal.NewNonRetryableApplicationError, so the workflow's
// attempt-count retry policy retries every error, transient or not.
func (a *Activities) ExecuteApproved(ctx context.Context, envelopeID string) error {
	return a.Exec.ExecuteApproved(ctx, envelopeID)
}
