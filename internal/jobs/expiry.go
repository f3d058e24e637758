// Package jobs implements the broker's periodic background jobs
// (spec.md C12): approval expiry sweeps and audit-chain verification,
// both built on the same start/stop-and-drain shape as
// internal/queue.InProcessWorker.
package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ApprovalExpirer is the narrow surface the expiry job needs from the
// orchestrator, kept as an interface to avoid an import cycle.
type ApprovalExpirer interface {
	ExpirePendingApprovals(ctx context.Context, organizationID string) (int, error)
}

// ExpiryJob periodically sweeps every pending approval and expires the
// ones whose deadline has passed (spec.md §4.12's
// APPROVAL_EXPIRY_SWEEP_MS knob).
type ExpiryJob struct {
	expirer  ApprovalExpirer
	interval time.Duration
	logger   *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewExpiryJob(expirer ApprovalExpirer, interval time.Duration, logger *zap.Logger) *ExpiryJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ExpiryJob{expirer: expirer, interval: interval, logger: logger, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// Start runs the sweep loop on its own goroutine until Stop is called
// or ctx is cancelled.
func (j *ExpiryJob) Start(ctx context.Context) {
	go j.loop(ctx)
}

// Stop signals the loop to finish its current sweep and return,
// mirroring queue.InProcessWorker.Stop's drain contract.
func (j *ExpiryJob) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

func (j *ExpiryJob) loop(ctx context.Context) {
	defer close(j.doneCh)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *ExpiryJob) sweep(ctx context.Context) {
	n, err := j.expirer.ExpirePendingApprovals(ctx, "")
	if err != nil {
		j.logger.Error("approval expiry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		j.logger.Info("approval expiry sweep expired approvals", zap.Int("count", n))
	}
}
